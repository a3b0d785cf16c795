package carol

import (
	"context"
	"io"

	digest "github.com/opencontainers/go-digest"
)

// Fetcher is the pluggable byte-stream producer consumed by Get and the
// single-flight leader it elects. The core treats it as an opaque
// capability: given a source identifier, it yields a finite byte stream
// and an optional content-hash hint.
//
// Retry policy, if any, lives inside the Fetcher implementation — the
// core never retries a failed fetch.
type Fetcher interface {
	// Fetch returns a readable stream of source's bytes. If the fetcher
	// can cheaply supply an expected content hash (e.g. from a
	// Content-Digest response header) it returns a non-nil hint; a
	// mismatch between the hint and the computed hash fails the download
	// with KindHashMismatch.
	Fetch(ctx context.Context, source string) (io.ReadCloser, *digest.Digest, error)
}
