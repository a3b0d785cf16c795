package carol

import (
	"bytes"
	"context"
	"io"
	"sync"

	digest "github.com/opencontainers/go-digest"
)

// testFetcher is the package-level stub described in SPEC_FULL.md's
// Fetcher Capability section: it exists only under _test.go files, never
// in the core, and serves canned content per source with a call counter
// so tests can assert single-flight collapse.
type testFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	content map[string][]byte
	errs    map[string]error
	block   chan struct{} // if set, Fetch waits here (or for ctx) before returning content
}

func newTestFetcher() *testFetcher {
	return &testFetcher{
		calls:   make(map[string]int),
		content: make(map[string][]byte),
		errs:    make(map[string]error),
	}
}

func (f *testFetcher) withContent(source string, content []byte) *testFetcher {
	f.content[source] = content
	return f
}

func (f *testFetcher) withError(source string, err error) *testFetcher {
	f.errs[source] = err
	return f
}

func (f *testFetcher) Fetch(ctx context.Context, source string) (io.ReadCloser, *digest.Digest, error) {
	f.mu.Lock()
	f.calls[source]++
	f.mu.Unlock()

	if err, ok := f.errs[source]; ok {
		return nil, nil, err
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return io.NopCloser(bytes.NewReader(f.content[source])), nil, nil
}

func (f *testFetcher) callCount(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[source]
}
