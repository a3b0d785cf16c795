// Package carol is an asynchronous, managed, content-addressed file
// cache. It pairs a filesystem directory of large blobs with a
// relational metadata index so applications can fetch files (typically
// by URL) without duplicating bytes on disk, without concurrent
// re-downloads of the same resource, and without risk of deleting a
// file another consumer is still using.
//
// Files are stored once under a content-derived name; the index tracks
// each entry's source, status, and retention policy, and an in-memory
// table tracks its live reference count. Consumers receive [Handle]
// values whose lifetime pins the underlying file against eviction.
//
// # Quick start
//
// Open a manager rooted at a cache directory, backed by a fetcher that
// knows how to turn a source identifier into a byte stream:
//
//	m, err := carol.Init(ctx, "cache.db", "/var/cache/carol",
//	    carol.WithFetcher(httpFetcher),
//	)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
// Fetch a file by source, and release the handle once done with it:
//
//	h, err := m.Get(ctx, "https://example.com/dataset.tar.gz")
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
//	fmt.Println(h.CachePath())
//
// Concurrent Get calls for the same source collapse into a single
// in-flight download (single-flight); each caller still receives its own
// live handle once the download completes.
//
// # Retention
//
// Each entry carries a [Policy]: [StoreForever], [ExpiresAt], or
// [ExpiresAfterNotUsedFor]. A background sweeper periodically — and
// immediately whenever a handle's refcount drops to zero — tombstones
// and unlinks entries whose policy predicate has fired and that are no
// longer pinned by any live handle.
package carol
