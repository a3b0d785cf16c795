package carol

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carolcache/carol/internal/index"
	"github.com/carolcache/carol/internal/store"
)

func newTestManager(t *testing.T, fetcher Fetcher, opts ...Option) *Manager {
	t.Helper()
	dir := t.TempDir()
	allOpts := append([]Option{WithFetcher(fetcher)}, opts...)
	m, err := Init(context.Background(), filepath.Join(dir, "carol.db"), filepath.Join(dir, "cache"), allOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func hexSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestGetColdFetchProducesContentAddressedPath(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher().withContent("s", []byte("hello"))
	m := newTestManager(t, fetcher)

	h, err := m.Get(context.Background(), "s")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, 1, fetcher.callCount("s"))
	assert.True(t, strings.HasSuffix(h.CachePath(), filepath.Join("files", hexSHA256([]byte("hello")))))

	content, err := os.ReadFile(h.CachePath())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestGetDropThenGetFetchesOnce(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher().withContent("s", []byte("hello"))
	m := newTestManager(t, fetcher)

	h1, err := m.Get(context.Background(), "s")
	require.NoError(t, err)
	h1.Release()

	h2, err := m.Get(context.Background(), "s")
	require.NoError(t, err)
	defer h2.Release()

	assert.Equal(t, 1, fetcher.callCount("s"))
	assert.Equal(t, h1.CachePath(), h2.CachePath())
}

func TestConcurrentGetCollapsesIntoOneFetch(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher().withContent("s", []byte("concurrent content"))
	fetcher.block = make(chan struct{})
	m := newTestManager(t, fetcher)

	const n = 50
	var wg sync.WaitGroup
	handles := make([]*Handle, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			h, err := m.Get(context.Background(), "s")
			handles[i] = h
			errs[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let all 50 queue up behind the single leader
	close(fetcher.block)
	wg.Wait()

	assert.Equal(t, 1, fetcher.callCount("s"))
	for i := range n {
		require.NoError(t, errs[i])
		require.NotNil(t, handles[i])
		assert.Equal(t, handles[0].CachePath(), handles[i].CachePath())
		handles[i].Release()
	}
}

func TestCopyLocalFileThenGetDedupsOnSharedContent(t *testing.T) {
	t.Parallel()

	content := []byte("shared bytes")
	dir := t.TempDir()
	localPath := filepath.Join(dir, "local.bin")
	require.NoError(t, os.WriteFile(localPath, content, 0o600))

	fetcher := newTestFetcher().withContent("remote-source", content)
	m := newTestManager(t, fetcher)

	hLocal, err := m.CopyLocalFile(context.Background(), localPath, StoreForever(), "local.bin", "")
	require.NoError(t, err)
	defer hLocal.Release()

	hRemote, err := m.Get(context.Background(), "remote-source")
	require.NoError(t, err)
	defer hRemote.Release()

	assert.Equal(t, hLocal.CachePath(), hRemote.CachePath(), "identical content should share one on-disk file")
}

func TestIdleEvictionTombstonesAfterPolicyFires(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher().withContent("s", []byte("idle content"))
	m := newTestManager(t, fetcher, WithDefaultPolicy(ExpiresAfterNotUsedFor(10*time.Millisecond)))

	h, err := m.Get(context.Background(), "s")
	require.NoError(t, err)
	cachePath := h.CachePath()
	h.Release()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.sweepOnce(context.Background()))

	_, err = os.Stat(cachePath)
	assert.True(t, os.IsNotExist(err), "evicted entry's file should be gone")

	active, err := m.index.LookupActive(context.Background(), "s")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestIdleEvictionSparesPinnedEntry(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher().withContent("s", []byte("pinned content"))
	m := newTestManager(t, fetcher, WithDefaultPolicy(ExpiresAfterNotUsedFor(10*time.Millisecond)))

	h, err := m.Get(context.Background(), "s")
	require.NoError(t, err)
	defer h.Release()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.sweepOnce(context.Background()))

	_, err = os.Stat(h.CachePath())
	assert.NoError(t, err, "pinned entry's file must survive a sweep")
}

func TestLeaderCancellationPropagatesAndAllowsFreshRetry(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher().withContent("s", []byte("retry content"))
	fetcher.block = make(chan struct{})
	m := newTestManager(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Get(ctx, "s")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindCancelled, cerr.Kind)

	close(fetcher.block)
	h, err := m.Get(context.Background(), "s")
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, 2, fetcher.callCount("s"), "cancelled leader must not block a fresh attempt")
}

func TestTransportErrorFailsEntryAndLeavesNoActiveEntry(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	fetcher := newTestFetcher().withError("s", boom)
	m := newTestManager(t, fetcher)

	_, err := m.Get(context.Background(), "s")
	require.Error(t, err)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindTransport, cerr.Kind)

	active, err := m.index.LookupActive(context.Background(), "s")
	require.NoError(t, err)
	assert.Nil(t, active, "a failed download leaves no active entry behind")
}

func TestRemoveWithoutWaitDefersToSweeper(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher().withContent("s", []byte("removable"))
	m := newTestManager(t, fetcher)

	h, err := m.Get(context.Background(), "s")
	require.NoError(t, err)

	require.NoError(t, m.Remove(context.Background(), "s"))

	// Still pinned: a sweep right now must not touch it.
	require.NoError(t, m.sweepOnce(context.Background()))
	_, statErr := os.Stat(h.CachePath())
	assert.NoError(t, statErr)

	h.Release()
	require.NoError(t, m.sweepOnce(context.Background()))
	_, statErr = os.Stat(h.CachePath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveWithWaitBlocksUntilUnpinned(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher().withContent("s", []byte("wait for me"))
	m := newTestManager(t, fetcher)

	h, err := m.Get(context.Background(), "s")
	require.NoError(t, err)

	removeDone := make(chan error, 1)
	go func() {
		removeDone <- m.Remove(context.Background(), "s", WithWait())
	}()

	select {
	case <-removeDone:
		t.Fatal("Remove(WithWait) returned before the handle was released")
	case <-time.After(20 * time.Millisecond):
	}

	h.Release()
	require.NoError(t, <-removeDone)

	active, err := m.index.LookupActive(context.Background(), "s")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRemoveUnknownSourceReturnsErrNotFound(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newTestFetcher())
	err := m.Remove(context.Background(), "never-fetched")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitRecoversFromCrashedDownloadAndOrphanedReadyRow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "carol.db")
	cacheRoot := filepath.Join(dir, "cache")

	// Simulate a process that crashed mid-download (a Downloading row with
	// no backing file) and a Ready row whose file was lost out-of-band.
	st, err := store.Open(cacheRoot, 0o700)
	require.NoError(t, err)
	ix, err := index.Open(context.Background(), dbPath)
	require.NoError(t, err)

	_, err = ix.InsertDownloading(context.Background(), "stuck-download", index.StoreForever(), "")
	require.NoError(t, err)

	readyID, err := ix.InsertDownloading(context.Background(), "orphaned-ready", index.StoreForever(), "")
	require.NoError(t, err)
	require.NoError(t, ix.PromoteToReady(context.Background(), readyID, "files/never-written"))

	require.NoError(t, ix.Close())
	_ = st

	m, err := Init(context.Background(), dbPath, cacheRoot, WithFetcher(newTestFetcher()))
	require.NoError(t, err)
	defer m.Close()

	for _, source := range []string{"stuck-download", "orphaned-ready"} {
		active, err := m.index.LookupActive(context.Background(), source)
		require.NoError(t, err)
		assert.Nil(t, active, "recovery should have failed and dropped %q", source)
	}
}
