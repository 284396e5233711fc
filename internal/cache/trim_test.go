package cache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestTrimEvictsLeastRecentlyUsed(t *testing.T) {
	store, fs := newTestStore(t, 1000)
	base := time.Now().Add(-time.Hour)

	var paths []string
	for i := int64(0); i < 5; i++ {
		path := writeSegment(t, fs, store, i*300, i*300+299, testPayload(300))
		stamp := base.Add(time.Duration(i) * time.Minute)
		if err := fs.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("chtimes error: %v", err)
		}
		paths = append(paths, path)
	}
	empty := filepath.Join(store.resourceDir(testHost, "/empty"), "0_10")
	writeFile(t, fs, empty, nil)

	size, err := store.Trim()
	if err != nil {
		t.Fatalf("trim error: %v", err)
	}
	if size > int64(float64(store.MaxSize())*TrimFactor) {
		t.Fatalf("size %d above hysteresis target", size)
	}
	if size != 600 {
		t.Fatalf("expected 600 bytes left, got %d", size)
	}
	for i, path := range paths {
		_, statErr := fs.Stat(path)
		if i < 3 && statErr == nil {
			t.Fatalf("old segment %d should be evicted", i)
		}
		if i >= 3 && statErr != nil {
			t.Fatalf("recent segment %d should survive: %v", i, statErr)
		}
	}
	if _, err := fs.Stat(empty); err == nil {
		t.Fatalf("zero-length file should be purged")
	}
}

func TestTrimSkipsWhenUnderBudget(t *testing.T) {
	store, fs := newTestStore(t, 1000)
	path := writeSegment(t, fs, store, 0, 899, testPayload(900))

	size, err := store.Trim()
	if err != nil {
		t.Fatalf("trim error: %v", err)
	}
	if size != 900 {
		t.Fatalf("unexpected size %d", size)
	}
	if _, err := fs.Stat(path); err != nil {
		t.Fatalf("segment should not be evicted: %v", err)
	}
}

func TestTrimToleratesDeleteFailure(t *testing.T) {
	mem := afero.NewMemMapFs()
	store, _ := newTestStore(t, 1000, WithFs(mem))
	base := time.Now().Add(-time.Hour)
	var paths []string
	for i := int64(0); i < 4; i++ {
		path := writeSegment(t, mem, store, i*400, i*400+399, testPayload(400))
		stamp := base.Add(time.Duration(i) * time.Minute)
		mem.Chtimes(path, stamp, stamp)
		paths = append(paths, path)
	}

	// 最旧的文件删除失败，应继续淘汰下一个。
	store.fs = failingRemoveFs{Fs: mem, path: paths[0]}
	size, err := store.Trim()
	if err != nil {
		t.Fatalf("trim error: %v", err)
	}
	if size != 400 {
		t.Fatalf("undeletable file must stay counted, size %d", size)
	}
	if _, err := mem.Stat(paths[0]); err != nil {
		t.Fatalf("undeletable file should remain: %v", err)
	}
	for _, path := range paths[1:] {
		if _, err := mem.Stat(path); err == nil {
			t.Fatalf("%s should be evicted", path)
		}
	}
}

func TestPutTrimsBeforeAdmission(t *testing.T) {
	store, fs := newTestStore(t, 12*mib)
	base := time.Now().Add(-time.Hour)
	for i := int64(0); i < 13; i++ {
		key := SegmentKey{Host: testHost, URL: "/old.mp4", Start: i * mib, End: (i+1)*mib - 1}
		if err := fs.MkdirAll(store.resourceDir(key.Host, key.URL), 0o755); err != nil {
			t.Fatalf("mkdir error: %v", err)
		}
		path := store.segmentPath(key)
		writeFile(t, fs, path, testPayload(mib))
		stamp := base.Add(time.Duration(i) * time.Second)
		fs.Chtimes(path, stamp, stamp)
	}

	queue, err := store.Put(SegmentKey{Host: testHost, URL: testURL, Start: 0, End: 2*mib - 1}, bytes.NewReader(testPayload(2*mib)))
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if queue.TotalLength() != 2*mib {
		t.Fatalf("slice should be admitted after trim, got %d", queue.TotalLength())
	}
	readQueue(t, store, queue, 0, queue.TotalLength())
	waitDone(t, queue)

	st, err := store.Stats()
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if st.Size > store.MaxSize() {
		t.Fatalf("size %d exceeds budget", st.Size)
	}
	if st.Size != 9*mib+2*mib {
		t.Fatalf("expected trim to 9MiB plus the new 2MiB, got %d", st.Size)
	}
}

func TestPutEvictsWhenCacheIsFull(t *testing.T) {
	store, fs := newTestStore(t, 10*mib)
	first := SegmentKey{Host: testHost, URL: "/a.mp4", Start: 0, End: 2*SliceSize - 1}
	putAndWait(t, store, first, testPayload(2*SliceSize))

	// a 的第一个分片最久未用。
	older := first.Slices()[0]
	stamp := time.Now().Add(-time.Hour)
	if err := fs.Chtimes(store.segmentPath(older), stamp, stamp); err != nil {
		t.Fatalf("chtimes error: %v", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		key := SegmentKey{Host: testHost, URL: "/b" + strconv.Itoa(attempt) + ".mp4", Start: 0, End: SliceSize - 1}
		queue, err := store.Put(key, bytes.NewReader(testPayload(SliceSize)))
		if err != nil {
			t.Fatalf("put error: %v", err)
		}
		if queue.TotalLength() != SliceSize {
			t.Fatalf("attempt %d: full cache must evict to admit new slice, got %d", attempt, queue.TotalLength())
		}
		readQueue(t, store, queue, 0, queue.TotalLength())
		waitDone(t, queue)

		st, err := store.Stats()
		if err != nil {
			t.Fatalf("stats error: %v", err)
		}
		if st.Size > store.MaxSize() {
			t.Fatalf("attempt %d: size %d exceeds budget", attempt, st.Size)
		}
	}

	if _, err := fs.Stat(store.segmentPath(older)); err == nil {
		t.Fatalf("least recently used slice should be evicted")
	}
}

func TestPutEvictsBelowTrimTargetWhenSliceDoesNotFit(t *testing.T) {
	store, fs := newTestStore(t, 10*mib)
	other := SegmentKey{Host: testHost, URL: "/other.mp4", Start: 0, End: 6*mib - 1}
	if err := fs.MkdirAll(store.resourceDir(other.Host, other.URL), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	writeFile(t, fs, store.segmentPath(other), testPayload(6*mib))

	// 6MiB 低于 maxSize*TrimFactor，但一个完整分片仍放不下。
	queue, err := store.Put(SegmentKey{Host: testHost, URL: testURL, Start: 0, End: SliceSize - 1}, bytes.NewReader(testPayload(SliceSize)))
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if queue.TotalLength() != SliceSize {
		t.Fatalf("slice should be admitted after eviction, got %d", queue.TotalLength())
	}
	readQueue(t, store, queue, 0, queue.TotalLength())
	waitDone(t, queue)
	if _, err := fs.Stat(store.segmentPath(other)); err == nil {
		t.Fatalf("older resource should be evicted")
	}
}

func TestTrimLeavesFullCacheUnderLimit(t *testing.T) {
	store, fs := newTestStore(t, 10*mib)
	path := writeSegment(t, fs, store, 0, 10*mib-1, testPayload(10*mib))

	size, err := store.Trim()
	if err != nil {
		t.Fatalf("trim error: %v", err)
	}
	if size != 10*mib {
		t.Fatalf("trim at the limit should not evict, size %d", size)
	}
	if _, err := fs.Stat(path); err != nil {
		t.Fatalf("segment should remain: %v", err)
	}
}

func TestNewStoreRemovesStaleTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	stale := "/cache/content/h/u/" + tempPrefix + "0_9-123"
	writeFile(t, fs, stale, []byte("partial"))

	store, err := NewStore("/cache", 100, WithFs(fs), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	defer store.Close()
	if _, err := fs.Stat(stale); err == nil {
		t.Fatalf("stale temp file should be removed")
	}
}

type failingRemoveFs struct {
	afero.Fs
	path string
}

func (f failingRemoveFs) Remove(name string) error {
	if name == f.path {
		return &os.PathError{Op: "remove", Path: name, Err: errors.New("permission denied")}
	}
	return f.Fs.Remove(name)
}
