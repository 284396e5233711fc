package cache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func TestCombinePreservesBytes(t *testing.T) {
	store, fs := newTestStore(t, 64*mib)
	first := []byte(strings.Repeat("A", 100))
	second := []byte(strings.Repeat("B", 200))
	putAndWait(t, store, SegmentKey{Host: testHost, URL: testURL, Start: 0, End: 99}, first)
	putAndWait(t, store, SegmentKey{Host: testHost, URL: testURL, Start: 100, End: 299}, second)

	if merged := combineNow(store); merged != 1 {
		t.Fatalf("expected one merge, got %d", merged)
	}
	if names := segmentNames(t, fs, store); strings.Join(names, ",") != "0_299" {
		t.Fatalf("unexpected segments after combine: %v", names)
	}
	data, err := afero.ReadFile(fs, store.segmentPath(SegmentKey{Host: testHost, URL: testURL, Start: 0, End: 299}))
	if err != nil {
		t.Fatalf("read combined error: %v", err)
	}
	if !bytes.Equal(data, append(append([]byte{}, first...), second...)) {
		t.Fatalf("combined bytes must equal first followed by second")
	}
}

func TestCombineChainsWithinSlice(t *testing.T) {
	store, fs := newTestStore(t, 64*mib)
	writeSegment(t, fs, store, 0, 9, []byte("0123456789"))
	writeSegment(t, fs, store, 10, 14, []byte("abcde"))
	writeSegment(t, fs, store, 15, 19, []byte("fghij"))

	if merged := combineNow(store); merged != 2 {
		t.Fatalf("expected two merges, got %d", merged)
	}
	data, _ := afero.ReadFile(fs, store.segmentPath(SegmentKey{Host: testHost, URL: testURL, Start: 0, End: 19}))
	if string(data) != "0123456789abcdefghij" {
		t.Fatalf("unexpected combined content %q", data)
	}
}

func TestCombineRequiresContiguity(t *testing.T) {
	store, fs := newTestStore(t, 64*mib)
	writeSegment(t, fs, store, 0, 99, testPayload(100))
	writeSegment(t, fs, store, 200, 299, testPayload(100))

	if merged := combineNow(store); merged != 0 {
		t.Fatalf("gapped segments must not merge")
	}
	if names := segmentNames(t, fs, store); len(names) != 2 {
		t.Fatalf("segments should be untouched: %v", names)
	}
}

func TestCombineKeepsSliceBoundary(t *testing.T) {
	store, fs := newTestStore(t, 64*mib)
	writeSegment(t, fs, store, SliceSize-100, SliceSize-1, testPayload(100))
	writeSegment(t, fs, store, SliceSize, SliceSize+99, testPayload(100))

	if merged := combineNow(store); merged != 0 {
		t.Fatalf("segments in different slices must not merge")
	}
}

func TestCombineSkipsFullSlices(t *testing.T) {
	store, fs := newTestStore(t, 64*mib)
	writeSegment(t, fs, store, 0, SliceSize-1, testPayload(SliceSize))
	writeSegment(t, fs, store, SliceSize, SliceSize+9, testPayload(10))

	if merged := combineNow(store); merged != 0 {
		t.Fatalf("full slice must not be merged")
	}
}

func TestCombineRunsBeforeEachWrite(t *testing.T) {
	store, fs := newTestStore(t, 64*mib)
	putAndWait(t, store, SegmentKey{Host: testHost, URL: testURL, Start: 0, End: 99}, testPayload(100))
	putAndWait(t, store, SegmentKey{Host: testHost, URL: testURL, Start: 100, End: 199}, testPayload(100))
	putAndWait(t, store, SegmentKey{Host: testHost, URL: testURL, Start: 200, End: 299}, testPayload(100))

	if names := segmentNames(t, fs, store); strings.Join(names, ",") != "0_199,200_299" {
		t.Fatalf("third put should combine the first two: %v", names)
	}

	results, err := store.Get(SegmentKey{Host: testHost, URL: testURL, Start: 0, End: 199})
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if !results[0].IsCached() {
		t.Fatalf("combined segment should be served")
	}
}

func combineNow(store *Store) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.combineLocked(testHost, testURL)
}
