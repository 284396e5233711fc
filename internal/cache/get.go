package cache

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// CacheResult 描述请求区间中一个对齐分片的命中情况。
type CacheResult struct {
	// Key 是对齐后的分片区间 [i*SliceSize, min(请求结束, 分片结束)]。
	Key SegmentKey
	// File 为命中的分片路径，未命中时为空。
	File string
	// Size 是查询时分片文件的字节数。
	Size int64
	// SkipBytes 仅首个分片非零：分片起点到请求起点的偏移。
	SkipBytes int64
	// SliceLength 等于 Key.Length()。
	SliceLength int64
}

// IsCached 报告分片文件是否存在且非空。
func (r CacheResult) IsCached() bool {
	return r.File != "" && r.Size > 0
}

// Get 为 key 的每个对齐分片返回一个 CacheResult，按偏移升序、无缝覆盖请求区间。
// 资源目录不存在时返回 ErrNotFound。命中的文件会刷新修改时间（LRU 触碰）。
func (s *Store) Get(key SegmentKey) ([]CacheResult, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := s.resourceDir(key.Host, key.URL)
	info, err := s.fs.Stat(dir)
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat resource dir: %w", err)
	}
	if !info.IsDir() {
		return nil, ErrNotFound
	}

	local, err := s.listSegments(dir)
	if err != nil {
		return nil, err
	}

	slices := key.AlignedSlices()
	results := make([]CacheResult, 0, len(slices))
	for i, slice := range slices {
		result := CacheResult{
			Key:         slice,
			SliceLength: slice.Length(),
		}
		if i == 0 {
			result.SkipBytes = key.Start - slice.Start
		}
		if seg, ok := local[[2]int64{slice.Start, slice.End}]; ok {
			if s.touch(seg.path) {
				result.File = seg.path
				result.Size = seg.size
			}
		}
		results = append(results, result)
	}
	return results, nil
}

type localSegment struct {
	start, end int64
	path       string
	size       int64
}

// listSegments 读取资源目录，只保留能解析为 "<start>_<end>" 且非空的文件。
func (s *Store) listSegments(dir string) (map[[2]int64]localSegment, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("list resource dir: %w", err)
	}
	out := make(map[[2]int64]localSegment, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || entry.Size() == 0 {
			continue
		}
		start, end, ok := ParseSegmentName(entry.Name())
		if !ok {
			continue
		}
		out[[2]int64{start, end}] = localSegment{
			start: start,
			end:   end,
			path:  filepath.Join(dir, entry.Name()),
			size:  entry.Size(),
		}
	}
	return out, nil
}
