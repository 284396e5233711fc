package cache

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// combineLocked 合并同一资源下首尾相接的短分片（长度不足 SliceSize），
// 减少多次部分请求留下的碎片。只合并字节连续且落在同一个对齐分片内的相邻文件，
// 保证合并结果仍可被按分片边界查询命中。调用方必须持有 s.mu 写锁。
func (s *Store) combineLocked(host, url string) int {
	dir := s.resourceDir(host, url)
	local, err := s.listSegments(dir)
	if err != nil {
		if !isNotExist(err) {
			s.logger.WithError(err).WithField("action", "cache_combine").Warn("cache_combine_list_failed")
		}
		return 0
	}

	segments := make([]localSegment, 0, len(local))
	for _, seg := range local {
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool {
		if segments[i].start != segments[j].start {
			return segments[i].start < segments[j].start
		}
		return segments[i].end < segments[j].end
	})

	merged := 0
	var prev *localSegment
	for i := range segments {
		cur := segments[i]
		if !isShort(cur) {
			prev = nil
			continue
		}
		if prev != nil && canCombine(*prev, cur) {
			combined, err := s.combinePair(dir, *prev, cur)
			if err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"action": "cache_combine",
					"first":  filepath.Base(prev.path),
					"second": filepath.Base(cur.path),
				}).Warn("cache_combine_failed")
				prev = &segments[i]
				continue
			}
			merged++
			if isShort(combined) {
				prev = &combined
			} else {
				prev = nil
			}
			continue
		}
		prev = &segments[i]
	}

	if merged > 0 {
		s.logger.WithFields(logrus.Fields{
			"action": "cache_combine",
			"host":   host,
			"url":    url,
			"merged": merged,
		}).Debug("cache_combined")
	}
	return merged
}

func isShort(seg localSegment) bool {
	return seg.end-seg.start+1 != SliceSize
}

func canCombine(first, second localSegment) bool {
	return second.start == first.end+1 && SliceStart(first.start) == SliceStart(second.end)
}

// combinePair 把 first 与 second 的字节依次写入临时文件，重命名为
// "<first.start>_<second.end>" 后删除两个原文件。任何一步失败都不改动原文件。
func (s *Store) combinePair(dir string, first, second localSegment) (localSegment, error) {
	tmp, err := afero.TempFile(s.fs, dir, tempPrefix+"combine-*")
	if err != nil {
		return localSegment{}, fmt.Errorf("create temp segment: %w", err)
	}
	tmpName := tmp.Name()

	size, err := s.appendFiles(tmp, first.path, second.path)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size != second.end-first.start+1 {
		err = fmt.Errorf("combined size %d does not match range %d-%d", size, first.start, second.end)
	}
	if err != nil {
		s.fs.Remove(tmpName)
		return localSegment{}, err
	}

	target := filepath.Join(dir, segmentName(first.start, second.end))
	if err := s.fs.Rename(tmpName, target); err != nil {
		s.fs.Remove(tmpName)
		return localSegment{}, fmt.Errorf("rename combined segment: %w", err)
	}
	s.fs.Remove(first.path)
	s.fs.Remove(second.path)

	return localSegment{start: first.start, end: second.end, path: target, size: size}, nil
}

func (s *Store) appendFiles(dst io.Writer, paths ...string) (int64, error) {
	var total int64
	for _, path := range paths {
		f, err := s.fs.Open(path)
		if err != nil {
			return total, err
		}
		n, err := io.Copy(dst, f)
		f.Close()
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
