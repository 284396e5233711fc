package cache

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/video-cache/internal/logging"
)

const (
	writeBufferSize = 512 * 1024
	tempPrefix      = ".tmp-"
)

// Put 准入 key 覆盖的分片并提交后台写入任务，立即返回 PendingQueue。
// src 必须已定位到 key.Start；写入任务按升序从 src 读取每个分片写盘，
// 写完一个就入队一个，最后 Destroy 队列。容量不足时只准入前面能放下的分片，
// 队列的 TotalLength 即实际会入队的字节数。
func (s *Store) Put(key SegmentKey, src io.Reader) (*PendingQueue, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}

	s.mu.Lock()
	size, err := s.contentSize()
	if err != nil {
		s.logger.WithError(err).WithFields(keyFields(key, "cache_size")).Warn("cache_size_failed")
	}
	// 超限或首个分片已放不下时先裁剪。准入不会让正文超过 maxSize，
	// 只靠 "size > maxSize" 触发会让写满的缓存永远不再淘汰；
	// 目标取 maxSize*TrimFactor 与 "刚好放下首个分片" 中较小者。
	first := key.Slices()[0].Length()
	if size > s.maxSize || size+s.reserved.Load()+first > s.maxSize {
		target := min(int64(float64(s.maxSize)*TrimFactor), s.maxSize-s.reserved.Load()-first)
		size = s.trimToLocked(size, target)
	}

	budget := s.maxSize - size - s.reserved.Load()
	var (
		admitted []SegmentKey
		pending  int64
	)
	for _, slice := range key.Slices() {
		if pending+slice.Length() > budget {
			break
		}
		pending += slice.Length()
		admitted = append(admitted, slice)
	}
	s.reserved.Add(pending)
	s.mu.Unlock()

	queue := NewPendingQueue(pending)
	if len(admitted) == 0 {
		queue.Destroy()
		s.logger.WithFields(keyFields(key, "cache_put")).
			WithField("cache_size", humanize.IBytes(uint64(size))).
			Debug("cache_put_no_budget")
		return queue, nil
	}

	ok := s.submit(func() {
		s.writeSlices(key, admitted, src, queue)
	})
	if !ok {
		s.reserved.Add(-pending)
		queue.Destroy()
		return nil, ErrStoreClosed
	}

	s.logger.WithFields(keyFields(key, "cache_put")).WithFields(logrus.Fields{
		"slices":   len(admitted),
		"admitted": pending,
		"partial":  pending < key.Length(),
	}).Debug("cache_put_admitted")
	return queue, nil
}

// writeSlices 在 writer goroutine 中执行：先合并碎片，再逐片写盘入队。
func (s *Store) writeSlices(key SegmentKey, slices []SegmentKey, src io.Reader, queue *PendingQueue) {
	defer queue.Destroy()

	s.mu.Lock()
	s.combineLocked(key.Host, key.URL)
	s.mu.Unlock()

	buf := make([]byte, writeBufferSize)
	stopped := false
	for _, slice := range slices {
		length := slice.Length()
		if stopped {
			s.reserved.Add(-length)
			continue
		}

		path, copied, readErr, writeErr := s.writeSlice(slice, src, buf)
		if readErr != nil || writeErr != nil {
			s.reserved.Add(-length)
		}
		switch {
		case readErr != nil:
			s.logger.WithError(readErr).WithFields(keyFields(slice, "cache_write")).Warn("cache_source_failed")
			stopped = true
		case writeErr != nil:
			s.logger.WithError(writeErr).WithFields(keyFields(slice, "cache_write")).Warn("cache_write_failed")
			queue.addSkipped(length)
			// 丢弃本分片剩余字节，使数据流对齐到下一个分片。
			if _, err := io.CopyN(io.Discard, src, length-copied); err != nil {
				s.logger.WithError(err).WithFields(keyFields(slice, "cache_write")).Warn("cache_source_failed")
				stopped = true
			}
		default:
			queue.Offer(SegmentFile{Key: slice, Path: path})
		}
	}
}

// writeSlice 把 key.Length() 字节写入临时文件后重命名为 "<start>_<end>"，覆盖同名旧文件。
// 重命名与释放预留容量在写锁内完成，Put 统计容量时不会重复或遗漏计算。
func (s *Store) writeSlice(key SegmentKey, src io.Reader, buf []byte) (path string, copied int64, readErr, writeErr error) {
	dir := s.resourceDir(key.Host, key.URL)

	// 持读锁创建目录与临时文件，避免 trim 在两步之间删除空目录。
	s.mu.RLock()
	tmp, err := s.createTemp(dir, tempPrefix+key.FileName()+"-*")
	s.mu.RUnlock()
	if err != nil {
		return "", 0, nil, err
	}
	tmpName := tmp.Name()

	copied, readErr, writeErr = copyBuffered(tmp, src, key.Length(), buf)
	closeErr := tmp.Close()
	if writeErr == nil && readErr == nil && closeErr != nil {
		writeErr = closeErr
	}
	if readErr != nil || writeErr != nil {
		s.fs.Remove(tmpName)
		return "", copied, readErr, writeErr
	}

	path = filepath.Join(dir, key.FileName())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(path); err != nil && !isNotExist(err) {
		s.fs.Remove(tmpName)
		return "", copied, nil, fmt.Errorf("replace segment: %w", err)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return "", copied, nil, fmt.Errorf("rename segment: %w", err)
	}
	s.reserved.Add(-key.Length())
	now := s.now()
	if err := s.fs.Chtimes(path, now, now); err != nil {
		s.logger.WithError(err).WithFields(keyFields(key, "cache_write")).Debug("cache_chtimes_failed")
	}
	return path, copied, nil, nil
}

func (s *Store) createTemp(dir, pattern string) (afero.File, error) {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create resource dir: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp segment: %w", err)
	}
	return tmp, nil
}

func keyFields(key SegmentKey, action string) logrus.Fields {
	return logging.SegmentFields(action, key.Host, key.URL, key.Start, key.End)
}
