package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

type contentFile struct {
	path    string
	size    int64
	modTime time.Time
}

// Trim 在正文总量超出 maxSize 时执行一次裁剪，返回裁剪后的总字节数。
// 未超限时不淘汰任何分片；为新写入腾出空间由 Put 负责。
func (s *Store) Trim() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, err := s.contentSize()
	if err != nil {
		return size, err
	}
	if size <= s.maxSize {
		return size, nil
	}
	return s.trimLocked(size), nil
}

// trimLocked 裁剪到 maxSize*TrimFactor，调用方必须持有 s.mu 写锁。
func (s *Store) trimLocked(size int64) int64 {
	return s.trimToLocked(size, int64(float64(s.maxSize)*TrimFactor))
}

// trimToLocked 先清理空文件与空目录，再按修改时间从旧到新删除分片，
// 直到总量不超过 target。删除失败的文件保留且继续计入总量。
// 调用方必须持有 s.mu 写锁。
func (s *Store) trimToLocked(size, target int64) int64 {
	started := size
	target = max(target, 0)
	s.removeEmpty(s.contentRoot())

	files, err := s.contentFiles()
	if err != nil {
		s.logger.WithError(err).WithField("action", "cache_trim").Warn("cache_trim_list_failed")
		return size
	}
	size = 0
	for _, f := range files {
		size += f.size
	}

	// 最近使用的排在前面，从末尾（最久未用）开始淘汰。
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	evicted := 0
	for i := len(files) - 1; i >= 0 && size > target; i-- {
		f := files[i]
		if err := s.fs.Remove(f.path); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_trim",
				"path":   f.path,
			}).Warn("cache_evict_failed")
			continue
		}
		size -= f.size
		evicted++
		s.logger.WithFields(logrus.Fields{
			"action": "cache_trim",
			"path":   f.path,
			"size":   f.size,
		}).Debug("cache_evicted")
	}

	s.logger.WithFields(logrus.Fields{
		"action":  "cache_trim",
		"before":  humanize.IBytes(uint64(started)),
		"after":   humanize.IBytes(uint64(size)),
		"target":  humanize.IBytes(uint64(target)),
		"evicted": evicted,
	}).Info("cache_trimmed")
	return size
}

// contentSize 统计正文目录下所有已完成分片的总字节数（不含写入中的临时文件）。
func (s *Store) contentSize() (int64, error) {
	files, err := s.contentFiles()
	var total int64
	for _, f := range files {
		total += f.size
	}
	return total, err
}

func (s *Store) contentFiles() ([]contentFile, error) {
	var files []contentFile
	err := afero.Walk(s.fs, s.contentRoot(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() && !strings.HasPrefix(info.Name(), tempPrefix) {
			files = append(files, contentFile{path: path, size: info.Size(), modTime: info.ModTime()})
		}
		return nil
	})
	return files, err
}

// removeEmpty 递归删除空文件以及删除后变空的子目录（根目录保留）。
func (s *Store) removeEmpty(dir string) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			s.removeEmpty(path)
			if left, err := afero.ReadDir(s.fs, path); err == nil && len(left) == 0 {
				s.fs.Remove(path)
			}
			continue
		}
		// 写入中的临时文件刚创建时也是空的，交给 LRU 淘汰处理。
		if entry.Size() == 0 && !strings.HasPrefix(entry.Name(), tempPrefix) {
			s.fs.Remove(path)
		}
	}
}

// removeStaleTemp 清理上次进程退出时遗留的临时文件。
func (s *Store) removeStaleTemp() {
	for _, root := range []string{s.contentRoot(), s.headersRoot()} {
		var stale []string
		afero.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() && strings.HasPrefix(info.Name(), tempPrefix) {
				stale = append(stale, path)
			}
			return nil
		})
		for _, path := range stale {
			s.fs.Remove(path)
		}
	}
}
