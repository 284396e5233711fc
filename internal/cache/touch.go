package cache

import (
	"io"
	"os"

	"github.com/spf13/afero"
)

// touch 刷新分片的修改时间作为 LRU 标记。优先直接设置 mtime；
// 文件系统不支持时回写最后一个字节；空文件视为不可用。返回文件是否仍可用。
func (s *Store) touch(path string) bool {
	info, err := s.fs.Stat(path)
	if err != nil {
		return false
	}
	if info.Size() == 0 {
		// 调用方只持共享锁，空文件留给 trim 在独占锁下清理。
		return false
	}

	now := s.now()
	if err := s.fs.Chtimes(path, now, now); err == nil {
		return true
	}

	if err := rewriteLastByte(s.fs, path, info.Size()); err != nil {
		s.logger.WithError(err).WithField("action", "cache_touch").WithField("path", path).Debug("cache_touch_failed")
	}
	return true
}

func rewriteLastByte(fs afero.Fs, path string, size int64) error {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil && err != io.EOF {
		return err
	}
	if _, err := f.WriteAt(last, size-1); err != nil {
		return err
	}
	return f.Sync()
}
