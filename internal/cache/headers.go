package cache

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// 头部记录格式："<xxhash64 十六进制>\n<原始头部文本>"，校验失败视为记录不存在。

// CacheHeaders 覆盖写入 host+url 的响应头文本。
func (s *Store) CacheHeaders(host, url, headerText string) error {
	if host == "" || url == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.headerPath(host, url)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create header dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(strconv.FormatUint(xxhash.Sum64String(headerText), 16))
	buf.WriteByte('\n')
	buf.WriteString(headerText)

	tmp, err := afero.TempFile(s.fs, filepath.Dir(path), tempPrefix+"header-*")
	if err != nil {
		return fmt.Errorf("create temp header: %w", err)
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(buf.Bytes())
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("write header: %w", err)
	}
	if err := s.fs.Remove(path); err != nil && !isNotExist(err) {
		s.fs.Remove(tmpName)
		return fmt.Errorf("replace header: %w", err)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("rename header: %w", err)
	}
	return nil
}

// GetCacheHeaders 返回已缓存的响应头文本；记录不存在或校验失败时返回 ErrNotFound。
func (s *Store) GetCacheHeaders(host, url string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.headerPath(host, url)
	raw, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if isNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read header: %w", err)
	}

	text, ok := decodeHeaderRecord(raw)
	if !ok {
		s.logger.WithField("action", "cache_headers").WithField("path", path).Warn("cache_header_corrupted")
		return "", ErrNotFound
	}
	return text, nil
}

// ClearCacheHeaders 删除 host+url 的头部记录，不存在时不报错。
func (s *Store) ClearCacheHeaders(host, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.headerPath(host, url)); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove header: %w", err)
	}
	return nil
}

func decodeHeaderRecord(raw []byte) (string, bool) {
	sum, body, found := bytes.Cut(raw, []byte{'\n'})
	if !found {
		return "", false
	}
	want, err := strconv.ParseUint(string(sum), 16, 64)
	if err != nil || xxhash.Sum64(body) != want {
		return "", false
	}
	return string(body), true
}
