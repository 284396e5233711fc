package cache

import "errors"

var (
	// ErrNotFound 表示资源目录或头部记录不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreClosed 表示 Store 已关闭，不再接受写入。
	ErrStoreClosed = errors.New("cache store closed")
	// ErrInvalidKey 表示 SegmentKey 的 host/url/范围不合法。
	ErrInvalidKey = errors.New("invalid segment key")
)
