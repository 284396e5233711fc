package proxy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errRangeNotSatisfiable = errors.New("range not satisfiable")

// byteRange 是闭区间 [start, end]；partial 表示客户端显式请求了区间。
type byteRange struct {
	start   int64
	end     int64
	partial bool
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

func (r byteRange) contentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, size)
}

// parseRange 解析单区间 Range 头：bytes=a-b、bytes=a-、bytes=-n。
// 语法错误、未知单位与多区间请求按 RFC 9110 忽略，返回整个资源。
func parseRange(header string, size int64) (byteRange, error) {
	full := byteRange{start: 0, end: size - 1}
	header = strings.TrimSpace(header)
	if header == "" {
		return full, nil
	}

	const prefix = "bytes="
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return full, nil
	}
	set := strings.TrimSpace(header[len(prefix):])
	if strings.Contains(set, ",") {
		return full, nil
	}
	startRaw, endRaw, ok := strings.Cut(set, "-")
	if !ok {
		return full, nil
	}
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)

	if startRaw == "" {
		n, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || n < 0 {
			return full, nil
		}
		if n == 0 {
			return byteRange{}, errRangeNotSatisfiable
		}
		n = min(n, size)
		return byteRange{start: size - n, end: size - 1, partial: true}, nil
	}

	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return full, nil
	}
	if start >= size {
		return byteRange{}, errRangeNotSatisfiable
	}
	end := size - 1
	if endRaw != "" {
		e, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || e < start {
			return full, nil
		}
		end = min(e, size-1)
	}
	return byteRange{start: start, end: end, partial: true}, nil
}

// parseContentRange 解析 "bytes a-b/total"，total 为 "*" 时返回 -1。
func parseContentRange(value string) (start, end, total int64, ok bool) {
	value = strings.TrimSpace(value)
	const prefix = "bytes "
	if !strings.HasPrefix(value, prefix) {
		return 0, 0, 0, false
	}
	span, totalRaw, found := strings.Cut(value[len(prefix):], "/")
	if !found {
		return 0, 0, 0, false
	}
	startRaw, endRaw, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, 0, false
	}
	var err error
	if start, err = strconv.ParseInt(startRaw, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if end, err = strconv.ParseInt(endRaw, 10, 64); err != nil || end < start {
		return 0, 0, 0, false
	}
	if totalRaw == "*" {
		return start, end, -1, true
	}
	if total, err = strconv.ParseInt(totalRaw, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	return start, end, total, true
}
