package cache

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// SliceSize 是磁盘分片的对齐单位，所有读写都按 5MiB 切分。
	SliceSize int64 = 5 * 1024 * 1024
	// TrimFactor 是裁剪后的目标水位（maxSize 的比例），避免反复在临界点裁剪。
	TrimFactor = 0.75
)

// SegmentKey 定位某个资源的一段闭区间字节范围 [Start, End]。
type SegmentKey struct {
	Host  string
	URL   string
	Start int64
	End   int64
}

// Length 返回区间包含的字节数。
func (k SegmentKey) Length() int64 {
	return k.End - k.Start + 1
}

// Valid 检查区间是否合法。
func (k SegmentKey) Valid() bool {
	return k.Host != "" && k.URL != "" && k.Start >= 0 && k.End >= k.Start
}

// FileName 返回分片在磁盘上的文件名 "<start>_<end>"。
func (k SegmentKey) FileName() string {
	return segmentName(k.Start, k.End)
}

func (k SegmentKey) String() string {
	return fmt.Sprintf("%s%s[%d-%d]", k.Host, k.URL, k.Start, k.End)
}

// withRange 复制 host/url，替换字节范围。
func (k SegmentKey) withRange(start, end int64) SegmentKey {
	return SegmentKey{Host: k.Host, URL: k.URL, Start: start, End: end}
}

// SliceStart 返回偏移 o 所在分片的起始字节。
func SliceStart(o int64) int64 {
	return o / SliceSize * SliceSize
}

// SliceEnd 返回偏移 o 所在分片的最后一个字节。
func SliceEnd(o int64) int64 {
	return SliceStart(o) + SliceSize - 1
}

// Slices 把区间切成写入用的分片：首片从 Start 开始，其余按 SliceSize 对齐，末片截断到 End。
func (k SegmentKey) Slices() []SegmentKey {
	if !k.Valid() {
		return nil
	}
	first, last := k.Start/SliceSize, k.End/SliceSize
	out := make([]SegmentKey, 0, last-first+1)
	for i := first; i <= last; i++ {
		start := max(i*SliceSize, k.Start)
		end := min(k.End, i*SliceSize+SliceSize-1)
		out = append(out, k.withRange(start, end))
	}
	return out
}

// AlignedSlices 把区间切成查询用的分片：每片都从分片边界开始，末片截断到 End。
func (k SegmentKey) AlignedSlices() []SegmentKey {
	if !k.Valid() {
		return nil
	}
	first, last := k.Start/SliceSize, k.End/SliceSize
	out := make([]SegmentKey, 0, last-first+1)
	for i := first; i <= last; i++ {
		start := i * SliceSize
		out = append(out, k.withRange(start, min(k.End, start+SliceSize-1)))
	}
	return out
}

func segmentName(start, end int64) string {
	return strconv.FormatInt(start, 10) + "_" + strconv.FormatInt(end, 10)
}

// ParseSegmentName 解析 "<start>_<end>" 文件名，任何不符合格式的名字都返回 false。
func ParseSegmentName(name string) (start, end int64, ok bool) {
	head, tail, found := strings.Cut(name, "_")
	if !found || !isDigits(head) || !isDigits(tail) {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err = strconv.ParseInt(tail, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

var pathUnsafe = strings.NewReplacer("/", "_", ":", "_", ".", "_")

// hashName 把 host/url 中的 / : . 替换为 _，作为目录名使用。
func hashName(s string) string {
	return pathUnsafe.Replace(s)
}
