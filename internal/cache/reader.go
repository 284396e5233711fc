package cache

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// CompositeReader 把 PendingQueue 中陆续到达的分片文件串成一条连续字节流。
// 第一次读取时从队列取出首个文件并跳过 startOffset 字节；当前文件读完后
// 自动取下一个（必要时阻塞等待写入方），累计交付 totalLength 字节、队列
// 结束或遇到不连续的分片后返回 io.EOF。只允许一个 goroutine 读取。
type CompositeReader struct {
	fs        afero.Fs
	queue     *PendingQueue
	total     int64
	delivered int64
	skip      int64

	cur    afero.File
	last   SegmentKey
	done   bool
	closed bool
}

// NewCompositeReader 基于 fs 打开队列中的文件。startOffset 只作用于最先消费的文件。
func NewCompositeReader(fs afero.Fs, queue *PendingQueue, startOffset, totalLength int64) *CompositeReader {
	return &CompositeReader{
		fs:    fs,
		queue: queue,
		total: totalLength,
		skip:  max(startOffset, 0),
	}
}

// Read 实现 io.Reader。
func (r *CompositeReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("composite reader closed")
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if r.delivered >= r.total || r.done {
			return 0, io.EOF
		}
		if r.cur == nil {
			if err := r.next(); err != nil {
				return 0, err
			}
			if r.done {
				return 0, io.EOF
			}
		}

		limit := min(int64(len(p)), r.total-r.delivered)
		n, err := r.cur.Read(p[:limit])
		r.delivered += int64(n)
		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("read segment %s: %w", r.cur.Name(), err)
		}
		if errors.Is(err, io.EOF) {
			r.closeCurrent()
		}
		if n > 0 {
			return n, nil
		}
	}
}

// next 从队列取出下一个文件并在需要时消化 startOffset。
func (r *CompositeReader) next() error {
	for {
		file, ok := r.queue.Consume()
		if !ok {
			r.done = true
			return nil
		}
		if !r.contiguous(file.Key) {
			// 写入方跳过了失败的分片，在缺口处结束，绝不拼接不相邻的区间。
			r.done = true
			return nil
		}
		f, err := r.fs.Open(file.Path)
		if err != nil {
			return fmt.Errorf("open segment %s: %w", file.Path, err)
		}
		if r.skip == 0 {
			r.cur = f
			return nil
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat segment %s: %w", file.Path, err)
		}
		if info.Size() <= r.skip {
			// 整个文件都落在跳过范围内，继续消费下一个。
			r.skip -= info.Size()
			f.Close()
			continue
		}
		if _, err := f.Seek(r.skip, io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("seek segment %s: %w", file.Path, err)
		}
		r.skip = 0
		r.cur = f
		return nil
	}
}

// contiguous 检查 key 是否紧接上一个文件；未携带区间的文件不参与检查。
func (r *CompositeReader) contiguous(key SegmentKey) bool {
	if key == (SegmentKey{}) {
		return true
	}
	prev := r.last
	r.last = key
	if prev == (SegmentKey{}) {
		return true
	}
	return key.Start == prev.End+1
}

func (r *CompositeReader) closeCurrent() {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
}

// Delivered 返回已交付的字节数。
func (r *CompositeReader) Delivered() int64 {
	return r.delivered
}

// Close 释放当前打开的文件句柄；不会影响后台写入任务。
func (r *CompositeReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.cur != nil {
		err = r.cur.Close()
		r.cur = nil
	}
	return err
}
