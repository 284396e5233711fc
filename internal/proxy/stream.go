package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/video-cache/internal/cache"
	"github.com/any-hub/video-cache/internal/logging"
)

// maxFetchSlices 限制一次回源请求覆盖的分片数，单次响应体不会长到超出 UpstreamTimeout。
const maxFetchSlices = 4

// segmentRun 是一段连续的对齐分片：要么全部命中缓存，要么全部需要回源。
type segmentRun struct {
	key    cache.SegmentKey
	cached []cache.CacheResult
	// resp 是提前发出的首个回源请求的响应，只有第一段回源 run 会带上。
	resp *http.Response
}

func (r *segmentRun) isCached() bool {
	return len(r.cached) > 0
}

// planRuns 把 Get 的结果按命中状态切成连续 run，回源 run 最多包含 maxFetchSlices 个分片。
func planRuns(results []cache.CacheResult) []*segmentRun {
	var (
		runs    []*segmentRun
		current *segmentRun
		slices  int
	)
	for _, result := range results {
		hit := result.IsCached()
		extend := current != nil && current.isCached() == hit && (hit || slices < maxFetchSlices)
		if !extend {
			current = &segmentRun{key: result.Key}
			runs = append(runs, current)
			slices = 0
		}
		current.key.End = result.Key.End
		if hit {
			current.cached = append(current.cached, result)
		}
		slices++
	}
	return runs
}

// rangeStream 依次读取各 run，丢弃首个分片起点到请求起点的字节，最多交付 remaining 字节。
type rangeStream struct {
	parts     []io.ReadCloser
	cur       int
	skip      int64
	remaining int64
	closed    bool
}

func newRangeStream(parts []io.ReadCloser, skip, length int64) *rangeStream {
	return &rangeStream{
		parts:     parts,
		skip:      skip,
		remaining: length,
	}
}

func (s *rangeStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("range stream closed")
	}
	if s.skip > 0 {
		skipped, err := io.CopyN(io.Discard, readerFunc(s.readParts), s.skip)
		s.skip -= skipped
		if err != nil {
			return 0, unexpected(err)
		}
	}
	if s.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.readParts(p)
	s.remaining -= int64(n)
	if s.remaining == 0 {
		return n, io.EOF
	}
	if err != nil {
		return n, unexpected(err)
	}
	return n, nil
}

func (s *rangeStream) readParts(p []byte) (int, error) {
	for s.cur < len(s.parts) {
		n, err := s.parts[s.cur].Read(p)
		if errors.Is(err, io.EOF) {
			s.parts[s.cur].Close()
			s.cur++
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
	return 0, io.EOF
}

// Close 释放尚未读完的 run；后台写入任务不受影响。
func (s *rangeStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for ; s.cur < len(s.parts); s.cur++ {
		s.parts[s.cur].Close()
	}
	return nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// runReader 先读主数据源（缓存分片或边下边存的回源流），主数据源提前结束或出错时
// 从当前位置起直接回源补齐剩余字节，缓存故障不会中断客户端响应。
type runReader struct {
	h      *Handler
	origin *originRequest
	key    cache.SegmentKey
	size   int64
	pos    int64

	openPrimary func() (io.ReadCloser, error)
	pending     *http.Response
	cur         io.ReadCloser
	primaryUsed bool
	fellBack    bool
	err         error
}

func (h *Handler) newRunReader(origin *originRequest, run *segmentRun, size int64) *runReader {
	r := &runReader{
		h:      h,
		origin: origin,
		key:    run.key,
		size:   size,
		pos:    run.key.Start,
	}
	if run.isCached() {
		r.openPrimary = func() (io.ReadCloser, error) {
			queue := cache.NewCachedQueue(run.cached)
			return h.store.NewReader(queue, 0, run.key.Length()), nil
		}
		return r
	}
	r.pending = run.resp
	r.openPrimary = func() (io.ReadCloser, error) {
		resp := r.pending
		r.pending = nil
		if resp == nil {
			var err error
			resp, err = h.fetchRange(origin, run.key, size)
			if err != nil {
				return nil, err
			}
		}
		return h.openPut(run.key, resp), nil
	}
	return r
}

func (r *runReader) Read(p []byte) (int, error) {
	for {
		if r.pos > r.key.End {
			return 0, io.EOF
		}
		if r.err != nil {
			return 0, r.err
		}
		if r.cur == nil {
			if err := r.advance(); err != nil {
				r.err = err
				return 0, err
			}
		}

		limit := min(int64(len(p)), r.key.End-r.pos+1)
		n, err := r.cur.Read(p[:limit])
		r.pos += int64(n)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.h.logger.WithError(err).
					WithFields(r.fields("proxy_stream")).
					Warn("segment_read_failed")
			}
			r.cur.Close()
			r.cur = nil
			if r.fellBack && r.pos <= r.key.End {
				r.err = fmt.Errorf("origin stream ended at %d: %w", r.pos, io.ErrUnexpectedEOF)
			}
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (r *runReader) advance() error {
	if !r.primaryUsed {
		r.primaryUsed = true
		rc, err := r.openPrimary()
		if err == nil {
			r.cur = rc
			return nil
		}
		r.h.logger.WithError(err).WithFields(r.fields("proxy_stream")).Warn("segment_open_failed")
		if errors.Is(err, errNotPartial) {
			return err
		}
	}
	if r.fellBack {
		return io.ErrUnexpectedEOF
	}

	r.fellBack = true
	remainder := cache.SegmentKey{Host: r.key.Host, URL: r.key.URL, Start: r.pos, End: r.key.End}
	r.h.logger.WithFields(logging.SegmentFields("proxy_fallback", remainder.Host, remainder.URL, remainder.Start, remainder.End)).
		Debug("segment_fallback_origin")
	resp, err := r.h.fetchRange(r.origin, remainder, r.size)
	if err != nil {
		return err
	}
	r.cur = newLimitedBody(resp.Body, remainder.Length())
	return nil
}

func (r *runReader) Close() error {
	if r.pending != nil {
		r.pending.Body.Close()
		r.pending = nil
	}
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

func (r *runReader) fields(action string) logrus.Fields {
	fields := logging.SegmentFields(action, r.key.Host, r.key.URL, r.key.Start, r.key.End)
	fields["pos"] = r.pos
	return fields
}

// putReader 把回源响应体交给 Store.Put，先经 CompositeReader 读已落盘的分片；
// 写入任务结束后，若源站字节与已交付字节一致，剩余部分（超出容量未准入的分片）
// 直接从响应体读取，否则提前结束，由 runReader 从当前位置回源补齐。
type putReader struct {
	body      io.ReadCloser
	source    *countingReader
	queue     *cache.PendingQueue
	cached    *cache.CompositeReader
	tail      io.Reader
	length    int64
	delivered int64
}

func (h *Handler) openPut(key cache.SegmentKey, resp *http.Response) io.ReadCloser {
	source := &countingReader{r: resp.Body}
	queue, err := h.store.Put(key, source)
	if err != nil {
		h.logger.WithError(err).
			WithFields(logging.SegmentFields("cache_put", key.Host, key.URL, key.Start, key.End)).
			Warn("cache_put_failed")
		return newLimitedBody(resp.Body, key.Length())
	}
	return &putReader{
		body:   resp.Body,
		source: source,
		queue:  queue,
		cached: h.store.NewReader(queue, 0, queue.TotalLength()),
		length: key.Length(),
	}
}

func (r *putReader) Read(p []byte) (int, error) {
	if r.tail != nil {
		return r.tail.Read(p)
	}
	n, err := r.cached.Read(p)
	r.delivered += int64(n)
	if err == nil || !errors.Is(err, io.EOF) {
		return n, err
	}

	<-r.queue.Done()
	if r.source.n != r.delivered {
		return n, io.EOF
	}
	r.tail = io.LimitReader(r.body, r.length-r.delivered)
	if n > 0 {
		return n, nil
	}
	return r.tail.Read(p)
}

// Close 不等待写入任务：响应体在写入任务结束后才关闭。
func (r *putReader) Close() error {
	err := r.cached.Close()
	go func(queue *cache.PendingQueue, body io.Closer) {
		<-queue.Done()
		body.Close()
	}(r.queue, r.body)
	return err
}

// fetchRange 回源获取 key 覆盖的区间；源站不再返回匹配的 206 时清除头信息记录，
// 下次请求会重新 HEAD 源站。
func (h *Handler) fetchRange(origin *originRequest, key cache.SegmentKey, size int64) (*http.Response, error) {
	resp, err := origin.fetchRange(context.Background(), key.Start, key.End, size)
	if errors.Is(err, errNotPartial) {
		resp.Body.Close()
		h.forgetHeaders(key.Host, key.URL)
		return nil, fmt.Errorf("fetch %s: status %d: %w", key, resp.StatusCode, err)
	}
	return resp, err
}
