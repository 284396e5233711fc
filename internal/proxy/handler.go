package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/video-cache/internal/cache"
	"github.com/any-hub/video-cache/internal/logging"
	"github.com/any-hub/video-cache/internal/server"
)

// Handler 负责 orchestrate “头信息查询 → 分片命中 → 缺失分片回源并写缓存” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client 与分片缓存。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
	store  *cache.Store
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/store.
func NewHandler(client *http.Client, logger *logrus.Logger, store *cache.Store) *Handler {
	return &Handler{
		client: client,
		logger: logger,
		store:  store,
	}
}

// Handle 解析资源元信息与客户端区间，按分片命中情况拼装响应流，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.UpstreamRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	target := requestTarget(c)
	origin := newOriginRequest(c, h.client, route, target)

	meta, err := h.resolveMeta(requestContext(c), origin, route.Host, target)
	if err != nil {
		h.logResult(route, target, byteRange{}, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	if !meta.cacheable() {
		return h.passThrough(c, origin, route, target, requestID, started)
	}

	rng, err := parseRange(c.Get(fiber.HeaderRange), meta.length)
	if errors.Is(err, errRangeNotSatisfiable) {
		c.Set(fiber.HeaderContentRange, "bytes */"+strconv.FormatInt(meta.length, 10))
		h.logResult(route, target, rng, requestID, fiber.StatusRequestedRangeNotSatisfiable, false, started, nil)
		return h.writeError(c, fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable")
	}

	// 查询区间扩展到分片末尾，命中判断只看完整对齐分片。
	key := cache.SegmentKey{
		Host:  route.Host,
		URL:   target,
		Start: rng.start,
		End:   min(cache.SliceEnd(rng.end), meta.length-1),
	}
	results := h.lookup(key)
	runs := planRuns(results)
	cacheHit := len(runs) == 1 && runs[0].isCached()

	if c.Method() == fiber.MethodHead {
		status := h.writeRangeHeaders(c, meta, rng, cacheHit)
		c.Response().Header.SetContentLength(int(rng.length()))
		h.logResult(route, target, rng, requestID, status, cacheHit, started, nil)
		return nil
	}

	// 首个回源 run 在写响应头之前发出，源站不再支持区间时可以原样透传。
	for _, run := range runs {
		if run.isCached() {
			continue
		}
		resp, err := origin.fetchRange(context.Background(), run.key.Start, run.key.End, meta.length)
		if errors.Is(err, errNotPartial) {
			h.forgetHeaders(route.Host, target)
			resp.Body.Close()
			return h.passThrough(c, origin, route, target, requestID, started)
		}
		if err != nil {
			h.logResult(route, target, rng, requestID, 0, false, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		run.resp = resp
		break
	}

	parts := make([]io.ReadCloser, 0, len(runs))
	for _, run := range runs {
		parts = append(parts, h.newRunReader(origin, run, meta.length))
	}
	stream := newRangeStream(parts, results[0].SkipBytes, rng.length())

	status := h.writeRangeHeaders(c, meta, rng, cacheHit)
	h.logResult(route, target, rng, requestID, status, cacheHit, started, nil)
	return c.SendStream(stream, int(rng.length()))
}

// lookup 查询缓存；资源目录不存在或查询失败时视为全部未命中。
func (h *Handler) lookup(key cache.SegmentKey) []cache.CacheResult {
	results, err := h.store.Get(key)
	if err == nil {
		return results
	}
	if !errors.Is(err, cache.ErrNotFound) {
		h.logger.WithError(err).
			WithFields(logging.SegmentFields("cache_get", key.Host, key.URL, key.Start, key.End)).
			Warn("cache_get_failed")
	}
	slices := key.AlignedSlices()
	results = make([]cache.CacheResult, 0, len(slices))
	for i, slice := range slices {
		result := cache.CacheResult{Key: slice, SliceLength: slice.Length()}
		if i == 0 {
			result.SkipBytes = key.Start - slice.Start
		}
		results = append(results, result)
	}
	return results
}

// resolveMeta 优先读取头信息记录，缺失或不可用时 HEAD 源站并在可缓存时记录。
func (h *Handler) resolveMeta(ctx context.Context, origin *originRequest, host, target string) (*resourceMeta, error) {
	text, err := h.store.GetCacheHeaders(host, target)
	switch {
	case err == nil:
		meta, decodeErr := decodeHeaderRecord(text)
		if decodeErr == nil && meta.cacheable() {
			return meta, nil
		}
		h.forgetHeaders(host, target)
	case !errors.Is(err, cache.ErrNotFound):
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action": "headers_get",
			"host":   host,
			"url":    target,
		}).Warn("cache_headers_failed")
	}

	resp, err := origin.do(ctx, http.MethodHead, "")
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	meta := metaFromHeader(resp.StatusCode, resp.Header)
	if meta.cacheable() {
		if err := h.store.CacheHeaders(host, target, encodeHeaderRecord(resp)); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"action": "headers_put",
				"host":   host,
				"url":    target,
			}).Warn("cache_headers_failed")
		}
	}
	return meta, nil
}

func (h *Handler) forgetHeaders(host, target string) {
	if err := h.store.ClearCacheHeaders(host, target); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action": "headers_clear",
			"host":   host,
			"url":    target,
		}).Warn("cache_headers_failed")
	}
}

// passThrough 把客户端请求（含原始 Range）转发给源站并原样返回，不落盘。
func (h *Handler) passThrough(
	c fiber.Ctx,
	origin *originRequest,
	route *server.UpstreamRoute,
	target string,
	requestID string,
	started time.Time,
) error {
	resp, err := origin.do(context.Background(), c.Method(), c.Get(fiber.HeaderRange))
	if err != nil {
		h.logResult(route, target, byteRange{}, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Cache-Hit", "false")
	c.Status(resp.StatusCode)
	h.logResult(route, target, byteRange{}, requestID, resp.StatusCode, false, started, nil)

	if c.Method() == fiber.MethodHead {
		resp.Body.Close()
		return nil
	}
	if resp.ContentLength >= 0 {
		return c.SendStream(resp.Body, int(resp.ContentLength))
	}
	return c.SendStream(resp.Body)
}

// writeRangeHeaders 用记录的源站头部构造响应头，长度与区间由本地计算。
func (h *Handler) writeRangeHeaders(c fiber.Ctx, meta *resourceMeta, rng byteRange, cacheHit bool) int {
	for key, values := range meta.header {
		switch textproto.CanonicalMIMEHeaderKey(key) {
		case "Content-Length", "Content-Range", "Accept-Ranges":
			continue
		}
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set("X-Cache-Hit", strconv.FormatBool(cacheHit))

	status := fiber.StatusOK
	if rng.partial {
		status = fiber.StatusPartialContent
		c.Set(fiber.HeaderContentRange, rng.contentRange(meta.length))
	}
	c.Status(status)
	return status
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.UpstreamRoute,
	target string,
	rng byteRange,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Host, target, rng.start, rng.end, cacheHit)
	fields["action"] = "proxy"
	fields["upstream"] = route.BaseURL.String()
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
