package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/video-cache/internal/server"
)

var errNotPartial = errors.New("origin did not answer with 206")

// originRequest 是回源请求的模板。流式响应会在 handler 返回后继续回源，
// 因此请求头在 handler 内一次性从 fiber.Ctx 复制出来。
type originRequest struct {
	client *http.Client
	url    string
	header http.Header
}

func newOriginRequest(c fiber.Ctx, client *http.Client, route *server.UpstreamRoute, target string) *originRequest {
	relative, err := url.Parse(target)
	if err != nil {
		relative = &url.URL{Path: "/"}
	}
	upstream := route.BaseURL.ResolveReference(relative)

	header := http.Header{}
	server.CopyHeaders(header, fiberHeadersAsHTTP(c))
	for _, key := range []string{"Range", "If-Range", "Host", "Content-Length", "Accept-Encoding"} {
		header.Del(key)
	}
	// 区间字节必须与源站原文一致，禁止 Transport 自动协商压缩。
	header.Set("Accept-Encoding", "identity")
	if header.Get("Referer") != "" {
		header.Set("Referer", upstream.String())
	}
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", routePort(route))

	return &originRequest{
		client: client,
		url:    upstream.String(),
		header: header,
	}
}

func (o *originRequest) do(ctx context.Context, method, rangeHeader string) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, o.url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header = o.header.Clone()
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return o.client.Do(req)
}

// fetchRange 请求 [start, end]。源站返回的不是匹配的 206 时返回 errNotPartial，
// 同时把未关闭的响应交给调用方决定是否透传。
func (o *originRequest) fetchRange(ctx context.Context, start, end, size int64) (*http.Response, error) {
	resp, err := o.do(ctx, http.MethodGet, fmt.Sprintf("bytes=%d-%d", start, end))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPartialContent {
		return resp, errNotPartial
	}
	gotStart, gotEnd, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
	if !ok || gotStart != start || gotEnd != end || (total >= 0 && total != size) {
		return resp, errNotPartial
	}
	return resp, nil
}

// resourceMeta 是从头信息记录或 HEAD 响应中提取的资源属性。
type resourceMeta struct {
	status    int
	header    http.Header
	length    int64
	rangeable bool
}

// cacheable 只有长度已知且源站声明支持字节区间时才走分片缓存。
func (m *resourceMeta) cacheable() bool {
	return m != nil && m.status == http.StatusOK && m.length > 0 && m.rangeable
}

func metaFromHeader(status int, header http.Header) *resourceMeta {
	meta := &resourceMeta{
		status: status,
		header: header,
		length: -1,
	}
	if raw := strings.TrimSpace(header.Get("Content-Length")); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			meta.length = n
		}
	}
	for _, value := range header.Values("Accept-Ranges") {
		if strings.Contains(strings.ToLower(value), "bytes") {
			meta.rangeable = true
		}
	}
	return meta
}

// encodeHeaderRecord 把响应头序列化为 "状态行 + 头部 + 空行" 文本，hop-by-hop 字段不落盘。
func encodeHeaderRecord(resp *http.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	_ = header.Write(&b)
	b.WriteString("\r\n")
	return b.String()
}

func decodeHeaderRecord(text string) (*resourceMeta, error) {
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(text)), nil)
	if err != nil {
		return nil, fmt.Errorf("parse header record: %w", err)
	}
	resp.Body.Close()
	return metaFromHeader(resp.StatusCode, resp.Header), nil
}

// requestTarget 返回缓存键使用的 URL：规范化路径加上去掉 RealHostParam 后按键排序的查询串。
func requestTarget(c fiber.Ctx) string {
	uri := c.Request().URI()
	clean := path.Clean("/" + string(uri.Path()))
	values, err := url.ParseQuery(string(uri.QueryString()))
	if err != nil {
		return clean
	}
	values.Del(server.RealHostParam)
	if encoded := values.Encode(); encoded != "" {
		return clean + "?" + encoded
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func routePort(route *server.UpstreamRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}

// limitedBody 限制读取长度，Close 关闭底层响应体。
type limitedBody struct {
	io.Reader
	closer io.Closer
}

func newLimitedBody(body io.ReadCloser, n int64) io.ReadCloser {
	return &limitedBody{Reader: io.LimitReader(body, n), closer: body}
}

func (b *limitedBody) Close() error {
	return b.closer.Close()
}

// countingReader 统计从源站响应体读出的字节数，只由写入 goroutine 使用。
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
