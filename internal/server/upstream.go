package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/video-cache/internal/config"
)

// RealHostParam 是客户端用来指定源站 host[:port] 的查询参数名。
const RealHostParam = "RealHostParam"

// ErrUpstreamMissing 表示请求未携带 RealHostParam 且未配置 DefaultUpstream。
var ErrUpstreamMissing = errors.New("upstream host missing")

// UpstreamRoute 聚合一次请求解析出的源站信息，供代理层直接复用。
type UpstreamRoute struct {
	// Host 是规范化后的 host:port，作为缓存键的 Host 部分。
	Host string
	// BaseURL 是访问源站的 scheme://host[:port]，默认端口会被省略。
	BaseURL *url.URL
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
}

// UpstreamResolver 根据查询参数或默认配置构建 UpstreamRoute。启动阶段创建一次并复用。
type UpstreamResolver struct {
	scheme      string
	defaultHost string
	listenPort  int
}

// NewUpstreamResolver 根据配置构建解析器。
func NewUpstreamResolver(cfg *config.Config) (*UpstreamResolver, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(cfg.Global.UpstreamScheme))
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme: %s", scheme)
	}
	resolver := &UpstreamResolver{
		scheme:     scheme,
		listenPort: cfg.Global.ListenPort,
	}
	if raw := strings.TrimSpace(cfg.Global.DefaultUpstream); raw != "" {
		if err := config.ValidateUpstreamHost(raw); err != nil {
			return nil, fmt.Errorf("invalid default upstream: %w", err)
		}
		resolver.defaultHost = raw
	}
	return resolver, nil
}

// Resolve 解析 raw（为空时回退到 DefaultUpstream）。
func (r *UpstreamResolver) Resolve(raw string) (*UpstreamRoute, error) {
	if r == nil {
		return nil, errors.New("resolver is nil")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = r.defaultHost
	}
	if raw == "" {
		return nil, ErrUpstreamMissing
	}
	if err := config.ValidateUpstreamHost(raw); err != nil {
		return nil, err
	}

	host, port := normalizeHost(raw)
	if host == "" {
		return nil, fmt.Errorf("invalid upstream host: %s", raw)
	}
	defaultPort := r.defaultPort()
	if port == 0 {
		port = defaultPort
	}

	urlHost := host
	if strings.Contains(host, ":") {
		urlHost = "[" + host + "]"
	}
	if port != defaultPort {
		urlHost = net.JoinHostPort(host, strconv.Itoa(port))
	}

	return &UpstreamRoute{
		Host:       net.JoinHostPort(host, strconv.Itoa(port)),
		BaseURL:    &url.URL{Scheme: r.scheme, Host: urlHost},
		ListenPort: r.listenPort,
	}, nil
}

// CanonicalHost 返回 raw 对应的缓存键 Host，诊断接口据此定位记录。
func (r *UpstreamResolver) CanonicalHost(raw string) (string, error) {
	route, err := r.Resolve(raw)
	if err != nil {
		return "", err
	}
	return route.Host, nil
}

func (r *UpstreamResolver) defaultPort() int {
	if r.scheme == "https" {
		return 443
	}
	return 80
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
