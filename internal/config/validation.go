package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// minCacheSize 至少容纳一个完整分片，否则 Put 永远无法写入。
const minCacheSize = 5 * 1024 * 1024

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError(globalField("LogLevel"), "无法识别的日志级别")
		}
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError(globalField("LogMaxSize/LogMaxBackups"), "不能为负数")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	if g.MaxCacheSize < minCacheSize {
		return newFieldError(globalField("MaxCacheSize"), "至少需要 5MiB")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamTimeout"), "必须大于 0")
	}
	switch g.UpstreamScheme {
	case "http", "https":
	default:
		return newFieldError(globalField("UpstreamScheme"), "仅支持 http/https")
	}
	if g.DefaultUpstream != "" {
		if err := ValidateUpstreamHost(g.DefaultUpstream); err != nil {
			return fmt.Errorf("%s: %w", globalField("DefaultUpstream"), err)
		}
	}

	return nil
}

// ValidateUpstreamHost 校验 host[:port] 形式的源站地址，请求参数与配置共用。
func ValidateUpstreamHost(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	if strings.Contains(raw, "://") {
		return errors.New("源站地址不应包含协议头")
	}
	if strings.ContainsAny(raw, "/?# ") {
		return errors.New("源站地址不允许包含路径或空格")
	}
	host := raw
	if h, port, err := net.SplitHostPort(raw); err == nil {
		n, convErr := strconv.Atoi(port)
		if convErr != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("端口非法: %s", port)
		}
		host = h
	}
	if host == "" {
		return errors.New("源站缺少 Host")
	}
	return nil
}
