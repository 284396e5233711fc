package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 描述一次区间请求：源站、资源路径、字节范围与命中状态。
func RequestFields(host, url string, start, end int64, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"host":      host,
		"url":       url,
		"start":     start,
		"end":       end,
		"cache_hit": cacheHit,
	}
}

// SegmentFields 用于缓存层写入/淘汰/合并日志，定位到具体分片区间。
func SegmentFields(action, host, url string, start, end int64) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"host":   host,
		"url":    url,
		"start":  start,
		"end":    end,
	}
}
