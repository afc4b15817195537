package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ResolveFields 提供派生图参数与命中状态字段，供请求与调度日志复用。
func ResolveFields(key string, width, height int, format, fit string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"key":       key,
		"width":     width,
		"height":    height,
		"format":    format,
		"fit":       fit,
		"cache_hit": cacheHit,
	}
}

// SourceFields 描述一次原图获取的日期与来源。
func SourceFields(action, date, url string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"date":   date,
		"url":    url,
	}
}
