package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供站点名称、缓存版本与 worker 状态，生命周期日志统一复用。
func SiteFields(site, version, state string) logrus.Fields {
	return logrus.Fields{
		"site":    site,
		"version": version,
		"state":   state,
	}
}

// RequestFields 提供站点/路由/命中来源字段，供拦截请求日志复用。
func RequestFields(site, domain, authMode, route, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"domain":    domain,
		"auth_mode": authMode,
		"route":     route,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
