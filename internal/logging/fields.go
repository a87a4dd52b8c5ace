package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供资源类/策略/命中状态字段，供网关请求日志复用。
func RequestFields(class, strategy, method, path string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"class":     class,
		"strategy":  strategy,
		"method":    method,
		"path":      path,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 供安装/激活等 worker 生命周期日志复用。
func LifecycleFields(action, version string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
	}
}
