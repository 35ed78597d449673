package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供缓存操作的通用字段（操作、key、后端），供 facade 与后端日志复用。
func CacheFields(op, key, backend string) logrus.Fields {
	return logrus.Fields{
		"action":  op,
		"key":     key,
		"backend": backend,
	}
}

// IPCFields 描述一次跨进程调用。
func IPCFields(method, requestID string, elapsedMs int64) logrus.Fields {
	fields := logrus.Fields{
		"action":     "ipc",
		"method":     method,
		"elapsed_ms": elapsedMs,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
