package handler

import "time"

// Config 控制面处理器配置
type Config struct {
	// HeartbeatInterval 事件流心跳间隔，防止中间设备切断长连接
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 15 * time.Second,
	}
}
