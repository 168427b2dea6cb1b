package supervisor

import "time"

// Config 连接监督器配置
type Config struct {
	// SendTimeout 单次消息发送时限
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// RetryDelay 首次重连等待
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// MaxRetryDelay 重连等待上限（指数退避封顶）
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	// StartTimeout 启动调用等待首个可观察状态的时限
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		SendTimeout:   30 * time.Second,
		RetryDelay:    5 * time.Second,
		MaxRetryDelay: time.Minute,
		StartTimeout:  15 * time.Second,
	}
}
