package web

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Config Web 服务配置
type Config struct {
	Port        int           `mapstructure:"port"`
	Mode        string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout 为 0 表示不限制
	// 注意: /events 等长连接推流端点要求不设置写超时
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Port:        8080,
		Mode:        gin.ReleaseMode,
		ReadTimeout: 15 * time.Second,
		EnableCORS:  true,
	}
}
