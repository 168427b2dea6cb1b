// Package notify 负责把租户可见的状态变更投递给平台侧。
// 投递独立于状态流转路径：失败只记日志，绝不回滚或阻塞状态机。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/pkg/logger"
)

// Notifier 状态变更通知接口
type Notifier interface {
	// NotifyStatus 异步投递一次状态变更，立即返回
	NotifyStatus(sessionID string, status session.Status)
	// Close 关闭通知器，等待队列中的任务结束
	Close()
}

// Config Webhook 通知配置
type Config struct {
	// URL 平台回调地址，为空则禁用投递
	URL string `mapstructure:"url"`
	// Timeout 单次 HTTP 请求超时
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxAttempts 最大尝试次数（含首次）
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryInterval 重试间隔
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// PoolSize 投递协程池大小
	PoolSize int `mapstructure:"pool_size"`
	// RatePerSecond 每秒投递上限，防止状态抖动打爆平台
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:       5 * time.Second,
		MaxAttempts:   3,
		RetryInterval: 2 * time.Second,
		PoolSize:      8,
		RatePerSecond: 20,
	}
}

// statusPayload 回调报文
type statusPayload struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// 确保 WebhookNotifier 实现了 Notifier 接口
var _ Notifier = (*WebhookNotifier)(nil)

// WebhookNotifier 通过 HTTP POST 投递状态变更
type WebhookNotifier struct {
	config  *Config
	client  *http.Client
	pool    *ants.Pool
	limiter *rate.Limiter
	logger  logger.Logger

	// 投递结果回调，供指标上报，可为 nil
	onResult func(ok bool)
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(cfg *Config, l logger.Logger) (*WebhookNotifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if l == nil {
		l = logger.NewNoop()
	}

	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create webhook pool: %w", err)
	}

	return &WebhookNotifier{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.PoolSize),
		logger:  l.Named("notify.webhook"),
	}, nil
}

// OnResult 注册投递结果回调
func (n *WebhookNotifier) OnResult(fn func(ok bool)) {
	n.onResult = fn
}

// NotifyStatus 异步投递状态变更
// 协程池满时丢弃并告警：通知只是旁路观察，不反压状态机
func (n *WebhookNotifier) NotifyStatus(sessionID string, status session.Status) {
	if n.config.URL == "" {
		return
	}

	payload := statusPayload{
		Event:     "STATUS_CHANGED",
		SessionID: sessionID,
		Status:    string(status),
	}

	err := n.pool.Submit(func() {
		n.deliver(payload)
	})
	if err != nil {
		n.logger.Warn("webhook pool saturated, notification dropped",
			"session_id", sessionID,
			"status", status,
		)
		n.report(false)
	}
}

// deliver 带有界重试的同步投递
func (n *WebhookNotifier) deliver(payload statusPayload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("encode webhook payload failed", "error", err)
		n.report(false)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= n.config.MaxAttempts; attempt++ {
		if err := n.limiter.Wait(context.Background()); err != nil {
			lastErr = err
			break
		}

		if lastErr = n.post(raw); lastErr == nil {
			n.report(true)
			return
		}

		if attempt < n.config.MaxAttempts {
			time.Sleep(n.config.RetryInterval)
		}
	}

	// 放弃：投递失败不影响状态流转
	n.logger.Warn("webhook delivery gave up",
		"session_id", payload.SessionID,
		"status", payload.Status,
		"attempts", n.config.MaxAttempts,
		"error", lastErr,
	)
	n.report(false)
}

func (n *WebhookNotifier) post(body []byte) error {
	resp, err := n.client.Post(n.config.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) report(ok bool) {
	if n.onResult != nil {
		n.onResult(ok)
	}
}

// Close 关闭协程池
func (n *WebhookNotifier) Close() {
	n.pool.Release()
}

// 确保 NopNotifier 实现了 Notifier 接口
var _ Notifier = (*NopNotifier)(nil)

// NopNotifier 空通知器，未配置回调地址时使用
type NopNotifier struct{}

// NotifyStatus 空实现
func (NopNotifier) NotifyStatus(sessionID string, status session.Status) {}

// Close 空实现
func (NopNotifier) Close() {}
