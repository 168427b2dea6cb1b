// Package scheduler 会话后台清理。
// 定时回收超过配对窗口仍未完成配对的会话；
// 已连接/断开中的会话由 supervisor 自身的重连策略管理，这里不干预。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lk2023060901/msghub/app/sessiond/internal/metrics"
	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/app/sessiond/internal/supervisor"
	"github.com/lk2023060901/msghub/pkg/logger"
)

// Config 清理任务配置
type Config struct {
	// Interval 清扫间隔
	Interval time.Duration `mapstructure:"interval"`
	// PairingWindow 配对有效窗口，超时未配对的会话被回收
	PairingWindow time.Duration `mapstructure:"pairing_window"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Interval:      time.Minute,
		PairingWindow: 10 * time.Minute,
	}
}

// Scheduler 后台清理调度器
type Scheduler struct {
	config  *Config
	store   session.Store
	sup     *supervisor.Supervisor
	metrics *metrics.Metrics
	logger  logger.Logger

	cron *cron.Cron

	// now 可注入的时钟，测试用
	now func() time.Time
}

func New(cfg *Config, store session.Store, sup *supervisor.Supervisor, m *metrics.Metrics, l logger.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		config:  cfg,
		store:   store,
		sup:     sup,
		metrics: m,
		logger:  l.Named("scheduler"),
		now:     time.Now,
	}
}

// Start 启动定时清扫，非阻塞
func (s *Scheduler) Start() error {
	s.cron = cron.New()

	spec := fmt.Sprintf("@every %s", s.config.Interval)
	if _, err := s.cron.AddFunc(spec, func() {
		s.SweepExpiredPairings(context.Background())
	}); err != nil {
		return fmt.Errorf("register housekeeping job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("housekeeping started",
		"interval", s.config.Interval,
		"pairing_window", s.config.PairingWindow,
	)
	return nil
}

// Stop 停止调度并等待在跑的清扫结束
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// SweepExpiredPairings 扫描并回收配对超时的会话，返回回收数量。
// 配对挑战在协议侧早已过期，留着记录只会占用 worker。
func (s *Scheduler) SweepExpiredPairings(ctx context.Context) int {
	sessions, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("failed to list sessions for sweep", "error", err)
		return 0
	}

	deadline := s.now().Add(-s.config.PairingWindow)
	reclaimed := 0

	for _, sess := range sessions {
		if sess.Status != session.StatusAwaitingPairing {
			continue
		}
		if sess.CreatedAt.After(deadline) {
			continue
		}

		if err := s.sup.Stop(ctx, sess.ID); err != nil {
			s.logger.Warn("failed to reclaim stale pairing session",
				"session_id", sess.ID,
				"error", err,
			)
			continue
		}

		s.logger.Info("stale pairing session reclaimed",
			"session_id", sess.ID,
			"created_at", sess.CreatedAt,
		)
		reclaimed++
	}

	if reclaimed > 0 {
		s.metrics.RecordReclaim(reclaimed)
	}
	return reclaimed
}
