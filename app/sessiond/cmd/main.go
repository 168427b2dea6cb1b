package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/msghub/app/sessiond/internal/creds"
	"github.com/lk2023060901/msghub/app/sessiond/internal/eventbus"
	"github.com/lk2023060901/msghub/app/sessiond/internal/handler"
	"github.com/lk2023060901/msghub/app/sessiond/internal/metrics"
	"github.com/lk2023060901/msghub/app/sessiond/internal/notify"
	"github.com/lk2023060901/msghub/app/sessiond/internal/protocol"
	"github.com/lk2023060901/msghub/app/sessiond/internal/scheduler"
	"github.com/lk2023060901/msghub/app/sessiond/internal/service"
	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/app/sessiond/internal/supervisor"
	"github.com/lk2023060901/msghub/pkg/config"
	"github.com/lk2023060901/msghub/pkg/logger"
	"github.com/lk2023060901/msghub/pkg/web"
	webmetrics "github.com/lk2023060901/msghub/pkg/web/metrics"
	"github.com/lk2023060901/msghub/pkg/web/validator"
)

// envPrefix 环境变量前缀，如 MSGHUB_WEB_PORT
const envPrefix = "MSGHUB"

// StoreConfig 会话注册表配置
type StoreConfig struct {
	// Type memory 或 redis
	Type  string              `mapstructure:"type"`
	Redis session.RedisConfig `mapstructure:"redis"`
}

// CredsConfig 凭证持久化配置
type CredsConfig struct {
	// Dir 凭证根目录，每条会话一个子目录
	Dir string `mapstructure:"dir"`
}

// Config Sessiond 服务配置
type Config struct {
	Log logger.Config `mapstructure:"log"`

	// Web 控制面 HTTP 配置
	Web web.Config `mapstructure:"web"`

	// Session 连接监督器配置
	Session supervisor.Config `mapstructure:"session"`

	// Store 会话注册表配置
	Store StoreConfig `mapstructure:"store"`

	// Creds 凭证持久化配置
	Creds CredsConfig `mapstructure:"creds"`

	// Protocol 协议桥接端配置
	Protocol protocol.Config `mapstructure:"protocol"`

	// Webhook 状态变更回调配置
	Webhook notify.Config `mapstructure:"webhook"`

	// Housekeeping 后台清理配置
	Housekeeping scheduler.Config `mapstructure:"housekeeping"`

	// Events 事件流配置
	Events handler.Config `mapstructure:"events"`
}

func defaultAppConfig() *Config {
	return &Config{
		Log:          *logger.DefaultConfig(),
		Web:          *web.DefaultConfig(),
		Session:      *supervisor.DefaultConfig(),
		Store:        StoreConfig{Type: "memory", Redis: *session.DefaultRedisConfig()},
		Creds:        CredsConfig{Dir: "data/creds"},
		Protocol:     *protocol.DefaultConfig(),
		Webhook:      *notify.DefaultConfig(),
		Housekeeping: *scheduler.DefaultConfig(),
		Events:       *handler.DefaultConfig(),
	}
}

// loadConfig 加载配置：默认值 < 配置文件 < 环境变量
func loadConfig() (*Config, error) {
	var configPath string
	pflag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	pflag.Parse()

	cfg := defaultAppConfig()

	mgr := config.NewManager(config.WithConfigType("yaml"))
	mgr.BindEnv(envPrefix)

	if _, err := os.Stat(configPath); err == nil {
		if err := mgr.LoadFile(configPath); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	} else if pflag.CommandLine.Changed("config") {
		// 显式指定的配置文件必须存在
		return nil, fmt.Errorf("config file %s not found", configPath)
	}

	if err := mgr.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	l, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = l.Sync() }()
	logger.SetDefault(l)

	validator.Init()

	// 指标注册表：HTTP 层与业务层共用一个
	registry := prometheus.NewRegistry()
	webmetrics.InitMetrics(registry)
	m := metrics.New(registry)

	var store session.Store
	switch strings.ToLower(cfg.Store.Type) {
	case "", "memory":
		store = session.NewMemoryStore()
	case "redis":
		rs, err := session.NewRedisStore(&cfg.Store.Redis)
		if err != nil {
			l.Error("failed to init redis store", "error", err)
			os.Exit(1)
		}
		defer func() { _ = rs.Close() }()
		store = rs
	default:
		l.Error("unknown store type", "type", cfg.Store.Type)
		os.Exit(1)
	}

	credStore, err := creds.NewStore(cfg.Creds.Dir, l)
	if err != nil {
		l.Error("failed to init credential store", "error", err)
		os.Exit(1)
	}

	bus := eventbus.NewBus(l)

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Webhook.URL != "" {
		wh, err := notify.NewWebhookNotifier(&cfg.Webhook, l)
		if err != nil {
			l.Error("failed to init webhook notifier", "error", err)
			os.Exit(1)
		}
		wh.OnResult(m.RecordWebhook)
		notifier = wh
	}

	dialer := protocol.NewWSDialer(&cfg.Protocol, l)

	sup := supervisor.New(&cfg.Session, store, credStore, dialer, bus, notifier, m, l)
	svc := service.New(sup, store, l)

	srv := web.NewServer(&cfg.Web, l)
	h := handler.New(svc, bus, registry, &cfg.Events, l)
	h.RegisterRoutes(srv.Router())

	sched := scheduler.New(&cfg.Housekeeping, store, sup, m, l)
	if err := sched.Start(); err != nil {
		l.Error("failed to start housekeeping", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()

	sched.Stop()
	sup.Shutdown()
	notifier.Close()

	if err != nil {
		l.Error("sessiond exited with error", "error", err)
		os.Exit(1)
	}
	l.Info("sessiond exited")
}
