package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
)

// Metrics sessiond 服务指标
type Metrics struct {
	// SessionsByStatus 各状态会话数
	SessionsByStatus *prometheus.GaugeVec
	// TransitionsTotal 状态流转总数（按起止状态）
	TransitionsTotal *prometheus.CounterVec
	// WebhookDeliveries Webhook 投递结果
	WebhookDeliveries *prometheus.CounterVec
	// SendDuration 消息发送耗时
	SendDuration *prometheus.HistogramVec
	// HousekeepingReclaimed 清理任务回收的会话数
	HousekeepingReclaimed prometheus.Counter
}

// New 创建并注册指标
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SessionsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sessiond",
				Name:      "sessions",
				Help:      "Number of sessions by status.",
			},
			[]string{"status"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessiond",
				Name:      "transitions_total",
				Help:      "Total number of session status transitions.",
			},
			[]string{"from", "to"},
		),
		WebhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessiond",
				Name:      "webhook_deliveries_total",
				Help:      "Webhook delivery attempts by result.",
			},
			[]string{"result"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sessiond",
				Name:      "send_duration_seconds",
				Help:      "Message send latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		HousekeepingReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sessiond",
				Name:      "housekeeping_reclaimed_total",
				Help:      "Sessions reclaimed by the housekeeping sweep.",
			},
		),
	}

	registerer.MustRegister(
		m.SessionsByStatus,
		m.TransitionsTotal,
		m.WebhookDeliveries,
		m.SendDuration,
		m.HousekeepingReclaimed,
	)

	return m
}

// RecordTransition 记录一次状态流转
func (m *Metrics) RecordTransition(from, to session.Status) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordWebhook 记录一次 Webhook 投递结果
func (m *Metrics) RecordWebhook(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}

// RecordSend 记录一次消息发送
func (m *Metrics) RecordSend(ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.SendDuration.WithLabelValues(result).Observe(seconds)
}

// UpdateSessionCounts 刷新各状态会话数
func (m *Metrics) UpdateSessionCounts(counts map[session.Status]int) {
	if m == nil {
		return
	}
	// 先清零再写，避免消失的状态残留旧值
	m.SessionsByStatus.Reset()
	for status, n := range counts {
		m.SessionsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// RecordReclaim 记录清理任务回收
func (m *Metrics) RecordReclaim(n int) {
	if m == nil {
		return
	}
	m.HousekeepingReclaimed.Add(float64(n))
}
