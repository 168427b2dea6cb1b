// Package eventbus 提供进程内发布订阅。
// 投递为尽力而为：订阅晚于事件发生则收不到，慢订阅者丢事件，发布方永不阻塞。
package eventbus

import (
	"sync"
	"time"

	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/pkg/logger"
)

// Kind 事件种类
type Kind string

const (
	// KindConnectionStatus 会话状态变更
	KindConnectionStatus Kind = "connection-status"
	// KindHeartbeat 应用级心跳
	KindHeartbeat Kind = "heartbeat"
)

// Event 总线事件
type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Status    session.Status `json:"status,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscription 一个订阅者
type Subscription struct {
	id    uint64
	kinds []Kind
	// C 事件通道；订阅取消后关闭
	C chan Event
}

// Bus 进程内事件总线
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind]map[uint64]*Subscription
	logger logger.Logger

	// 订阅者通道缓冲
	buffer int
}

// NewBus 创建事件总线
func NewBus(l logger.Logger) *Bus {
	if l == nil {
		l = logger.NewNoop()
	}
	return &Bus{
		subs:   make(map[Kind]map[uint64]*Subscription),
		logger: l.Named("eventbus"),
		buffer: 64,
	}
}

// Subscribe 注册订阅，kinds 指定感兴趣的事件种类
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		kinds: kinds,
		C:     make(chan Event, b.buffer),
	}

	for _, k := range kinds {
		if b.subs[k] == nil {
			b.subs[k] = make(map[uint64]*Subscription)
		}
		b.subs[k][sub.id] = sub
	}

	return sub
}

// Unsubscribe 取消订阅并关闭其通道
// 监听端断开时必须调用，避免泄漏处理器
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := false
	for _, k := range sub.kinds {
		if m, ok := b.subs[k]; ok {
			if _, ok := m[sub.id]; ok {
				delete(m, sub.id)
				removed = true
			}
			if len(m) == 0 {
				delete(b.subs, k)
			}
		}
	}

	if removed {
		close(sub.C)
	}
}

// Publish 发布事件
// 慢订阅者队列满时丢弃该事件，不阻塞发布方
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[evt.Kind] {
		select {
		case sub.C <- evt:
		default:
			b.logger.Warn("subscriber queue full, event dropped",
				"kind", evt.Kind,
				"session_id", evt.SessionID,
			)
		}
	}
}

// SubscriberCount 当前订阅者数量（按种类）
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
