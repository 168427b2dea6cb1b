// Package supervisor 驱动每条会话的连接生命周期。
// 每条会话有且仅有一个 worker 协程，单会话的状态流转严格串行；
// 不同会话相互独立，可并行推进。
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/lk2023060901/msghub/app/sessiond/internal/creds"
	"github.com/lk2023060901/msghub/app/sessiond/internal/eventbus"
	"github.com/lk2023060901/msghub/app/sessiond/internal/metrics"
	"github.com/lk2023060901/msghub/app/sessiond/internal/notify"
	"github.com/lk2023060901/msghub/app/sessiond/internal/protocol"
	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/pkg/logger"
)

// pendingPrefix 配对完成前临时会话 ID 的前缀
const pendingPrefix = "pending-"

// Supervisor 连接监督器
type Supervisor struct {
	config   *Config
	store    session.Store
	creds    *creds.Store
	dialer   protocol.Dialer
	bus      *eventbus.Bus
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   logger.Logger

	mu      sync.Mutex
	workers map[string]*worker // sessionID -> worker

	// baseCtx 所有 worker 的父 context；Shutdown 时统一取消
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New 创建连接监督器
func New(
	cfg *Config,
	store session.Store,
	credStore *creds.Store,
	dialer protocol.Dialer,
	bus *eventbus.Bus,
	notifier notify.Notifier,
	m *metrics.Metrics,
	l logger.Logger,
) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if l == nil {
		l = logger.NewNoop()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Supervisor{
		config:     cfg,
		store:      store,
		creds:      credStore,
		dialer:     dialer,
		bus:        bus,
		notifier:   notifier,
		metrics:    m,
		logger:     l.Named("supervisor"),
		workers:    make(map[string]*worker),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// NewPendingID 生成临时会话 ID
func NewPendingID() string {
	return pendingPrefix + uuid.NewString()
}

// IsPendingID 判断是否为临时 ID
func IsPendingID(id string) bool {
	return len(id) > len(pendingPrefix) && id[:len(pendingPrefix)] == pendingPrefix
}

// Start 启动（或附着到）一条会话
// 对已在运行的非终态会话幂等：返回现状，不会孵化第二个 worker。
// 终态（LOGGED_OUT）的同名会话会被删除并重新开启配对周期。
func (s *Supervisor) Start(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		id = NewPendingID()
	}

	s.mu.Lock()
	if w, ok := s.workers[id]; ok && !w.exited() {
		currentID := w.currentID()
		s.mu.Unlock()
		return s.store.Get(ctx, currentID)
	}
	// 已退出的 worker 残留直接清掉
	delete(s.workers, id)

	// 会话记录准备：终态记录删除重建，非终态记录保留分配信息重建
	var preserved *session.Session
	if old, err := s.store.Get(ctx, id); err == nil {
		if old.Status.Terminal() {
			// 终态不允许原地复活：清掉旧凭证，重新走配对
			if derr := s.creds.Delete(id); derr != nil {
				s.logger.Warn("failed to delete stale credentials", "session_id", id, "error", derr)
			}
		} else {
			// 进程重启恢复：沿用租户分配与设备信息
			preserved = old
		}
		if rerr := s.store.Remove(ctx, id); rerr != nil {
			s.mu.Unlock()
			return nil, errors.Wrapf(rerr, "reset session %s", id)
		}
	} else if !errors.Is(err, session.ErrSessionNotFound) {
		s.mu.Unlock()
		return nil, err
	}

	sess := &session.Session{
		ID:        id,
		Status:    session.StatusInitializing,
		CreatedAt: time.Now(),
	}
	if preserved != nil {
		sess.IsGlobal = preserved.IsGlobal
		sess.AssignedTenants = preserved.AssignedTenants
		sess.DeviceID = preserved.DeviceID
	}
	if err := s.store.Upsert(ctx, sess); err != nil {
		s.mu.Unlock()
		return nil, errors.Wrapf(err, "register session %s", id)
	}

	// cancel 必须在 worker 进入注册表之前就位：
	// Stop 拿到 worker 后会直接调用 cancel，不再加锁
	w := newWorker(s, id)
	workerCtx, cancel := context.WithCancel(s.baseCtx)
	w.cancel = cancel
	s.workers[id] = w
	s.mu.Unlock()

	go w.run(workerCtx)

	// 等待首个可观察状态（配对挑战或直连）后返回
	select {
	case <-w.ready:
	case <-time.After(s.config.StartTimeout):
		s.logger.Warn("session start still initializing", "session_id", id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return s.store.Get(ctx, w.currentID())
}

// Stop 停止会话并删除其记录与凭证
// 返回前保证 worker 已退出，此后不会再有该会话的事件。
// 对不存在的会话幂等。
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()

	if ok {
		w.cancel()
		<-w.done
		id = w.currentID()
	}

	// 强制落到 DISCONNECTED（仅从 CONNECTED 出发时是合法边）
	if sess, err := s.store.Get(ctx, id); err == nil {
		if session.CanTransition(sess.Status, session.StatusDisconnected) {
			s.applyTransition(ctx, id, session.StatusDisconnected, nil)
		}
	}

	if err := s.store.Remove(ctx, id); err != nil {
		return errors.Wrapf(err, "remove session %s", id)
	}
	if err := s.creds.Delete(id); err != nil {
		s.logger.Warn("failed to delete credentials", "session_id", id, "error", err)
	}

	s.logger.Info("session stopped", "session_id", id)
	return nil
}

// Send 通过会话发送一条消息
// 仅 CONNECTED 状态可发送；终态会话返回 ErrSessionTerminated。
// 网络等待受 SendTimeout 约束，超时返回 ErrSendTimeout。
func (s *Supervisor) Send(ctx context.Context, id, recipient, body string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return errors.Wrapf(session.ErrSessionTerminated, "session %s", id)
	}
	if sess.Status != session.StatusConnected {
		return errors.Wrapf(ErrNotConnected, "session %s is %s", id, sess.Status)
	}

	s.mu.Lock()
	w := s.workers[id]
	s.mu.Unlock()
	if w == nil {
		return errors.Wrapf(ErrNotConnected, "session %s has no active worker", id)
	}
	handle := w.activeHandle()
	if handle == nil {
		return errors.Wrapf(ErrNotConnected, "session %s has no active connection", id)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	defer cancel()

	start := time.Now()
	err = handle.Send(sendCtx, recipient, body)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		s.metrics.RecordSend(false, elapsed)
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrapf(ErrSendTimeout, "session %s", id)
		}
		return errors.Wrapf(protocol.ErrUpstreamUnavailable, "session %s: %v", id, err)
	}

	s.metrics.RecordSend(true, elapsed)
	return nil
}

// Shutdown 停掉所有 worker（不删除会话记录，供进程重启后恢复）
func (s *Supervisor) Shutdown() {
	s.baseCancel()

	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
}

// reconcile 配对完成后把临时 ID 对账为规范 ID（原地改键）
// 租户分配、时间戳与凭证目录随记录一起迁移
func (s *Supervisor) reconcile(ctx context.Context, w *worker, canonicalID string) string {
	oldID := w.currentID()
	if canonicalID == "" || canonicalID == oldID {
		return oldID
	}

	s.mu.Lock()
	// 规范 ID 已被其他 worker 占用时保留临时 ID，避免两个 worker 抢同一个键
	if _, taken := s.workers[canonicalID]; taken {
		s.mu.Unlock()
		s.logger.Error("canonical session id already in use, keeping pending id",
			"pending_id", oldID,
			"canonical_id", canonicalID,
		)
		return oldID
	}
	delete(s.workers, oldID)
	s.workers[canonicalID] = w
	w.setID(canonicalID)
	s.mu.Unlock()

	if err := s.store.Rekey(ctx, oldID, canonicalID); err != nil {
		s.logger.Error("failed to rekey session", "old_id", oldID, "new_id", canonicalID, "error", err)
	}
	if err := s.creds.Rename(oldID, canonicalID); err != nil {
		s.logger.Error("failed to move credential bundle", "old_id", oldID, "new_id", canonicalID, "error", err)
	}

	s.logger.Info("session id reconciled", "pending_id", oldID, "session_id", canonicalID)
	return canonicalID
}

// refreshChallenge 配对期间轮换挑战码
// 状态保持 AWAITING_PAIRING 不变，只替换挑战码并重新广播，供订阅方拉取新码
func (s *Supervisor) refreshChallenge(ctx context.Context, id, challenge string) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("challenge refresh on unknown session", "session_id", id, "error", err)
		return
	}
	if sess.Status != session.StatusAwaitingPairing {
		return
	}

	sess.PairingChallenge = challenge
	if err := s.store.Upsert(ctx, sess); err != nil {
		s.logger.Error("failed to persist rotated challenge", "session_id", id, "error", err)
		return
	}

	s.logger.Info("pairing challenge rotated", "session_id", id)
	s.bus.Publish(eventbus.Event{
		Kind:      eventbus.KindConnectionStatus,
		SessionID: id,
		Status:    sess.Status,
	})
}

// applyTransition 应用一次状态流转并执行其副作用：
// (a) 更新注册表 (b) 总线发布 (c) 跨越租户可见边界时通知平台
// 非法边拒绝并记错误日志。
func (s *Supervisor) applyTransition(ctx context.Context, id string, to session.Status, mutate func(*session.Session)) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("transition on unknown session", "session_id", id, "to", to, "error", err)
		return
	}

	from := sess.Status
	if !session.CanTransition(from, to) {
		s.logger.Error("illegal status transition rejected",
			"session_id", id,
			"from", from,
			"to", to,
		)
		return
	}

	sess.Status = to
	switch to {
	case session.StatusConnecting, session.StatusConnected:
		sess.ConnectionStartedAt = time.Now()
	}
	// 挑战码只在 AWAITING_PAIRING 期间有效
	if to != session.StatusAwaitingPairing {
		sess.PairingChallenge = ""
	}
	if mutate != nil {
		mutate(sess)
	}

	if err := s.store.Upsert(ctx, sess); err != nil {
		s.logger.Error("failed to persist transition", "session_id", id, "to", to, "error", err)
		return
	}

	s.logger.Info("session status changed", "session_id", id, "from", from, "to", to)
	s.metrics.RecordTransition(from, to)
	if counts, cerr := s.store.CountByStatus(ctx); cerr == nil {
		s.metrics.UpdateSessionCounts(counts)
	}

	s.bus.Publish(eventbus.Event{
		Kind:      eventbus.KindConnectionStatus,
		SessionID: id,
		Status:    to,
	})

	// 租户可见边界：平台需要感知的三种落点
	switch to {
	case session.StatusConnected, session.StatusDisconnected, session.StatusLoggedOut:
		s.notifier.NotifyStatus(id, to)
	}
}
