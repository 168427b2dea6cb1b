package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/msghub/app/sessiond/internal/creds"
	"github.com/lk2023060901/msghub/app/sessiond/internal/eventbus"
	"github.com/lk2023060901/msghub/app/sessiond/internal/protocol"
	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/pkg/logger"
)

// fakeHandle 可脚本化的协议连接
type fakeHandle struct {
	events chan protocol.Event

	mu        sync.Mutex
	sent      []string
	blockSend bool

	closeOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan protocol.Event, 16)}
}

func (h *fakeHandle) Events() <-chan protocol.Event { return h.events }

func (h *fakeHandle) Send(ctx context.Context, recipient, body string) error {
	h.mu.Lock()
	block := h.blockSend
	h.mu.Unlock()

	if block {
		// 模拟网络卡死，等调用方超时
		<-ctx.Done()
		return ctx.Err()
	}

	h.mu.Lock()
	h.sent = append(h.sent, recipient+"|"+body)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() { close(h.events) })
	return nil
}

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

// fakeDialer 记录每次建连的凭证并交出新的 fakeHandle
type fakeDialer struct {
	mu       sync.Mutex
	creds    []*protocol.Credentials
	handleCh chan *fakeHandle
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{handleCh: make(chan *fakeHandle, 16)}
}

func (d *fakeDialer) Connect(_ context.Context, c *protocol.Credentials) (protocol.Handle, error) {
	d.mu.Lock()
	d.creds = append(d.creds, c)
	d.mu.Unlock()

	h := newFakeHandle()
	d.handleCh <- h
	return h, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) dialCreds(i int) *protocol.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds[i]
}

// nextHandle 等待下一次建连产生的 handle
// 可在脚本协程中调用：等不到时由调用方的断言兜底
func (d *fakeDialer) nextHandle() *fakeHandle {
	select {
	case h := <-d.handleCh:
		return h
	case <-time.After(3 * time.Second):
		return nil
	}
}

// fakeNotifier 记录通知调用
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) NotifyStatus(sessionID string, status session.Status) {
	n.mu.Lock()
	n.calls = append(n.calls, sessionID+"|"+string(status))
	n.mu.Unlock()
}

func (n *fakeNotifier) Close() {}

func (n *fakeNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.calls))
	copy(out, n.calls)
	return out
}

type testEnv struct {
	sup      *Supervisor
	store    *session.MemoryStore
	dialer   *fakeDialer
	bus      *eventbus.Bus
	notifier *fakeNotifier
	creds    *creds.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := session.NewMemoryStore()
	credStore, err := creds.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	dialer := newFakeDialer()
	bus := eventbus.NewBus(nil)
	notifier := &fakeNotifier{}

	cfg := &Config{
		SendTimeout:   100 * time.Millisecond,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: 40 * time.Millisecond,
		StartTimeout:  2 * time.Second,
	}

	sup := New(cfg, store, credStore, dialer, bus, notifier, nil, logger.NewNoop())
	t.Cleanup(sup.Shutdown)

	return &testEnv{
		sup:      sup,
		store:    store,
		dialer:   dialer,
		bus:      bus,
		notifier: notifier,
		creds:    credStore,
	}
}

// waitStatus 轮询等待会话到达目标状态
func waitStatus(t *testing.T, store session.Store, id string, want session.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := store.Get(context.Background(), id)
		return err == nil && sess.Status == want
	}, 3*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

func TestStartSessionPairingFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 无历史凭证：建连后先收到配对挑战
	go func() {
		h := env.dialer.nextHandle()
		h.events <- protocol.Event{Type: protocol.EventPairingChallenge, Challenge: "QR-12345"}
	}()

	sess, err := env.sup.Start(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingPairing, sess.Status)
	assert.Equal(t, "QR-12345", sess.PairingChallenge)

	// 外部完成配对并通过鉴权
	h := func() *fakeHandle {
		env.sup.mu.Lock()
		defer env.sup.mu.Unlock()
		return env.sup.workers["s1"].activeHandle().(*fakeHandle)
	}()
	h.events <- protocol.Event{
		Type: protocol.EventPairingSuccess,
		Credentials: &protocol.Credentials{
			DeviceID: "s1",
			AuthKey:  []byte("secret"),
			PairedAt: time.Now(),
		},
	}
	h.events <- protocol.Event{Type: protocol.EventAuthenticated}

	waitStatus(t, env.store, "s1", session.StatusConnected)

	// 连接成功后挑战码清空，凭证已落盘
	sess, err = env.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, sess.PairingChallenge)
	assert.Equal(t, "s1", sess.DeviceID)

	saved, err := env.creds.Load("s1")
	require.NoError(t, err)
	require.True(t, saved.Valid())

	// 恰好一次 CONNECTED 通知
	require.Eventually(t, func() bool {
		for _, call := range env.notifier.snapshot() {
			if call == "s1|CONNECTED" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStartSessionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	go func() {
		h := env.dialer.nextHandle()
		h.events <- protocol.Event{Type: protocol.EventPairingChallenge, Challenge: "QR-1"}
	}()

	first, err := env.sup.Start(ctx, "s1")
	require.NoError(t, err)

	// 二次启动返回现状，不孵化第二个 worker
	second, err := env.sup.Start(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.dialer.dialCount())
}

func TestPendingIDReconciledAfterPairing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	go func() {
		h := env.dialer.nextHandle()
		h.events <- protocol.Event{Type: protocol.EventPairingChallenge, Challenge: "QR-1"}
		h.events <- protocol.Event{
			Type: protocol.EventPairingSuccess,
			Credentials: &protocol.Credentials{
				DeviceID: "15551234567@c.us",
				AuthKey:  []byte("secret"),
			},
		}
		h.events <- protocol.Event{Type: protocol.EventAuthenticated}
	}()

	pendingID := NewPendingID()
	_, err := env.sup.Start(ctx, pendingID)
	require.NoError(t, err)

	// 配对完成后记录改键为规范 ID，临时 ID 不再存在
	waitStatus(t, env.store, "15551234567@c.us", session.StatusConnected)
	_, err = env.store.Get(ctx, pendingID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	// 凭证目录随记录一起迁移
	saved, err := env.creds.Load("15551234567@c.us")
	require.NoError(t, err)
	require.True(t, saved.Valid())
}

func startConnected(t *testing.T, env *testEnv, id string) *fakeHandle {
	t.Helper()
	ctx := context.Background()

	go func() {
		h := env.dialer.nextHandle()
		h.events <- protocol.Event{Type: protocol.EventPairingChallenge, Challenge: "QR-1"}
		h.events <- protocol.Event{
			Type: protocol.EventPairingSuccess,
			Credentials: &protocol.Credentials{
				DeviceID: id,
				AuthKey:  []byte("secret"),
			},
		}
		h.events <- protocol.Event{Type: protocol.EventAuthenticated}
	}()

	_, err := env.sup.Start(ctx, id)
	require.NoError(t, err)
	waitStatus(t, env.store, id, session.StatusConnected)

	env.sup.mu.Lock()
	defer env.sup.mu.Unlock()
	return env.sup.workers[id].activeHandle().(*fakeHandle)
}

func TestTransientDisconnectReconnectsWithCredentials(t *testing.T) {
	env := newTestEnv(t)

	h := startConnected(t, env, "s1")

	// 网络断开：自动带凭证重连，不再产生配对挑战
	h.events <- protocol.Event{Type: protocol.EventDisconnected, Cause: protocol.CauseNetwork}

	h2 := env.dialer.nextHandle()
	require.NotNil(t, h2, "expected automatic reconnect dial")
	reconnectCreds := env.dialer.dialCreds(env.dialer.dialCount() - 1)
	require.True(t, reconnectCreds.Valid(), "reconnect must reuse stored credentials")
	assert.Equal(t, "s1", reconnectCreds.DeviceID)

	waitStatus(t, env.store, "s1", session.StatusConnecting)

	h2.events <- protocol.Event{Type: protocol.EventAuthenticated}
	waitStatus(t, env.store, "s1", session.StatusConnected)
}

func TestLoggedOutIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h := startConnected(t, env, "s1")

	h.events <- protocol.Event{Type: protocol.EventDisconnected, Cause: protocol.CauseLoggedOut}
	waitStatus(t, env.store, "s1", session.StatusLoggedOut)

	// 终态不自动重连
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.dialer.dialCount())

	// 同名重启开启全新配对周期：凭证已清除，重新走挑战
	go func() {
		h := env.dialer.nextHandle()
		h.events <- protocol.Event{Type: protocol.EventPairingChallenge, Challenge: "QR-NEW"}
	}()

	sess, err := env.sup.Start(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingPairing, sess.Status)
	assert.Equal(t, "QR-NEW", sess.PairingChallenge)

	freshCreds := env.dialer.dialCreds(env.dialer.dialCount() - 1)
	assert.False(t, freshCreds.Valid(), "fresh cycle must not reuse revoked credentials")
}

func TestStopSessionSilencesEventBus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	startConnected(t, env, "s1")

	sub := env.bus.Subscribe(eventbus.KindConnectionStatus)
	defer env.bus.Unsubscribe(sub)

	require.NoError(t, env.sup.Stop(ctx, "s1"))

	// 记录与凭证一并清除
	_, err := env.store.Get(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	saved, err := env.creds.Load("s1")
	require.NoError(t, err)
	assert.Nil(t, saved)

	// Stop 返回后总线上不再出现该会话的事件
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case evt := <-sub.C:
			if evt.SessionID == "s1" && evt.Status != session.StatusDisconnected {
				t.Fatalf("unexpected event after stop: %+v", evt)
			}
		case <-deadline:
			return
		}
	}
}

func TestConcurrentStartStopSameID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 持续吞掉建连产生的 handle，避免 fakeDialer 的通道堵塞
	stopDrain := make(chan struct{})
	defer close(stopDrain)
	go func() {
		for {
			select {
			case <-env.dialer.handleCh:
			case <-stopDrain:
				return
			}
		}
	}()

	// 同一 ID 上 Start 与 Stop 并发互搏，不得 panic 或泄漏 worker
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, _ = env.sup.Start(cctx, "s1")
		}()
		go func() {
			defer wg.Done()
			_ = env.sup.Stop(ctx, "s1")
		}()
	}
	wg.Wait()

	require.NoError(t, env.sup.Stop(ctx, "s1"))
}

func TestPairingChallengeRotatesInPlace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	go func() {
		h := env.dialer.nextHandle()
		h.events <- protocol.Event{Type: protocol.EventPairingChallenge, Challenge: "QR-1"}
	}()

	sess, err := env.sup.Start(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusAwaitingPairing, sess.Status)
	require.Equal(t, "QR-1", sess.PairingChallenge)

	// 上游轮换挑战码：状态不变，存储里的挑战码被替换
	h := func() *fakeHandle {
		env.sup.mu.Lock()
		defer env.sup.mu.Unlock()
		return env.sup.workers["s1"].activeHandle().(*fakeHandle)
	}()
	h.events <- protocol.Event{Type: protocol.EventPairingChallenge, Challenge: "QR-2"}

	require.Eventually(t, func() bool {
		cur, gerr := env.store.Get(ctx, "s1")
		return gerr == nil &&
			cur.Status == session.StatusAwaitingPairing &&
			cur.PairingChallenge == "QR-2"
	}, time.Second, 5*time.Millisecond, "rotated challenge never replaced the stale one")
}

func TestSendToTerminatedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 已登出的会话：记录尚在但不再有 worker
	require.NoError(t, env.store.Upsert(ctx, &session.Session{
		ID:        "s1",
		Status:    session.StatusLoggedOut,
		CreatedAt: time.Now(),
	}))

	err := env.sup.Send(ctx, "s1", "user@host", "hello")
	assert.ErrorIs(t, err, session.ErrSessionTerminated)
	assert.NotErrorIs(t, err, ErrNotConnected)
}

func TestStopUnknownSessionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.sup.Stop(context.Background(), "ghost"))
}

func TestSendRequiresConnected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 手工放置一条 DISCONNECTED 记录，不起 worker
	require.NoError(t, env.store.Upsert(ctx, &session.Session{
		ID:        "s1",
		Status:    session.StatusDisconnected,
		CreatedAt: time.Now(),
	}))

	err := env.sup.Send(ctx, "s1", "user@host", "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
	// 校验失败前不得触网
	assert.Equal(t, 0, env.dialer.dialCount())
}

func TestSendUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	err := env.sup.Send(context.Background(), "ghost", "user@host", "hello")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSendDeliversThroughHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h := startConnected(t, env, "s1")

	require.NoError(t, env.sup.Send(ctx, "s1", "user@host", "hello"))
	assert.Equal(t, 1, h.sentCount())
}

func TestSendTimeoutSurfacedDistinctly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h := startConnected(t, env, "s1")
	h.mu.Lock()
	h.blockSend = true
	h.mu.Unlock()

	err := env.sup.Send(ctx, "s1", "user@host", "hello")
	assert.ErrorIs(t, err, ErrSendTimeout)
	assert.NotErrorIs(t, err, protocol.ErrUpstreamUnavailable)
}

func TestShutdownPreservesRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	startConnected(t, env, "s1")

	env.sup.Shutdown()

	// 记录保留，进程重启后可恢复
	_, err := env.store.Get(ctx, "s1")
	require.NoError(t, err)
}
