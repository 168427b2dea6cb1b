package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/lk2023060901/msghub/app/sessiond/internal/protocol"
	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/pkg/logger"
)

// worker 单条会话的连接协程
// 该会话的全部状态流转都在这个协程里串行应用；
// 凭证文件也只由这个协程读写。
type worker struct {
	sup    *Supervisor
	logger logger.Logger

	mu     sync.Mutex
	id     string
	handle protocol.Handle

	cancel context.CancelFunc
	done   chan struct{}

	// ready 首个可观察状态（配对挑战或直连开始）后关闭
	ready     chan struct{}
	readyOnce sync.Once
}

func newWorker(sup *Supervisor, id string) *worker {
	return &worker{
		sup:    sup,
		logger: sup.logger.Named("worker").WithFields("session_id", id),
		id:     id,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

func (w *worker) currentID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

func (w *worker) setID(id string) {
	w.mu.Lock()
	w.id = id
	w.mu.Unlock()
}

func (w *worker) activeHandle() protocol.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

func (w *worker) setHandle(h protocol.Handle) {
	w.mu.Lock()
	w.handle = h
	w.mu.Unlock()
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) markReady() {
	w.readyOnce.Do(func() { close(w.ready) })
}

// run 连接主循环：建连、消费事件、按重连策略重试
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.markReady()

	retryDelay := w.sup.config.RetryDelay

	for {
		id := w.currentID()

		credentials, err := w.sup.creds.Load(id)
		if err != nil {
			w.logger.Error("failed to load credentials", "error", err)
		}

		if credentials.Valid() {
			// 有效凭证直接进入连接，不重新配对
			w.sup.applyTransition(ctx, id, session.StatusConnecting, nil)
			w.markReady()
		}

		handle, err := w.sup.dialer.Connect(ctx, credentials)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("connect failed, will retry", "error", err, "delay", retryDelay)
			if !sleepCtx(ctx, retryDelay) {
				return
			}
			retryDelay = nextDelay(retryDelay, w.sup.config.MaxRetryDelay)
			continue
		}

		w.setHandle(handle)
		retryDelay = w.sup.config.RetryDelay

		terminal := w.eventLoop(ctx, handle)

		w.setHandle(nil)
		_ = handle.Close()

		if ctx.Err() != nil || terminal {
			return
		}

		// 瞬时断开：有界等待后重连，复用已落盘凭证
		if !sleepCtx(ctx, retryDelay) {
			return
		}
		retryDelay = nextDelay(retryDelay, w.sup.config.MaxRetryDelay)
	}
}

// eventLoop 消费一条连接上的事件直到断开
// 返回 true 表示会话进入终态，worker 应当退出
func (w *worker) eventLoop(ctx context.Context, handle protocol.Handle) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case evt, ok := <-handle.Events():
			if !ok {
				// 事件流异常终止，按网络断开处理
				w.sup.applyTransition(ctx, w.currentID(), session.StatusDisconnected, nil)
				return false
			}

			switch evt.Type {
			case protocol.EventPairingChallenge:
				challenge := evt.Challenge
				id := w.currentID()
				if sess, err := w.sup.store.Get(ctx, id); err == nil &&
					sess.Status == session.StatusAwaitingPairing {
					// 挑战码轮换：仍在配对中，替换而非流转
					w.sup.refreshChallenge(ctx, id, challenge)
				} else {
					w.sup.applyTransition(ctx, id, session.StatusAwaitingPairing,
						func(s *session.Session) {
							s.PairingChallenge = challenge
						})
				}
				w.markReady()

			case protocol.EventPairingSuccess:
				// 配对完成：落盘凭证并把临时 ID 对账为规范 ID
				id := w.currentID()
				if evt.Credentials != nil {
					if err := w.sup.creds.Save(id, evt.Credentials); err != nil {
						w.logger.Error("failed to persist credentials", "error", err)
					}
					id = w.sup.reconcile(ctx, w, evt.Credentials.DeviceID)
				}
				deviceID := ""
				if evt.Credentials != nil {
					deviceID = evt.Credentials.DeviceID
				}
				w.sup.applyTransition(ctx, id, session.StatusConnecting,
					func(s *session.Session) {
						s.DeviceID = deviceID
					})

			case protocol.EventAuthenticated:
				w.sup.applyTransition(ctx, w.currentID(), session.StatusConnected, nil)

			case protocol.EventCredentialsUpdated:
				if evt.Credentials != nil {
					if err := w.sup.creds.Save(w.currentID(), evt.Credentials); err != nil {
						w.logger.Error("failed to persist updated credentials", "error", err)
					}
				}

			case protocol.EventDisconnected:
				id := w.currentID()
				w.sup.applyTransition(ctx, id, session.StatusDisconnected, nil)

				if ClassifyDisconnect(evt.Cause) == OutcomeTerminal {
					// 凭证已失效：进入终态并清掉本地凭证，重连必须走新配对
					w.sup.applyTransition(ctx, id, session.StatusLoggedOut, nil)
					if err := w.sup.creds.Delete(id); err != nil {
						w.logger.Warn("failed to delete revoked credentials", "error", err)
					}
					w.logger.Info("session logged out", "cause", evt.Cause)
					return true
				}

				w.logger.Info("transient disconnect, scheduling reconnect", "cause", evt.Cause)
				return false
			}
		}
	}
}

// sleepCtx 可取消的等待；返回 false 表示 ctx 已取消
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// nextDelay 指数退避，封顶 max
func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
