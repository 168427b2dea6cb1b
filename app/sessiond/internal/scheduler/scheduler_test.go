package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/msghub/app/sessiond/internal/creds"
	"github.com/lk2023060901/msghub/app/sessiond/internal/eventbus"
	"github.com/lk2023060901/msghub/app/sessiond/internal/protocol"
	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/app/sessiond/internal/supervisor"
	"github.com/lk2023060901/msghub/pkg/logger"
)

type idleDialer struct{}

func (idleDialer) Connect(ctx context.Context, _ *protocol.Credentials) (protocol.Handle, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestScheduler(t *testing.T) (*Scheduler, *session.MemoryStore) {
	t.Helper()

	store := session.NewMemoryStore()
	credStore, err := creds.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	sup := supervisor.New(nil, store, credStore, idleDialer{}, eventbus.NewBus(nil), nil, nil, logger.NewNoop())
	t.Cleanup(sup.Shutdown)

	sched := New(&Config{
		Interval:      time.Minute,
		PairingWindow: 10 * time.Minute,
	}, store, sup, nil, logger.NewNoop())

	return sched, store
}

func TestSweepReclaimsExpiredPairings(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	sched.now = func() time.Time { return now }

	// 超窗的配对会话：挑战码在协议侧早已过期
	require.NoError(t, store.Upsert(ctx, &session.Session{
		ID:        "stale",
		Status:    session.StatusAwaitingPairing,
		CreatedAt: now.Add(-11 * time.Minute),
	}))
	// 窗口内的配对会话保留
	require.NoError(t, store.Upsert(ctx, &session.Session{
		ID:        "fresh",
		Status:    session.StatusAwaitingPairing,
		CreatedAt: now.Add(-time.Minute),
	}))

	reclaimed := sched.SweepExpiredPairings(ctx)
	assert.Equal(t, 1, reclaimed)

	_, err := store.Get(ctx, "stale")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSweepIgnoresConnectedSessions(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	sched.now = func() time.Time { return now }

	old := now.Add(-24 * time.Hour)
	// 连接中/断开中的会话归 supervisor 的重连策略管，清理任务不碰
	for id, status := range map[string]session.Status{
		"connected":    session.StatusConnected,
		"disconnected": session.StatusDisconnected,
		"connecting":   session.StatusConnecting,
	} {
		require.NoError(t, store.Upsert(ctx, &session.Session{
			ID:        id,
			Status:    status,
			CreatedAt: old,
		}))
	}

	assert.Equal(t, 0, sched.SweepExpiredPairings(ctx))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}

func TestSweepEmptyStore(t *testing.T) {
	sched, _ := newTestScheduler(t)
	assert.Equal(t, 0, sched.SweepExpiredPairings(context.Background()))
}
