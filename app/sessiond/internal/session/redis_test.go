package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisTestStore 连接本地 Redis，连不上则跳过
// 集成测试，CI 跑带 Redis 的 job 时才生效
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := DefaultRedisConfig()
	if addr := os.Getenv("MSGHUB_TEST_REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	cfg.DialTimeout = time.Second

	store, err := NewRedisStore(cfg)
	if err != nil {
		t.Skipf("redis not available at %s: %v", cfg.Addr, err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testID 每条用例独立键空间，避免串测
func testID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	id := testID("s")
	defer func() { _ = store.Remove(ctx, id) }()

	require.NoError(t, store.Upsert(ctx, &Session{
		ID:        id,
		Status:    StatusConnected,
		DeviceID:  "dev@host",
		CreatedAt: time.Now(),
	}))

	sess, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, sess.Status)
	assert.Equal(t, "dev@host", sess.DeviceID)

	require.NoError(t, store.Remove(ctx, id))
	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStoreReplaceTenants(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	a, b := testID("a"), testID("b")
	tenant := testID("t")
	defer func() {
		_ = store.Remove(ctx, a)
		_ = store.Remove(ctx, b)
	}()

	require.NoError(t, store.Upsert(ctx, &Session{ID: a, Status: StatusConnected}))
	require.NoError(t, store.Upsert(ctx, &Session{ID: b, Status: StatusConnected}))

	_, err := store.ReplaceTenants(ctx, a, []string{tenant})
	require.NoError(t, err)

	// 改派后旧会话不再持有该租户
	_, err = store.ReplaceTenants(ctx, b, []string{tenant})
	require.NoError(t, err)

	sessA, err := store.Get(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, sessA.AssignedTenants)

	id, ok, err := store.TenantSession(ctx, tenant)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, id)
}

func TestRedisStoreRekey(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	oldID, newID := testID("pending"), testID("canon")
	defer func() {
		_ = store.Remove(ctx, oldID)
		_ = store.Remove(ctx, newID)
	}()

	require.NoError(t, store.Upsert(ctx, &Session{ID: oldID, Status: StatusConnecting}))
	require.NoError(t, store.Rekey(ctx, oldID, newID))

	_, err := store.Get(ctx, oldID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sess, err := store.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, oldID, sess.PreviousID)
}
