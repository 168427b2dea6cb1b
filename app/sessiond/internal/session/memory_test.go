package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, store.Upsert(ctx, &Session{
		ID:        "s1",
		Status:    StatusInitializing,
		CreatedAt: time.Now(),
	}))

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, sess.Status)
	assert.False(t, sess.UpdatedAt.IsZero())

	// Get 返回副本：改它不影响存储内的记录
	sess.Status = StatusConnected
	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, again.Status)

	require.NoError(t, store.Remove(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// 删除不存在的会话幂等
	require.NoError(t, store.Remove(ctx, "s1"))
}

func TestMemoryStoreReplaceTenantsAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Session{ID: "A", Status: StatusConnected}))
	require.NoError(t, store.Upsert(ctx, &Session{ID: "B", Status: StatusConnected}))

	_, err := store.ReplaceTenants(ctx, "A", []string{"t1", "t2"})
	require.NoError(t, err)

	// t2 改派到 B：A 只剩 t1，无双重指派
	_, err = store.ReplaceTenants(ctx, "B", []string{"t2"})
	require.NoError(t, err)

	a, err := store.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, a.AssignedTenants)

	b, err := store.Get(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, b.AssignedTenants)

	id, ok, err := store.TenantSession(ctx, "t2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", id)

	id, ok, err = store.TenantSession(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", id)
}

func TestMemoryStoreReplaceTenantsUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.ReplaceTenants(context.Background(), "ghost", []string{"t1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreRekey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	require.NoError(t, store.Upsert(ctx, &Session{
		ID:        "pending-abc",
		Status:    StatusConnecting,
		CreatedAt: created,
	}))
	_, err := store.ReplaceTenants(ctx, "pending-abc", []string{"t1"})
	require.NoError(t, err)

	require.NoError(t, store.Rekey(ctx, "pending-abc", "dev@host"))

	_, err = store.Get(ctx, "pending-abc")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sess, err := store.Get(ctx, "dev@host")
	require.NoError(t, err)
	assert.Equal(t, "pending-abc", sess.PreviousID)
	assert.Equal(t, []string{"t1"}, sess.AssignedTenants)
	assert.True(t, sess.CreatedAt.Equal(created), "creation time must survive rekey")

	// 租户索引跟随新键
	id, ok, err := store.TenantSession(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dev@host", id)

	assert.ErrorIs(t, store.Rekey(ctx, "ghost", "x"), ErrSessionNotFound)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			for j := 0; j < 100; j++ {
				_ = store.Upsert(ctx, &Session{ID: id, Status: StatusConnecting})
				_, _ = store.Get(ctx, id)
				_, _ = store.List(ctx)
				_, _ = store.CountByStatus(ctx)
			}
		}(i)
	}
	wg.Wait()

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 8)
}
