package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 确保 RedisStore 实现了 Store 接口
var _ Store = (*RedisStore)(nil)

const (
	sessionKeyPrefix = "msghub:session:"
	tenantKeyPrefix  = "msghub:tenant:"
	sessionIndexKey  = "msghub:sessions"
)

// RedisConfig Redis 注册表配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// DialTimeout 建连超时
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DefaultRedisConfig 默认配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:        "127.0.0.1:6379",
		DialTimeout: 5 * time.Second,
	}
}

// RedisStore 基于 Redis 的会话注册表
// 会话记录以 JSON 存储，进程重启后注册表可恢复
// 写路径由进程内互斥锁串行化：本服务是注册表的唯一写入方
type RedisStore struct {
	mu     sync.Mutex
	client *redis.Client
}

// NewRedisStore 创建 Redis 注册表
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect redis %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client}, nil
}

// Close 关闭连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func tenantKey(tenantID string) string {
	return tenantKeyPrefix + tenantID
}

// load 读取并反序列化单条会话
func (s *RedisStore) load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session %s: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// save 序列化并写入单条会话（走 pipeline 同步索引）
func (s *RedisStore) save(ctx context.Context, pipe redis.Pipeliner, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	pipe.Set(ctx, sessionKey(sess.ID), raw, 0)
	pipe.SAdd(ctx, sessionIndexKey, sess.ID)
	return nil
}

// Get 查询会话
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	return s.load(ctx, id)
}

// Upsert 写入或覆盖会话
func (s *RedisStore) Upsert(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := sess.Clone()
	cp.UpdatedAt = time.Now()

	old, err := s.load(ctx, cp.ID)
	if err != nil && err != ErrSessionNotFound {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// 同步租户索引
		if old != nil {
			for _, t := range old.AssignedTenants {
				pipe.Del(ctx, tenantKey(t))
			}
		}
		for _, t := range cp.AssignedTenants {
			pipe.Set(ctx, tenantKey(t), cp.ID, 0)
		}
		return s.save(ctx, pipe, cp)
	})
	return err
}

// List 返回所有会话
func (s *RedisStore) List(ctx context.Context) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions: %w", err)
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.load(ctx, id)
		if err == ErrSessionNotFound {
			// 索引残留，跳过
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Remove 删除会话并清理租户索引
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, id)
	if err == ErrSessionNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range sess.AssignedTenants {
			pipe.Del(ctx, tenantKey(t))
		}
		pipe.Del(ctx, sessionKey(id))
		pipe.SRem(ctx, sessionIndexKey, id)
		return nil
	})
	return err
}

// Rekey 原子改键，保留租户分配
func (s *RedisStore) Rekey(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, oldID)
	if err != nil {
		return err
	}

	cp := sess.Clone()
	cp.ID = newID
	cp.PreviousID = oldID
	cp.UpdatedAt = time.Now()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(oldID))
		pipe.SRem(ctx, sessionIndexKey, oldID)
		for _, t := range cp.AssignedTenants {
			pipe.Set(ctx, tenantKey(t), newID, 0)
		}
		return s.save(ctx, pipe, cp)
	})
	return err
}

// TenantSession 查询租户路由到的会话
func (s *RedisStore) TenantSession(ctx context.Context, tenantID string) (string, bool, error) {
	id, err := s.client.Get(ctx, tenantKey(tenantID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get tenant %s: %w", tenantID, err)
	}
	return id, true, nil
}

// ReplaceTenants 原子替换会话的租户集合
func (s *RedisStore) ReplaceTenants(ctx context.Context, id string, tenantIDs []string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	// 找出需要摘除租户的原会话
	stolen := make(map[string]*Session) // sessionID -> Session
	for _, t := range tenantIDs {
		prevID, rerr := s.client.Get(ctx, tenantKey(t)).Result()
		if rerr == redis.Nil || prevID == id {
			continue
		}
		if rerr != nil {
			return nil, fmt.Errorf("redis get tenant %s: %w", t, rerr)
		}
		prev, ok := stolen[prevID]
		if !ok {
			prev, rerr = s.load(ctx, prevID)
			if rerr == ErrSessionNotFound {
				continue
			}
			if rerr != nil {
				return nil, rerr
			}
			stolen[prevID] = prev
		}
		kept := prev.AssignedTenants[:0]
		for _, pt := range prev.AssignedTenants {
			if pt != t {
				kept = append(kept, pt)
			}
		}
		prev.AssignedTenants = kept
	}

	oldTenants := target.AssignedTenants
	target.AssignedTenants = make([]string, len(tenantIDs))
	copy(target.AssignedTenants, tenantIDs)
	target.UpdatedAt = time.Now()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range oldTenants {
			pipe.Del(ctx, tenantKey(t))
		}
		for prevID, prev := range stolen {
			prev.UpdatedAt = time.Now()
			if err := s.save(ctx, pipe, prev); err != nil {
				return fmt.Errorf("update stolen session %s: %w", prevID, err)
			}
		}
		for _, t := range tenantIDs {
			pipe.Set(ctx, tenantKey(t), id, 0)
		}
		return s.save(ctx, pipe, target)
	})
	if err != nil {
		return nil, err
	}

	return target.Clone(), nil
}

// CountByStatus 按状态统计
func (s *RedisStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[Status]int)
	for _, sess := range all {
		out[sess.Status]++
	}
	return out, nil
}
