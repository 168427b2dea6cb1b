package session

import (
	"context"
	"sync"
	"time"
)

// 确保 MemoryStore 实现了 Store 接口
var _ Store = (*MemoryStore)(nil)

// MemoryStore 进程内会话注册表
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> Session

	// 租户索引，用于快速查找租户路由到的会话
	tenantIndex map[string]string // tenantID -> sessionID
}

// NewMemoryStore 创建进程内注册表
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		tenantIndex: make(map[string]string),
	}
}

// Get 查询会话
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Upsert 写入或覆盖会话
func (s *MemoryStore) Upsert(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := sess.Clone()
	cp.UpdatedAt = time.Now()

	// 同步租户索引
	if old, ok := s.sessions[sess.ID]; ok {
		for _, t := range old.AssignedTenants {
			if s.tenantIndex[t] == sess.ID {
				delete(s.tenantIndex, t)
			}
		}
	}
	for _, t := range cp.AssignedTenants {
		s.tenantIndex[t] = cp.ID
	}

	s.sessions[cp.ID] = cp
	return nil
}

// List 返回所有会话
func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out, nil
}

// Remove 删除会话并清理租户索引
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}

	for _, t := range sess.AssignedTenants {
		if s.tenantIndex[t] == id {
			delete(s.tenantIndex, t)
		}
	}

	delete(s.sessions, id)
	return nil
}

// Rekey 原子改键，保留租户分配与时间戳
func (s *MemoryStore) Rekey(_ context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[oldID]
	if !ok {
		return ErrSessionNotFound
	}

	cp := sess.Clone()
	cp.ID = newID
	cp.PreviousID = oldID
	cp.UpdatedAt = time.Now()

	delete(s.sessions, oldID)
	s.sessions[newID] = cp

	for _, t := range cp.AssignedTenants {
		s.tenantIndex[t] = newID
	}

	return nil
}

// TenantSession 查询租户路由到的会话
func (s *MemoryStore) TenantSession(_ context.Context, tenantID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tenantIndex[tenantID]
	return id, ok, nil
}

// ReplaceTenants 原子替换会话的租户集合
func (s *MemoryStore) ReplaceTenants(_ context.Context, id string, tenantIDs []string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	// 1. 把新租户从其他会话上摘除
	for _, t := range tenantIDs {
		prevID, assigned := s.tenantIndex[t]
		if !assigned || prevID == id {
			continue
		}
		if prev, ok := s.sessions[prevID]; ok {
			kept := prev.AssignedTenants[:0]
			for _, pt := range prev.AssignedTenants {
				if pt != t {
					kept = append(kept, pt)
				}
			}
			prev.AssignedTenants = kept
			prev.UpdatedAt = time.Now()
		}
		delete(s.tenantIndex, t)
	}

	// 2. 清除目标会话原有的租户索引
	for _, t := range target.AssignedTenants {
		if s.tenantIndex[t] == id {
			delete(s.tenantIndex, t)
		}
	}

	// 3. 整体落新集合
	target.AssignedTenants = make([]string, len(tenantIDs))
	copy(target.AssignedTenants, tenantIDs)
	target.UpdatedAt = time.Now()

	for _, t := range tenantIDs {
		s.tenantIndex[t] = id
	}

	return target.Clone(), nil
}

// CountByStatus 按状态统计
func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Status]int)
	for _, sess := range s.sessions {
		out[sess.Status]++
	}
	return out, nil
}
