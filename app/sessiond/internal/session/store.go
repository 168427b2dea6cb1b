package session

import "context"

// Store 会话注册表
// 唯一的共享可变结构，所有读写都经过同步接口；
// 读取返回副本，调用方拿到的要么是更新前、要么是更新后的完整值
type Store interface {
	// Get 查询会话，不存在返回 ErrSessionNotFound
	Get(ctx context.Context, id string) (*Session, error)
	// Upsert 写入或覆盖会话
	Upsert(ctx context.Context, sess *Session) error
	// List 返回所有会话，不保证顺序
	List(ctx context.Context) ([]*Session, error)
	// Remove 删除会话并清理其租户索引，幂等
	Remove(ctx context.Context, id string) error

	// Rekey 将会话从 oldID 原子地改键到 newID，保留租户分配
	// 用于配对完成后把临时 ID 对账为规范 ID
	Rekey(ctx context.Context, oldID, newID string) error

	// TenantSession 查询租户当前路由到的会话 ID
	TenantSession(ctx context.Context, tenantID string) (string, bool, error)
	// ReplaceTenants 原子替换会话的租户集合
	// 先把这些租户从原会话上摘除，再整体落到目标会话；一个租户同一时刻只路由到一个会话
	ReplaceTenants(ctx context.Context, id string, tenantIDs []string) (*Session, error)

	// CountByStatus 按状态统计会话数，用于指标上报
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
