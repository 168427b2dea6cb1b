package session

import (
	"time"
)

// Status 会话生命周期状态
type Status string

const (
	// StatusInitializing 初始化中，尚未与协议层建立连接
	StatusInitializing Status = "INITIALIZING"
	// StatusAwaitingPairing 等待扫码配对
	StatusAwaitingPairing Status = "AWAITING_PAIRING"
	// StatusConnecting 正在连接/握手
	StatusConnecting Status = "CONNECTING"
	// StatusConnected 已连接
	StatusConnected Status = "CONNECTED"
	// StatusDisconnected 连接断开（可能自动重连）
	StatusDisconnected Status = "DISCONNECTED"
	// StatusLoggedOut 凭证已失效，终态
	StatusLoggedOut Status = "LOGGED_OUT"
)

// Terminal 是否为终态
// 终态会话不允许原地复活，必须删除后重新配对
func (s Status) Terminal() bool {
	return s == StatusLoggedOut
}

// transitions 状态机合法边
// 除此之外的跳转一律拒绝
var transitions = map[Status][]Status{
	StatusInitializing:    {StatusAwaitingPairing, StatusConnecting},
	StatusAwaitingPairing: {StatusConnecting},
	StatusConnecting:      {StatusConnected},
	StatusConnected:       {StatusDisconnected},
	StatusDisconnected:    {StatusConnecting, StatusLoggedOut},
	StatusLoggedOut:       {},
}

// CanTransition 判断 from -> to 是否为状态机合法边
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session 一条设备绑定的消息会话
type Session struct {
	// ID 会话标识；配对完成前可能是 pending- 前缀的临时 ID
	ID string `json:"session_id"`
	// Status 当前生命周期状态
	Status Status `json:"status"`
	// PairingChallenge 配对挑战码，仅在 AWAITING_PAIRING 期间有效
	PairingChallenge string `json:"pairing_challenge,omitempty"`
	// DeviceID 最近一次配对的设备标识
	DeviceID string `json:"device_id,omitempty"`
	// PreviousID 配对完成前使用的临时 ID（已对账后保留备查）
	PreviousID string `json:"previous_id,omitempty"`
	// IsGlobal 是否允许多租户共享
	IsGlobal bool `json:"is_global"`
	// AssignedTenants 当前路由到此会话的租户集合
	AssignedTenants []string `json:"assigned_tenants"`
	// CreatedAt 会话记录创建时间，清理任务据此判断过期
	CreatedAt time.Time `json:"created_at"`
	// ConnectionStartedAt 进入 CONNECTING/CONNECTED 的时间
	ConnectionStartedAt time.Time `json:"connection_started_at,omitempty"`
	// UpdatedAt 最近一次变更时间
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone 深拷贝，Store 读写都基于副本，避免撕裂读
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.AssignedTenants != nil {
		cp.AssignedTenants = make([]string, len(s.AssignedTenants))
		copy(cp.AssignedTenants, s.AssignedTenants)
	}
	return &cp
}

// HasTenant 判断租户是否已分配到此会话
func (s *Session) HasTenant(tenantID string) bool {
	for _, t := range s.AssignedTenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// Uptime 已连接时长，未连接返回 0
func (s *Session) Uptime(now time.Time) time.Duration {
	if s.Status != StatusConnected || s.ConnectionStartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectionStartedAt)
}
