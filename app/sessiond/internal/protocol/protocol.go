// Package protocol 定义消息协议库对外暴露的消费面。
// 会话管理器只依赖这里的 Dialer/Handle 接口；
// 线级协议（分帧、加密、配对握手）由协议桥接端实现。
package protocol

import (
	"context"
	"time"
)

// Credentials 一次配对产生的鉴权材料，内容对管理器不透明
type Credentials struct {
	// DeviceID 配对设备的规范地址，同时作为会话的规范 ID
	DeviceID string `json:"device_id"`
	// AuthKey 协议层鉴权密钥
	AuthKey []byte `json:"auth_key"`
	// PairedAt 配对完成时间
	PairedAt time.Time `json:"paired_at"`
}

// Valid 凭证是否可用于免配对重连
func (c *Credentials) Valid() bool {
	return c != nil && c.DeviceID != "" && len(c.AuthKey) > 0
}

// DisconnectCause 协议层上报的断开原因
type DisconnectCause string

const (
	// CauseNetwork 网络中断
	CauseNetwork DisconnectCause = "network"
	// CauseRestartRequested 协议层要求重启连接
	CauseRestartRequested DisconnectCause = "restart_requested"
	// CauseConnectionReplaced 连接被更新的连接顶替
	CauseConnectionReplaced DisconnectCause = "connection_replaced"
	// CauseLoggedOut 远端显式登出/解绑
	CauseLoggedOut DisconnectCause = "logged_out"
	// CauseCredentialsRevoked 凭证被吊销
	CauseCredentialsRevoked DisconnectCause = "credentials_revoked"
	// CauseBanned 会话被封禁
	CauseBanned DisconnectCause = "banned"
)

// EventType 连接事件类型
type EventType string

const (
	// EventPairingChallenge 配对挑战码可用
	EventPairingChallenge EventType = "pairing_challenge"
	// EventPairingSuccess 配对完成，携带规范设备 ID 与新凭证
	EventPairingSuccess EventType = "pairing_success"
	// EventAuthenticated 握手成功，连接可用
	EventAuthenticated EventType = "authenticated"
	// EventCredentialsUpdated 协议层更新了凭证，需要落盘
	EventCredentialsUpdated EventType = "credentials_updated"
	// EventDisconnected 底层连接断开
	EventDisconnected EventType = "disconnected"
)

// Event 连接事件
type Event struct {
	Type EventType
	// Challenge 配对挑战码，仅 EventPairingChallenge 携带
	Challenge string
	// Credentials 新凭证，EventPairingSuccess/EventCredentialsUpdated 携带
	Credentials *Credentials
	// Cause 断开原因，仅 EventDisconnected 携带
	Cause DisconnectCause
}

// Handle 一条活动连接
type Handle interface {
	// Events 连接事件流；连接关闭后通道关闭
	Events() <-chan Event
	// Send 发送消息，阻塞于网络 I/O，受 ctx 控制
	Send(ctx context.Context, recipient, body string) error
	// Close 关闭连接并释放资源，幂等
	Close() error
}

// Dialer 建立协议连接
// creds 为 nil 或无效时进入配对流程
type Dialer interface {
	Connect(ctx context.Context, creds *Credentials) (Handle, error)
}
