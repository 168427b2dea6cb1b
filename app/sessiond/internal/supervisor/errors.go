package supervisor

import "errors"

var (
	// ErrNotConnected 操作要求会话处于 CONNECTED 状态
	ErrNotConnected = errors.New("session not connected")

	// ErrSendTimeout 发送超出时限
	ErrSendTimeout = errors.New("send timed out")
)
