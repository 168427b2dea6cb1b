package protocol

import "errors"

var (
	// ErrUpstreamUnavailable 协议桥接端不可达或拒绝连接
	ErrUpstreamUnavailable = errors.New("protocol upstream unavailable")

	// ErrHandleClosed 连接已关闭
	ErrHandleClosed = errors.New("connection handle closed")

	// ErrSendRejected 上游拒绝投递
	ErrSendRejected = errors.New("send rejected by upstream")
)
