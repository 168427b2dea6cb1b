package service

import "errors"

var (
	// ErrInvalidRecipient 收件人标识格式非法
	ErrInvalidRecipient = errors.New("invalid recipient identifier")

	// ErrEmptyBody 消息体为空
	ErrEmptyBody = errors.New("message body is empty")

	// ErrEmptySessionID 未提供会话 ID
	ErrEmptySessionID = errors.New("session id is empty")
)
