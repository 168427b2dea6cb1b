package session

import "errors"

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminated 会话处于终态，禁止原地复活
	ErrSessionTerminated = errors.New("session is terminated")

	// ErrInvalidTransition 非法状态跳转
	ErrInvalidTransition = errors.New("invalid status transition")
)
