// Package creds 负责配对凭证的落盘。
// 每个会话一个凭证包文件，只有该会话的 worker 会写它。
package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lk2023060901/msghub/app/sessiond/internal/protocol"
	"github.com/lk2023060901/msghub/pkg/logger"
)

const bundleFile = "creds.json"

// Store 凭证存储
type Store struct {
	dir    string
	logger logger.Logger
}

// NewStore 创建凭证存储，dir 不存在时自动创建
func NewStore(dir string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNoop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: l.Named("creds"),
	}, nil
}

func (s *Store) bundlePath(sessionID string) string {
	return filepath.Join(s.dir, sessionID, bundleFile)
}

// Load 读取会话凭证；不存在返回 (nil, nil)
func (s *Store) Load(sessionID string) (*protocol.Credentials, error) {
	raw, err := os.ReadFile(s.bundlePath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential bundle %s: %w", sessionID, err)
	}

	var c protocol.Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode credential bundle %s: %w", sessionID, err)
	}
	return &c, nil
}

// Save 落盘会话凭证
// 先写临时文件再 rename，避免进程崩溃留下半截文件
func (s *Store) Save(sessionID string, c *protocol.Credentials) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credential bundle %s: %w", sessionID, err)
	}

	dir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir %s: %w", sessionID, err)
	}

	tmp := filepath.Join(dir, bundleFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credential bundle %s: %w", sessionID, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, bundleFile)); err != nil {
		return fmt.Errorf("commit credential bundle %s: %w", sessionID, err)
	}

	s.logger.Debug("credential bundle saved", "session_id", sessionID)
	return nil
}

// Delete 删除会话凭证，幂等
func (s *Store) Delete(sessionID string) error {
	err := os.RemoveAll(filepath.Join(s.dir, sessionID))
	if err != nil {
		return fmt.Errorf("delete credential bundle %s: %w", sessionID, err)
	}
	return nil
}

// Rename 配对完成后将凭证目录从临时 ID 迁移到规范 ID
func (s *Store) Rename(oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	oldDir := filepath.Join(s.dir, oldID)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return nil
	}

	newDir := filepath.Join(s.dir, newID)
	// 规范 ID 目录已存在时先清掉旧残留
	if err := os.RemoveAll(newDir); err != nil {
		return fmt.Errorf("clear credential dir %s: %w", newID, err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("rename credential dir %s -> %s: %w", oldID, newID, err)
	}
	return nil
}
