// Package service 控制面业务逻辑。
// 对上承接 HTTP handler，对下调度 supervisor 与会话存储；
// 入参校验全部在本层完成，非法请求不会触达网络。
package service

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
	"github.com/lk2023060901/msghub/app/sessiond/internal/supervisor"
	"github.com/lk2023060901/msghub/pkg/logger"
)

// e164Pattern 纯数字国际号码，允许前导 +
var e164Pattern = regexp.MustCompile(`^\+?[0-9]{5,15}$`)

// jidPattern user@host 形式的协议地址
var jidPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)

// Service 会话控制面
type Service struct {
	sup    *supervisor.Supervisor
	store  session.Store
	logger logger.Logger
}

func New(sup *supervisor.Supervisor, store session.Store, l logger.Logger) *Service {
	return &Service{
		sup:    sup,
		store:  store,
		logger: l.Named("service"),
	}
}

// StartSession 启动（或幂等挂接）一条会话。
// id 为空时生成临时 ID，配对完成后由 supervisor 对账为规范 ID。
func (s *Service) StartSession(ctx context.Context, id string) (*session.Session, error) {
	if strings.TrimSpace(id) == "" {
		id = supervisor.NewPendingID()
	}

	sess, err := s.sup.Start(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "start session %q", id)
	}
	return sess, nil
}

// GetStatus 查询单条会话
func (s *Service) GetStatus(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, ErrEmptySessionID
	}
	return s.store.Get(ctx, id)
}

// ListSessions 列出全部会话，按会话 ID 排序保证输出稳定
func (s *Service) ListSessions(ctx context.Context) ([]*session.Session, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// SendMessage 经指定会话发送消息。
// 收件人与消息体先于任何网络调用完成校验。
func (s *Service) SendMessage(ctx context.Context, id, recipient, body string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	if !validRecipient(recipient) {
		return errors.Wrapf(ErrInvalidRecipient, "recipient %q", recipient)
	}
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	return s.sup.Send(ctx, id, recipient, body)
}

// StopSession 停止并移除会话，对不存在的会话幂等
func (s *Service) StopSession(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	return s.sup.Stop(ctx, id)
}

// AssignTenants 原子替换会话的租户指派。
// 指派关系只改存储，不影响连接本身。
// 租户 ID 是否真实存在由平台侧在调用前校验：
// 本服务只部署在内网，租户目录不在本服务的数据边界内。
func (s *Service) AssignTenants(ctx context.Context, id string, tenantIDs []string) (*session.Session, error) {
	if id == "" {
		return nil, ErrEmptySessionID
	}
	for _, t := range tenantIDs {
		if strings.TrimSpace(t) == "" {
			return nil, errors.New("tenant id must not be empty")
		}
	}

	sess, err := s.store.ReplaceTenants(ctx, id, tenantIDs)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tenants reassigned", "session_id", id, "tenants", tenantIDs)
	return sess, nil
}

// validRecipient 收件人须为 user@host 地址或 E.164 号码
func validRecipient(recipient string) bool {
	if recipient == "" {
		return false
	}
	return jidPattern.MatchString(recipient) || e164Pattern.MatchString(recipient)
}
