package task

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freemell/merlintg/internal/agent"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/pkg/logger"
)

// Service 负责把入站更新封装为 Envelope 并推送到队列。
type Service struct {
	producer   Producer
	maxRetries int
	window     time.Duration
	now        func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithDedupWindow 设置重复投递检测窗口，Telegram 会重发未确认的 webhook 更新。
func WithDedupWindow(window time.Duration) ServiceOption {
	return func(s *Service) {
		s.window = window
	}
}

// NewService 构造更新服务。
func NewService(producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{
		producer:   producer,
		maxRetries: maxRetries,
		window:     10 * time.Minute,
		now:        time.Now,
		seen:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 将更新推送到队列，返回 Envelope 标识。相同 ID 的更新在去重窗口内只入队一次。
func (s *Service) Submit(ctx context.Context, u agent.Update) (string, error) {
	if s.producer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "更新服务未初始化")
	}
	if u.UserID == 0 || u.ChatID == 0 {
		return "", xerrors.New(xerrors.CodeValidationFailed, "更新缺少用户或会话标识")
	}
	id := strings.TrimSpace(u.ID)
	if id == "" {
		id = uuid.NewString()
		u.ID = id
	} else if s.duplicate(id) {
		logger.L().Debug("忽略重复投递的更新", slog.String("update_id", id))
		return id, nil
	}

	env := &Envelope{
		ID:         id,
		Update:     u,
		MaxRetries: s.maxRetries,
		EnqueuedAt: s.now().UnixMilli(),
	}
	payload, err := encode(env)
	if err != nil {
		return "", err
	}
	if err := s.producer.Publish(ctx, payload); err != nil {
		s.forget(id)
		logger.L().Error("更新入队失败", slog.Any("error", err), slog.String("update_id", id))
		return "", xerrors.Wrap(CodeUpdatePublish, err, "发布更新到队列失败")
	}
	return id, nil
}

func (s *Service) duplicate(id string) bool {
	if s.window <= 0 {
		return false
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, at := range s.seen {
		if now.Sub(at) > s.window {
			delete(s.seen, key)
		}
	}
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = now
	return false
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.seen, id)
	s.mu.Unlock()
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
