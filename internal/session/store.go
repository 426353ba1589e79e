package session

import (
	"context"
	"sync"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

// Store 定义会话存储的行为。
//
// Lock serializes all handling for one user: callers must hold it around
// every read-modify-write of that user's session and release it before
// long-running work.
type Store interface {
	GetOrCreate(ctx context.Context, userID int64) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Reset(ctx context.Context, userID int64) error
	Lock(ctx context.Context, userID int64) (func(), error)
}

// MemoryStore 以内存方式保存会话，适用于单实例部署与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]*Session

	locksMu sync.Mutex
	locks   map[int64]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]*Session),
		locks:    make(map[int64]*keyLock),
	}
}

// GetOrCreate 实现 Store 接口。
func (m *MemoryStore) GetOrCreate(_ context.Context, userID int64) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[userID]
	m.mu.RUnlock()
	if ok {
		return s.Clone(), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[userID]; !ok {
		s = New(userID)
		m.sessions[userID] = s
	}
	return s.Clone(), nil
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s == nil {
		return xerrors.New(xerrors.CodeValidationFailed, "session 不能为空")
	}
	if !s.State.Valid() {
		return xerrors.New(xerrors.CodeValidationFailed, "非法的会话状态: "+string(s.State))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = s.Clone()
	return nil
}

// Reset 实现 Store 接口。
func (m *MemoryStore) Reset(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		s = New(userID)
		m.sessions[userID] = s
	}
	s.Reset()
	return nil
}

// Lock 获取用户级互斥锁，在 ctx 取消时放弃等待。
func (m *MemoryStore) Lock(ctx context.Context, userID int64) (func(), error) {
	m.locksMu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[userID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(userID, l)
		return nil, xerrors.Wrap(xerrors.CodeBusy, ctx.Err(), "等待会话锁超时")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			m.release(userID, l)
		})
	}, nil
}

func (m *MemoryStore) release(userID int64, l *keyLock) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, userID)
	}
}
