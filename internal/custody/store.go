package custody

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

// Wallet is the encrypted signing material of one user.
type Wallet struct {
	UserID       int64
	PublicKey    string
	EncryptedKey string
	IV           string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile is the chat identity of a user, used to resolve @handles.
type Profile struct {
	UserID    int64
	Username  string
	FirstName string
	UpdatedAt time.Time
}

// Store 定义钱包与用户资料的持久化接口。
// Lookups of unknown users return an error with code NOT_FOUND.
type Store interface {
	GetWallet(ctx context.Context, userID int64) (*Wallet, error)
	SaveWallet(ctx context.Context, wallet *Wallet) error
	SaveProfile(ctx context.Context, profile Profile) error
	FindByUsername(ctx context.Context, username string) (*Profile, error)
}

// NormalizeUsername lowercases a handle and strips the leading "@".
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}

// MemoryStore 以内存方式保存钱包，主要用于测试和单机试用。
type MemoryStore struct {
	mu       sync.RWMutex
	wallets  map[int64]Wallet
	profiles map[int64]Profile
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[int64]Wallet),
		profiles: make(map[int64]Profile),
	}
}

// GetWallet 实现 Store 接口。
func (m *MemoryStore) GetWallet(_ context.Context, userID int64) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrNoWallet
	}
	return &w, nil
}

// SaveWallet 实现 Store 接口。
func (m *MemoryStore) SaveWallet(_ context.Context, wallet *Wallet) error {
	if wallet == nil {
		return xerrors.New(xerrors.CodeValidationFailed, "wallet 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	clone := *wallet
	if existing, ok := m.wallets[wallet.UserID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.wallets[wallet.UserID] = clone
	return nil
}

// SaveProfile 实现 Store 接口。
func (m *MemoryStore) SaveProfile(_ context.Context, profile Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile.Username = NormalizeUsername(profile.Username)
	profile.UpdatedAt = time.Now().UTC()
	m.profiles[profile.UserID] = profile
	return nil
}

// FindByUsername 实现 Store 接口。
func (m *MemoryStore) FindByUsername(_ context.Context, username string) (*Profile, error) {
	username = NormalizeUsername(username)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Profile
	for _, p := range m.profiles {
		if username == "" || p.Username != username {
			continue
		}
		// handles can move between accounts; the latest owner wins
		if found == nil || p.UpdatedAt.After(found.UpdatedAt) {
			clone := p
			found = &clone
		}
	}
	if found != nil {
		return found, nil
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "user @"+username+" not found")
}
