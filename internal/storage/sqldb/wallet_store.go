package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/freemell/merlintg/internal/custody"
	xerrors "github.com/freemell/merlintg/internal/errors"
)

// WalletStore 将托管钱包与用户名索引保存在 SQL 数据库中。
type WalletStore struct {
	db *DB
}

var _ custody.Store = (*WalletStore)(nil)

// Wallets 返回基于当前连接池的钱包存储。
func (d *DB) Wallets() *WalletStore {
	return &WalletStore{db: d}
}

// GetWallet 实现 custody.Store 接口。
func (s *WalletStore) GetWallet(ctx context.Context, userID int64) (*custody.Wallet, error) {
	const query = `SELECT user_id, public_key, encrypted_key, iv, created_at, updated_at FROM wallets WHERE user_id = ?`
	var (
		w                custody.Wallet
		created, updated int64
	)
	err := s.db.db.QueryRowContext(ctx, query, userID).Scan(&w.UserID, &w.PublicKey, &w.EncryptedKey, &w.IV, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, custody.ErrNoWallet
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包失败")
	}
	w.CreatedAt = fromMillis(created)
	w.UpdatedAt = fromMillis(updated)
	return &w, nil
}

// SaveWallet 实现 custody.Store 接口。已有钱包会被覆盖，但保留创建时间。
func (s *WalletStore) SaveWallet(ctx context.Context, wallet *custody.Wallet) error {
	if wallet == nil {
		return xerrors.New(xerrors.CodeValidationFailed, "wallet 不能为空")
	}
	now := time.Now().UTC().UnixMilli()
	stmt := `INSERT INTO wallets (user_id, public_key, encrypted_key, iv, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?) ` + s.db.upsert("user_id", "public_key", "encrypted_key", "iv", "updated_at")
	if _, err := s.db.db.ExecContext(ctx, stmt, wallet.UserID, wallet.PublicKey, wallet.EncryptedKey, wallet.IV, now, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入钱包失败")
	}
	return nil
}

// SaveProfile 实现 custody.Store 接口。
func (s *WalletStore) SaveProfile(ctx context.Context, profile custody.Profile) error {
	stmt := `INSERT INTO user_profiles (user_id, username, first_name, updated_at)
        VALUES (?, ?, ?, ?) ` + s.db.upsert("user_id", "username", "first_name", "updated_at")
	if _, err := s.db.db.ExecContext(ctx, stmt,
		profile.UserID,
		custody.NormalizeUsername(profile.Username),
		profile.FirstName,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入用户资料失败")
	}
	return nil
}

// FindByUsername 实现 custody.Store 接口。用户名被多人使用过时取最近更新者。
func (s *WalletStore) FindByUsername(ctx context.Context, username string) (*custody.Profile, error) {
	name := custody.NormalizeUsername(username)
	const query = `SELECT user_id, username, first_name, updated_at FROM user_profiles
        WHERE username = ? ORDER BY updated_at DESC LIMIT 1`
	var (
		p       custody.Profile
		updated int64
	)
	err := s.db.db.QueryRowContext(ctx, query, name).Scan(&p.UserID, &p.Username, &p.FirstName, &updated)
	if errors.Is(err, sql.ErrNoRows) || name == "" {
		return nil, xerrors.New(xerrors.CodeNotFound, "user @"+name+" not found")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户名失败")
	}
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
