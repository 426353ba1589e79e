package custody

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	solana "github.com/gagliardetto/solana-go"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/pkg/logger"
)

// ErrNoWallet is returned for users without custody records.
var ErrNoWallet = xerrors.New(xerrors.CodeNotFound, "no wallet found",
	xerrors.WithSuggestion("Create or import a wallet first."))

// Service 负责托管钱包的创建、导入与解密。
type Service struct {
	store  Store
	sealer *sealer
	logger *slog.Logger
}

// NewService 创建托管服务。secret 为空时拒绝启动。
func NewService(store Store, secret string) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("custody store 不能为空")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("ENCRYPTION_SECRET 不能为空")
	}
	s, err := newSealer(secret)
	if err != nil {
		return nil, err
	}
	return &Service{store: store, sealer: s, logger: logger.Named("custody")}, nil
}

// Create generates a wallet for userID. An existing wallet is kept and
// returned with created=false.
func (s *Service) Create(ctx context.Context, userID int64) (solana.PublicKey, bool, error) {
	existing, err := s.store.GetWallet(ctx, userID)
	switch {
	case err == nil:
		pk, parseErr := solana.PublicKeyFromBase58(existing.PublicKey)
		if parseErr != nil {
			return solana.PublicKey{}, false, fmt.Errorf("已存储的钱包地址无效: %w", parseErr)
		}
		return pk, false, nil
	case !xerrors.HasCode(err, xerrors.CodeNotFound):
		return solana.PublicKey{}, false, err
	}

	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return solana.PublicKey{}, false, fmt.Errorf("生成密钥失败: %w", err)
	}
	if err := s.persist(ctx, userID, key); err != nil {
		return solana.PublicKey{}, false, err
	}
	logger.Audit().Info("wallet created",
		slog.Int64("user_id", userID),
		slog.String("address", key.PublicKey().String()))
	return key.PublicKey(), true, nil
}

// Import stores caller-supplied key material, replacing any existing wallet.
// material is either a JSON byte array (64-byte keypair or 32-byte seed) or
// a base58 encoded keypair.
func (s *Service) Import(ctx context.Context, userID int64, material string) (solana.PublicKey, error) {
	key, err := ParsePrivateKey(material)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if err := s.persist(ctx, userID, key); err != nil {
		return solana.PublicKey{}, err
	}
	logger.Audit().Info("wallet imported",
		slog.Int64("user_id", userID),
		slog.String("address", key.PublicKey().String()))
	return key.PublicKey(), nil
}

// Get decrypts the signing key of userID.
func (s *Service) Get(ctx context.Context, userID int64) (solana.PrivateKey, error) {
	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.sealer.open(wallet.EncryptedKey, wallet.IV)
	if err != nil {
		s.logger.Error("解密钱包失败", slog.Int64("user_id", userID), slog.Any("error", err))
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "wallet could not be decrypted")
	}
	key, err := decodeKeyArray(plaintext)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "stored wallet is corrupt")
	}
	if key.PublicKey().String() != wallet.PublicKey {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "stored wallet does not match its address")
	}
	return key, nil
}

// Has reports whether userID has a wallet.
func (s *Service) Has(ctx context.Context, userID int64) (bool, error) {
	_, err := s.store.GetWallet(ctx, userID)
	if err == nil {
		return true, nil
	}
	if xerrors.HasCode(err, xerrors.CodeNotFound) {
		return false, nil
	}
	return false, err
}

// Address returns the public key of userID without decrypting the wallet.
func (s *Service) Address(ctx context.Context, userID int64) (solana.PublicKey, error) {
	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBase58(wallet.PublicKey)
}

// RecordProfile remembers the chat handle of userID for @handle transfers.
func (s *Service) RecordProfile(ctx context.Context, userID int64, username, firstName string) error {
	if NormalizeUsername(username) == "" {
		return nil
	}
	return s.store.SaveProfile(ctx, Profile{UserID: userID, Username: username, FirstName: firstName})
}

// LookupHandle resolves a chat handle to the owner's wallet address.
// Users without a wallet are reported as NOT_FOUND.
func (s *Service) LookupHandle(ctx context.Context, handle string) (solana.PublicKey, int64, error) {
	profile, err := s.store.FindByUsername(ctx, handle)
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	address, err := s.Address(ctx, profile.UserID)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			return solana.PublicKey{}, 0, xerrors.New(xerrors.CodeNotFound,
				fmt.Sprintf("user @%s has no wallet yet", profile.Username),
				xerrors.WithSuggestion("They need to create a wallet first."))
		}
		return solana.PublicKey{}, 0, err
	}
	return address, profile.UserID, nil
}

func (s *Service) persist(ctx context.Context, userID int64, key solana.PrivateKey) error {
	plaintext, err := encodeKeyArray(key)
	if err != nil {
		return err
	}
	ciphertext, iv, err := s.sealer.seal(plaintext)
	if err != nil {
		return err
	}
	return s.store.SaveWallet(ctx, &Wallet{
		UserID:       userID,
		PublicKey:    key.PublicKey().String(),
		EncryptedKey: ciphertext,
		IV:           iv,
	})
}

// ParsePrivateKey accepts a JSON byte array or a base58 keypair.
func ParsePrivateKey(material string) (solana.PrivateKey, error) {
	material = strings.TrimSpace(material)
	invalid := xerrors.New(xerrors.CodeValidationFailed, "invalid private key format",
		xerrors.WithSuggestion("Send the key as a JSON array like [12,34,...] or as a base58 string."))
	if material == "" {
		return nil, invalid
	}
	if strings.HasPrefix(material, "[") {
		key, err := decodeKeyArray([]byte(material))
		if err != nil {
			return nil, invalid
		}
		return key, nil
	}
	key, err := solana.PrivateKeyFromBase58(material)
	if err != nil || !validKeypair(key) {
		return nil, invalid
	}
	return key, nil
}

func decodeKeyArray(raw []byte) (solana.PrivateKey, error) {
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("解析密钥数组失败: %w", err)
	}
	buf := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("密钥字节越界: %d", v)
		}
		buf[i] = byte(v)
	}
	switch len(buf) {
	case ed25519.SeedSize:
		return solana.PrivateKey(ed25519.NewKeyFromSeed(buf)), nil
	case ed25519.PrivateKeySize:
		key := solana.PrivateKey(buf)
		if !validKeypair(key) {
			return nil, fmt.Errorf("公钥与私钥不匹配")
		}
		return key, nil
	}
	return nil, fmt.Errorf("密钥长度错误: %d", len(buf))
}

func encodeKeyArray(key solana.PrivateKey) ([]byte, error) {
	values := make([]int, len(key))
	for i, b := range key {
		values[i] = int(b)
	}
	return json.Marshal(values)
}

func validKeypair(key solana.PrivateKey) bool {
	if len(key) != ed25519.PrivateKeySize {
		return false
	}
	derived := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	return bytes.Equal(derived, key)
}
