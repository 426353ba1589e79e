package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ivSize matches the 16-byte nonce of previously stored records.
const ivSize = 16

// sealer encrypts key material with AES-256-GCM keyed by SHA-256(secret).
// Ciphertext and tag are stored hex-encoded with the tag appended.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(secret string) (*sealer, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("初始化 AES 失败: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plaintext []byte) (ciphertext, iv string, err error) {
	nonce := make([]byte, ivSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("生成 IV 失败: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), hex.EncodeToString(nonce), nil
}

func (s *sealer) open(ciphertext, iv string) ([]byte, error) {
	nonce, err := hex.DecodeString(iv)
	if err != nil || len(nonce) != ivSize {
		return nil, fmt.Errorf("IV 格式错误")
	}
	sealed, err := hex.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("密文格式错误: %w", err)
	}
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("解密失败，请检查 ENCRYPTION_SECRET: %w", err)
	}
	return plaintext, nil
}
