package custody

import (
	"context"
	"encoding/json"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

func newService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc, err := NewService(store, "unit-test-secret")
	require.NoError(t, err)
	return svc, store
}

func TestNewServiceRequiresSecret(t *testing.T) {
	_, err := NewService(NewMemoryStore(), " ")
	assert.Error(t, err)
}

func TestCreateIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	first, created, err := svc.Create(ctx, 1)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := svc.Create(ctx, 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	stored, err := store.GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.NotContains(t, stored.EncryptedKey, first.String())
	assert.Len(t, stored.IV, ivSize*2)

	key, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first, key.PublicKey())
}

func TestImportFormats(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	values := make([]int, len(key))
	for i, b := range key {
		values[i] = int(b)
	}
	asJSON, err := json.Marshal(values)
	require.NoError(t, err)

	addr, err := svc.Import(ctx, 1, string(asJSON))
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), addr)

	addr, err = svc.Import(ctx, 2, key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), addr)

	seed, err := json.Marshal(values[:32])
	require.NoError(t, err)
	addr, err = svc.Import(ctx, 3, string(seed))
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), addr)

	restored, err := svc.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, key, restored)
}

func TestImportRejectsGarbage(t *testing.T) {
	svc, _ := newService(t)
	for _, material := range []string{"", "[1,2,3]", "[300,1]", "not-a-key", "["} {
		_, err := svc.Import(context.Background(), 1, material)
		assert.True(t, xerrors.HasCode(err, xerrors.CodeValidationFailed), material)
		assert.NotEmpty(t, xerrors.SuggestionOf(err))
	}

	// a keypair whose public half does not match
	key, _ := solana.NewRandomPrivateKey()
	other, _ := solana.NewRandomPrivateKey()
	tampered := append(append([]byte{}, key[:32]...), other[32:]...)
	values := make([]int, len(tampered))
	for i, b := range tampered {
		values[i] = int(b)
	}
	raw, _ := json.Marshal(values)
	_, err := svc.Import(context.Background(), 1, string(raw))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidationFailed))
}

func TestGetUnknownUser(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Get(context.Background(), 99)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	has, err := svc.Has(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWrongSecretCannotDecrypt(t *testing.T) {
	store := NewMemoryStore()
	svc, err := NewService(store, "secret-a")
	require.NoError(t, err)
	_, _, err = svc.Create(context.Background(), 1)
	require.NoError(t, err)

	other, err := NewService(store, "secret-b")
	require.NoError(t, err)
	_, err = other.Get(context.Background(), 1)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
}

func TestLookupHandle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordProfile(ctx, 5, "@Alice", "Alice"))
	_, _, err := svc.LookupHandle(ctx, "alice")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound), "profile without wallet")

	addr, _, err := svc.Create(ctx, 5)
	require.NoError(t, err)

	found, owner, err := svc.LookupHandle(ctx, "@ALICE")
	require.NoError(t, err)
	assert.Equal(t, addr, found)
	assert.Equal(t, int64(5), owner)

	_, _, err = svc.LookupHandle(ctx, "@nobody")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}
