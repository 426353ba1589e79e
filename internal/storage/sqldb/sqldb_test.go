package sqldb

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freemell/merlintg/internal/custody"
	"github.com/freemell/merlintg/internal/engine"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/session"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "data", "merlin.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))

	versions, err := db.AppliedVersions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0001"}, versions)
}

func TestWalletStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Wallets()

	_, err := store.GetWallet(ctx, 7)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	require.NoError(t, store.SaveWallet(ctx, &custody.Wallet{UserID: 7, PublicKey: "pk1", EncryptedKey: "aa", IV: "bb"}))
	first, err := store.GetWallet(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "pk1", first.PublicKey)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.SaveWallet(ctx, &custody.Wallet{UserID: 7, PublicKey: "pk2", EncryptedKey: "cc", IV: "dd"}))
	second, err := store.GetWallet(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "pk2", second.PublicKey)
	assert.Equal(t, "cc", second.EncryptedKey)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestCustodyServiceOverSQL(t *testing.T) {
	ctx := context.Background()
	svc, err := custody.NewService(openTestDB(t).Wallets(), "sql-test-secret")
	require.NoError(t, err)

	addr, created, err := svc.Create(ctx, 42)
	require.NoError(t, err)
	require.True(t, created)

	key, err := svc.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, addr, key.PublicKey())
}

func TestFindByUsernamePrefersLatestOwner(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Wallets()

	require.NoError(t, store.SaveProfile(ctx, custody.Profile{UserID: 1, Username: "@Bob"}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.SaveProfile(ctx, custody.Profile{UserID: 2, Username: "bob", FirstName: "Robert"}))

	p, err := store.FindByUsername(ctx, "@BOB")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.UserID)
	assert.Equal(t, "Robert", p.FirstName)

	_, err = store.FindByUsername(ctx, "carol")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestJournalLifecycle(t *testing.T) {
	ctx := context.Background()
	journal := openTestDB(t).Journal()

	rec := engine.NewRecord(9, session.KindTransfer, map[string]string{"amount": "0.5", "recipient": "bob.sol"})
	require.NoError(t, journal.Start(ctx, rec))
	require.NoError(t, journal.Finish(ctx, rec.ID, engine.ExecutionResult{Status: engine.StatusSuccess, TransactionID: "sig1"}))

	err := journal.Finish(ctx, "missing", engine.ExecutionResult{Status: engine.StatusSuccess})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	records, err := journal.ListByUser(ctx, 9, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, engine.StatusSuccess, records[0].Status)
	assert.Equal(t, "sig1", records[0].Signature)
	assert.Equal(t, "bob.sol", records[0].Params["recipient"])
	assert.False(t, records[0].FinishedAt.IsZero())
}

func TestJournalNeverStoresKeyMaterial(t *testing.T) {
	rec := engine.NewRecord(1, session.KindImportWallet, map[string]string{session.ParamPrivateKey: "secret"})
	assert.NotContains(t, rec.Params, session.ParamPrivateKey)
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_more.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"0001_init.sql": {Data: []byte("-- comment\nCREATE TABLE a (id INT);\nCREATE TABLE c (id INT);")},
		"README.md":     {Data: []byte("ignored")},
	}
	files, err := loadMigrationFiles(fsys)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001", files[0].version)
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE TABLE c (id INT)"}, files[0].statements)
	assert.Equal(t, "0002", files[1].version)
}

func TestUpsertDialects(t *testing.T) {
	mysql := &DB{driver: DriverMySQL}
	assert.Equal(t, "ON DUPLICATE KEY UPDATE a = VALUES(a)", mysql.upsert("id", "id", "a"))

	sqlite := &DB{driver: DriverSQLite}
	assert.Equal(t, "ON CONFLICT (id) DO UPDATE SET a = excluded.a", sqlite.upsert("id", "id", "a"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}
