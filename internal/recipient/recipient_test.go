package recipient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

const bobAddress = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func newSNSServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/resolve/bob":
			w.Write([]byte(`{"s":"ok","result":"` + bobAddress + `"}`))
		case "/resolve/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte(`{"s":"error","result":"Domain not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type stubDirectory map[string]struct {
	addr  solana.PublicKey
	owner int64
}

func (d stubDirectory) LookupHandle(_ context.Context, handle string) (solana.PublicKey, int64, error) {
	if e, ok := d[handle]; ok {
		return e.addr, e.owner, nil
	}
	return solana.PublicKey{}, 0, xerrors.New(xerrors.CodeNotFound, "unknown")
}

func TestResolveDomain(t *testing.T) {
	srv := newSNSServer(t)
	r := NewResolver(NewSNSClient(srv.URL, time.Second), nil)

	got, err := r.Resolve(context.Background(), "Bob.sol")
	require.NoError(t, err)
	assert.Equal(t, SourceDomain, got.Source)
	assert.Equal(t, bobAddress, got.Address.String())
	assert.Equal(t, "bob.sol", got.Display)
}

func TestUnknownDomainFailsClosed(t *testing.T) {
	srv := newSNSServer(t)
	r := NewResolver(NewSNSClient(srv.URL, time.Second), nil)

	_, err := r.Resolve(context.Background(), "nobody.sol")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	_, err = r.Resolve(context.Background(), "broken.sol")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNetworkFailed))
}

func TestResolveHandle(t *testing.T) {
	alice := solana.MustPublicKeyFromBase58(bobAddress)
	r := NewResolver(nil, stubDirectory{"alice": {addr: alice, owner: 77}})

	got, err := r.Resolve(context.Background(), "@Alice")
	require.NoError(t, err)
	assert.Equal(t, SourceHandle, got.Source)
	assert.Equal(t, int64(77), got.HandleOwnerID)
	assert.Equal(t, "@alice", got.Display)

	_, err = r.Resolve(context.Background(), "@ghost")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	assert.True(t, strings.Contains(err.Error(), "@ghost"))
}

func TestResolveAddress(t *testing.T) {
	r := NewResolver(nil, nil)
	got, err := r.Resolve(context.Background(), " "+bobAddress+" ")
	require.NoError(t, err)
	assert.Equal(t, SourceAddress, got.Source)

	for _, bad := range []string{"", "0xabc", "not an address", "11111111111111111111111111111111"} {
		_, err := r.Resolve(context.Background(), bad)
		assert.True(t, xerrors.HasCode(err, xerrors.CodeValidationFailed), bad)
	}
}

func TestMissingCollaboratorsRejectForms(t *testing.T) {
	r := NewResolver(nil, nil)
	_, err := r.Resolve(context.Background(), "bob.sol")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	_, err = r.Resolve(context.Background(), "@bob")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestIsDomain(t *testing.T) {
	assert.True(t, IsDomain("pinkpotato.sol"))
	assert.False(t, IsDomain(".sol"))
	assert.False(t, IsDomain("my wallet.sol"))
	assert.False(t, IsDomain(bobAddress))
}
