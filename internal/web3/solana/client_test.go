package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/web3"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcFault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type methodFunc func(params []json.RawMessage) (any, *rpcFault)

// fakeNode is a minimal Solana JSON-RPC endpoint.
type fakeNode struct {
	mu      sync.Mutex
	methods map[string]methodFunc
	calls   map[string]int
	down    bool
}

func newFakeNode(t *testing.T) (*fakeNode, string) {
	t.Helper()
	node := &fakeNode{methods: make(map[string]methodFunc), calls: make(map[string]int)}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	return node, srv.URL
}

func (n *fakeNode) handle(method string, fn methodFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.methods[method] = fn
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	down := n.down
	n.mu.Unlock()
	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	if len(body) > 0 && body[0] == '[' {
		var reqs []rpcRequest
		_ = json.Unmarshal(body, &reqs)
		out := make([]map[string]any, len(reqs))
		for i, req := range reqs {
			out[i] = n.reply(req)
		}
		_ = json.NewEncoder(w).Encode(out)
		return
	}
	var req rpcRequest
	_ = json.Unmarshal(body, &req)
	_ = json.NewEncoder(w).Encode(n.reply(req))
}

func (n *fakeNode) reply(req rpcRequest) map[string]any {
	n.mu.Lock()
	n.calls[req.Method]++
	fn := n.methods[req.Method]
	n.mu.Unlock()
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if fn == nil {
		resp["error"] = rpcFault{Code: codeMethodNotFound, Message: "Method not found"}
		return resp
	}
	result, fault := fn(req.Params)
	if fault != nil {
		resp["error"] = fault
		return resp
	}
	resp["result"] = result
	return resp
}

func value(v any) methodFunc {
	return func([]json.RawMessage) (any, *rpcFault) {
		return map[string]any{"context": map[string]any{"slot": 1}, "value": v}, nil
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	failures []string
}

func (o *recordingObserver) EndpointFailed(endpoint, operation string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, operation)
}

func newTestClient(t *testing.T, urls ...string) (*Client, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	c, err := NewClient(context.Background(), Config{
		Endpoints:      urls,
		Retry:          RetryPolicy{Attempts: 2, Delay: time.Millisecond},
		ConfirmTimeout: 80 * time.Millisecond,
		GuardTimeout:   80 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, WithObserver(obs))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, obs
}

func fakeSignedTx(seed byte) *web3.SignedTx {
	return &web3.SignedTx{
		Raw:       []byte{seed, 1, 2, 3},
		Signature: solanago.Signature{seed, 9},
		Blockhash: solanago.Hash{seed},
	}
}

func TestBalanceFallsBackToNextEndpoint(t *testing.T) {
	primary, primaryURL := newFakeNode(t)
	primary.down = true
	secondary, secondaryURL := newFakeNode(t)
	secondary.handle("getBalance", value(1_500_000_000))

	c, obs := newTestClient(t, primaryURL, secondaryURL)
	balance, err := c.Balance(context.Background(), solanago.SystemProgramID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), balance)
	assert.Equal(t, []string{"getBalance"}, obs.failures)
}

func TestCallFailsWhenEveryEndpointIsDown(t *testing.T) {
	a, urlA := newFakeNode(t)
	b, urlB := newFakeNode(t)
	a.down, b.down = true, true

	c, _ := newTestClient(t, urlA, urlB)
	_, err := c.Balance(context.Background(), solanago.SystemProgramID)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNetworkFailed))
	assert.NotEmpty(t, xerrors.SuggestionOf(err))
}

func TestDuplicateEndpointsAreDropped(t *testing.T) {
	_, url := newFakeNode(t)
	c, _ := newTestClient(t, url, url+" ", url)
	assert.Len(t, c.Endpoints(), 1)
}

func TestSubmitConfirmsOnPrimary(t *testing.T) {
	node, url := newFakeNode(t)
	tx := fakeSignedTx(1)
	node.handle("sendTransaction", func(params []json.RawMessage) (any, *rpcFault) {
		var raw string
		_ = json.Unmarshal(params[0], &raw)
		if raw != base64.StdEncoding.EncodeToString(tx.Raw) {
			return nil, &rpcFault{Code: codeInvalidParams, Message: "bad payload"}
		}
		return tx.Signature.String(), nil
	})
	node.handle("getSignatureStatuses", value([]any{map[string]any{
		"slot": 10, "confirmations": 1, "err": nil, "confirmationStatus": "confirmed",
	}}))

	c, _ := newTestClient(t, url)
	var builds int32
	sig, err := c.Submit(context.Background(), func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		atomic.AddInt32(&builds, 1)
		return tx, nil
	})
	require.NoError(t, err)
	assert.Equal(t, tx.Signature, sig)
	assert.Equal(t, int32(1), builds)
}

func TestSubmitDoesNotRebroadcastLandedTransaction(t *testing.T) {
	primary, primaryURL := newFakeNode(t)
	secondary, secondaryURL := newFakeNode(t)
	first := fakeSignedTx(1)

	// the primary accepts the broadcast but never reports it
	primary.handle("sendTransaction", func([]json.RawMessage) (any, *rpcFault) {
		return first.Signature.String(), nil
	})
	primary.handle("getSignatureStatuses", value([]any{nil}))
	// the secondary has seen it confirmed
	secondary.handle("getSignatureStatuses", value([]any{map[string]any{
		"slot": 10, "confirmations": nil, "err": nil, "confirmationStatus": "confirmed",
	}}))
	secondary.handle("sendTransaction", func([]json.RawMessage) (any, *rpcFault) {
		return fakeSignedTx(2).Signature.String(), nil
	})

	c, obs := newTestClient(t, primaryURL, secondaryURL)
	var builds int32
	sig, err := c.Submit(context.Background(), func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		n := atomic.AddInt32(&builds, 1)
		return fakeSignedTx(byte(n)), nil
	})
	require.NoError(t, err)
	assert.Equal(t, first.Signature, sig)
	assert.Equal(t, int32(1), builds)
	assert.Zero(t, secondary.count("sendTransaction"))
	assert.Contains(t, obs.failures, "confirm")
}

func TestSubmitRebuildsOnceEarlierAttemptExpired(t *testing.T) {
	primary, primaryURL := newFakeNode(t)
	secondary, secondaryURL := newFakeNode(t)

	primary.handle("sendTransaction", func([]json.RawMessage) (any, *rpcFault) {
		return fakeSignedTx(1).Signature.String(), nil
	})
	primary.handle("getSignatureStatuses", value([]any{nil}))
	secondary.handle("isBlockhashValid", value(false))
	secondary.handle("sendTransaction", func([]json.RawMessage) (any, *rpcFault) {
		return fakeSignedTx(2).Signature.String(), nil
	})
	secondary.handle("getSignatureStatuses", func(params []json.RawMessage) (any, *rpcFault) {
		var sigs []string
		_ = json.Unmarshal(params[0], &sigs)
		statuses := make([]any, len(sigs))
		for i, s := range sigs {
			if s == fakeSignedTx(2).Signature.String() {
				statuses[i] = map[string]any{"slot": 11, "err": nil, "confirmationStatus": "finalized"}
			}
		}
		return map[string]any{"value": statuses}, nil
	})

	c, _ := newTestClient(t, primaryURL, secondaryURL)
	var builds int32
	sig, err := c.Submit(context.Background(), func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		n := atomic.AddInt32(&builds, 1)
		return fakeSignedTx(byte(n)), nil
	})
	require.NoError(t, err)
	assert.Equal(t, fakeSignedTx(2).Signature, sig)
	assert.Equal(t, int32(2), builds)
	assert.Equal(t, 1, secondary.count("isBlockhashValid"))
}

func TestSubmitRefusesToResendWhenOutcomeUnknown(t *testing.T) {
	primary, primaryURL := newFakeNode(t)
	secondary, secondaryURL := newFakeNode(t)
	for _, node := range []*fakeNode{primary, secondary} {
		node.handle("sendTransaction", func([]json.RawMessage) (any, *rpcFault) {
			return fakeSignedTx(1).Signature.String(), nil
		})
		node.handle("getSignatureStatuses", value([]any{nil}))
		node.handle("isBlockhashValid", value(true))
	}

	c, _ := newTestClient(t, primaryURL, secondaryURL)
	var builds int32
	_, err := c.Submit(context.Background(), func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		atomic.AddInt32(&builds, 1)
		return fakeSignedTx(1), nil
	})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNetworkFailed))
	assert.Equal(t, int32(1), builds)
	assert.Zero(t, secondary.count("sendTransaction"))

	xe, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, fakeSignedTx(1).Signature.String(), xe.Metadata()["pending_signatures"])
}

func TestSubmitStopsOnOnChainFailure(t *testing.T) {
	primary, primaryURL := newFakeNode(t)
	secondary, secondaryURL := newFakeNode(t)
	primary.handle("sendTransaction", func([]json.RawMessage) (any, *rpcFault) {
		return fakeSignedTx(1).Signature.String(), nil
	})
	primary.handle("getSignatureStatuses", value([]any{map[string]any{
		"slot": 10, "err": map[string]any{"InstructionError": []any{0, "InsufficientFunds"}}, "confirmationStatus": "confirmed",
	}}))

	c, _ := newTestClient(t, primaryURL, secondaryURL)
	_, err := c.Submit(context.Background(), func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		return fakeSignedTx(1), nil
	})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeOnChainFailed))
	assert.Contains(t, err.Error(), "InsufficientFunds")
	assert.Zero(t, secondary.count("sendTransaction"))
}

func TestSubmitTreatsPreflightRejectionAsTerminal(t *testing.T) {
	primary, primaryURL := newFakeNode(t)
	secondary, secondaryURL := newFakeNode(t)
	primary.handle("sendTransaction", func([]json.RawMessage) (any, *rpcFault) {
		return nil, &rpcFault{Code: codePreflightFailure, Message: "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit."}
	})

	c, _ := newTestClient(t, primaryURL, secondaryURL)
	_, err := c.Submit(context.Background(), func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		return fakeSignedTx(1), nil
	})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeOnChainFailed))
	assert.Equal(t, 1, primary.count("sendTransaction"))
	assert.Zero(t, secondary.count("sendTransaction"))
}

func TestSubmitStopsWhenBuildFindsNoRoute(t *testing.T) {
	primary, primaryURL := newFakeNode(t)
	secondary, secondaryURL := newFakeNode(t)

	c, _ := newTestClient(t, primaryURL, secondaryURL)
	var builds int32
	_, err := c.Submit(context.Background(), func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		atomic.AddInt32(&builds, 1)
		return nil, xerrors.New(xerrors.CodeNoRoute, "no route for this pair")
	})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNoRoute))
	assert.Equal(t, int32(1), builds)
	assert.Zero(t, primary.count("sendTransaction"))
	assert.Zero(t, secondary.count("sendTransaction"))
}

func TestSubmitSkipsExpiryWaitWhenEndpointRefusedConnection(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	live, liveURL := newFakeNode(t)
	live.handle("sendTransaction", func([]json.RawMessage) (any, *rpcFault) {
		return fakeSignedTx(2).Signature.String(), nil
	})
	live.handle("getSignatureStatuses", value([]any{map[string]any{
		"slot": 12, "err": nil, "confirmationStatus": "confirmed",
	}}))

	c, obs := newTestClient(t, deadURL, liveURL)
	var builds int32
	sig, err := c.Submit(context.Background(), func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		n := atomic.AddInt32(&builds, 1)
		return fakeSignedTx(byte(n)), nil
	})
	require.NoError(t, err)
	assert.Equal(t, fakeSignedTx(2).Signature, sig)
	assert.Equal(t, int32(2), builds)
	assert.Zero(t, live.count("isBlockhashValid"))
	assert.Contains(t, obs.failures, "sendTransaction")
}

func TestLatestBlockhashThroughConn(t *testing.T) {
	node, url := newFakeNode(t)
	hash := solanago.Hash{7, 7, 7}
	node.handle("getLatestBlockhash", value(map[string]any{"blockhash": hash.String(), "lastValidBlockHeight": 99}))

	c, _ := newTestClient(t, url)
	ref, err := endpointConn{c: c, ep: c.endpoints[0]}.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, ref.Blockhash)
	assert.Equal(t, uint64(99), ref.LastValidBlockHeight)
}

func TestHistoryComputesDirection(t *testing.T) {
	node, url := newFakeNode(t)
	owner := solanago.SystemProgramID
	other := solanago.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	node.handle("getSignaturesForAddress", func([]json.RawMessage) (any, *rpcFault) {
		return []any{
			map[string]any{"signature": "sigIn", "err": nil, "blockTime": 1700000000, "confirmationStatus": "finalized"},
			map[string]any{"signature": "sigOut", "err": map[string]any{"x": 1}, "blockTime": 1700000100, "confirmationStatus": "finalized"},
		}, nil
	})
	node.handle("getTransaction", func(params []json.RawMessage) (any, *rpcFault) {
		var sig string
		_ = json.Unmarshal(params[0], &sig)
		pre, post := []int64{100, 500}, []int64{90, 510}
		if sig == "sigOut" {
			pre, post = []int64{100, 500}, []int64{110, 485}
		}
		return map[string]any{
			"blockTime":   1700000000,
			"meta":        map[string]any{"err": nil, "preBalances": pre, "postBalances": post},
			"transaction": map[string]any{"message": map[string]any{"accountKeys": []string{other.String(), owner.String()}}},
		}, nil
	})

	c, _ := newTestClient(t, url)
	entries, err := c.History(context.Background(), owner, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, web3.DirectionIn, entries[0].Direction)
	assert.Equal(t, int64(10), entries[0].AmountChange)
	assert.False(t, entries[0].Failed)
	assert.Equal(t, web3.DirectionOut, entries[1].Direction)
	assert.Equal(t, int64(-15), entries[1].AmountChange)
	assert.True(t, entries[1].Failed)
}

func TestParseLookupTable(t *testing.T) {
	keyA := solanago.SystemProgramID
	keyB := solanago.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	data := make([]byte, lookupTableMetaSize)
	binary.LittleEndian.PutUint32(data, 1)
	data = append(data, keyA[:]...)
	data = append(data, keyB[:]...)

	var info accountInfo
	raw := `{"value":{"data":["` + base64.StdEncoding.EncodeToString(data) + `","base64"],"owner":"AddressLookupTab1e1111111111111111111111111","lamports":1}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &info))

	keys, err := parseLookupTable(keyA, info)
	require.NoError(t, err)
	assert.Equal(t, solanago.PublicKeySlice{keyA, keyB}, keys)

	_, err = parseLookupTable(keyA, accountInfo{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}
