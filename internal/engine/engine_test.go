package engine

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freemell/merlintg/internal/aggregator/bungee"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/recipient"
	"github.com/freemell/merlintg/internal/route"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/internal/web3"
)

const lamportsPerSOL = 1_000_000_000

type stubConn struct{}

func (stubConn) Endpoint() string { return "stub" }

func (stubConn) LatestBlockhash(context.Context) (web3.BlockRef, error) {
	return web3.BlockRef{Blockhash: solana.Hash{7}, LastValidBlockHeight: 100}, nil
}

func (stubConn) LookupTable(_ context.Context, table solana.PublicKey) (solana.PublicKeySlice, error) {
	return solana.PublicKeySlice{table}, nil
}

// stubChain records submitted transactions instead of broadcasting them.
type stubChain struct {
	mu        sync.Mutex
	balance   uint64
	tokens    map[solana.PublicKey]uint64
	decimals  map[solana.PublicKey]uint8
	submitted []*solana.Transaction
	builds    int
	submitErr error
}

func (c *stubChain) Balance(context.Context, solana.PublicKey) (uint64, error) {
	return c.balance, nil
}

func (c *stubChain) TokenBalance(_ context.Context, _, mint solana.PublicKey) (uint64, error) {
	return c.tokens[mint], nil
}

func (c *stubChain) TokenDecimals(_ context.Context, mint solana.PublicKey) (uint8, error) {
	d, ok := c.decimals[mint]
	if !ok {
		return 0, xerrors.New(xerrors.CodeNotFound, "mint not found")
	}
	return d, nil
}

func (c *stubChain) History(context.Context, solana.PublicKey, int) ([]web3.HistoryEntry, error) {
	return nil, nil
}

func (c *stubChain) Submit(ctx context.Context, build web3.BuildFunc) (solana.Signature, error) {
	c.mu.Lock()
	c.builds++
	c.mu.Unlock()
	if c.submitErr != nil {
		return solana.Signature{}, c.submitErr
	}
	signed, err := build(ctx, stubConn{})
	if err != nil {
		return solana.Signature{}, err
	}
	tx, err := solana.TransactionFromBytes(signed.Raw)
	if err != nil {
		return solana.Signature{}, err
	}
	c.mu.Lock()
	c.submitted = append(c.submitted, tx)
	c.mu.Unlock()
	return signed.Signature, nil
}

type stubKeys map[int64]solana.PrivateKey

func (k stubKeys) Get(_ context.Context, userID int64) (solana.PrivateKey, error) {
	key, ok := k[userID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "no wallet found")
	}
	return key, nil
}

type stubRecipients map[string]recipient.Resolved

func (r stubRecipients) Resolve(_ context.Context, form string) (recipient.Resolved, error) {
	res, ok := r[form]
	if !ok {
		return recipient.Resolved{}, xerrors.New(xerrors.CodeNotFound, "unknown recipient "+form)
	}
	return res, nil
}

type stubSwaps struct {
	quotes []*route.Quote
	calls  int
}

func (s *stubSwaps) Quote(_ context.Context, _, _ string, amount uint64) (*route.Quote, error) {
	q := *s.quotes[min(s.calls, len(s.quotes)-1)]
	s.calls++
	q.InputAmount = amount
	return &q, nil
}

func (s *stubSwaps) SwapTransaction(_ context.Context, _ *route.Quote, user solana.PublicKey) ([]byte, error) {
	return unsignedTransfer(user, solana.NewWallet().PublicKey()), nil
}

type stubBridges struct {
	candidates route.Candidates
	quotes     int
	builtFor   []string
	tx         func(owner solana.PublicKey) *bungee.TxData
	owner      solana.PublicKey
}

func (b *stubBridges) Quote(context.Context, bungee.QuoteRequest) (route.Candidates, error) {
	b.quotes++
	return b.candidates, nil
}

func (b *stubBridges) BuildTx(_ context.Context, quoteID string) (*bungee.TxData, error) {
	b.builtFor = append(b.builtFor, quoteID)
	return b.tx(b.owner), nil
}

func (b *stubBridges) Status(context.Context, string) (string, error) {
	return "bridge-123", nil
}

func unsignedTransfer(from, to solana.PublicKey) []byte {
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1, from, to).Build()},
		solana.Hash{9},
		solana.TransactionPayer(from),
	)
	if err != nil {
		panic(err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return raw
}

type fixture struct {
	engine *Engine
	chain  *stubChain
	key    solana.PrivateKey
	now    time.Time
}

func newFixture(t *testing.T, balance uint64, opts ...Option) *fixture {
	t.Helper()
	key := solana.NewWallet().PrivateKey
	f := &fixture{
		chain: &stubChain{balance: balance, tokens: map[solana.PublicKey]uint64{}, decimals: map[solana.PublicKey]uint8{}},
		key:   key,
		now:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	eng, err := New(f.chain, stubKeys{1: key}, Config{}, opts...)
	require.NoError(t, err)
	f.engine = eng
	return f
}

func transferAction(amount, to string) *session.Action {
	return &session.Action{Kind: session.KindTransfer, Params: map[string]string{
		session.ParamAmount:    amount,
		session.ParamRecipient: to,
	}}
}

func lamportsOf(t *testing.T, tx *solana.Transaction) uint64 {
	t.Helper()
	require.Len(t, tx.Message.Instructions, 1)
	data := tx.Message.Instructions[0].Data
	// system transfer: u32 discriminator followed by u64 lamports
	require.Len(t, data, 12)
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(data[4+i]) << (8 * i)
	}
	return v
}

func TestTransferAllKeepsFeeReserve(t *testing.T) {
	bob := solana.NewWallet().PublicKey()
	f := newFixture(t, 2*lamportsPerSOL, WithRecipients(stubRecipients{
		bob.String(): {Address: bob, Source: recipient.SourceAddress},
	}))

	res := f.engine.Execute(context.Background(), 1, transferAction("all", bob.String()))
	require.True(t, res.OK(), res.ErrorDetail)
	require.Len(t, f.chain.submitted, 1)
	assert.Equal(t, uint64(2*lamportsPerSOL-5000), lamportsOf(t, f.chain.submitted[0]))
	assert.Equal(t, f.chain.submitted[0].Signatures[0].String(), res.TransactionID)
}

func TestTransferToDomain(t *testing.T) {
	bob := solana.NewWallet().PublicKey()
	f := newFixture(t, 2*lamportsPerSOL, WithRecipients(stubRecipients{
		"bob.sol": {Address: bob, Source: recipient.SourceDomain, Display: "bob.sol"},
	}))

	res := f.engine.Execute(context.Background(), 1, transferAction("0.5", "bob.sol"))
	require.True(t, res.OK(), res.ErrorDetail)
	tx := f.chain.submitted[0]
	assert.Equal(t, uint64(lamportsPerSOL/2), lamportsOf(t, tx))
	accounts, err := tx.Message.Instructions[0].ResolveInstructionAccounts(&tx.Message)
	require.NoError(t, err)
	assert.Equal(t, bob, accounts[1].PublicKey)
	assert.Contains(t, res.Details, Detail{Label: "To", Value: "bob.sol (" + bob.String() + ")"})
	assert.Nil(t, res.Notify)
}

func TestTransferToHandleNotifiesOwner(t *testing.T) {
	carol := solana.NewWallet().PublicKey()
	f := newFixture(t, lamportsPerSOL, WithRecipients(stubRecipients{
		"@carol": {Address: carol, Source: recipient.SourceHandle, Display: "@carol", HandleOwnerID: 42},
	}))

	res := f.engine.Execute(context.Background(), 1, transferAction("0.1", "@carol"))
	require.True(t, res.OK(), res.ErrorDetail)
	require.NotNil(t, res.Notify)
	assert.Equal(t, int64(42), res.Notify.UserID)
	assert.Contains(t, res.Notify.Text, "0.1 SOL")
}

func TestTransferRejections(t *testing.T) {
	bob := solana.NewWallet().PublicKey()
	cases := []struct {
		name   string
		amount string
		to     string
		self   bool
	}{
		{name: "over balance", amount: "5", to: bob.String()},
		{name: "no room for fee", amount: "1", to: bob.String()},
		{name: "zero", amount: "0", to: bob.String()},
		{name: "self send", amount: "0.1", self: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, lamportsPerSOL)
			recipients := stubRecipients{bob.String(): {Address: bob, Source: recipient.SourceAddress}}
			to := tc.to
			if tc.self {
				to = f.key.PublicKey().String()
				recipients[to] = recipient.Resolved{Address: f.key.PublicKey(), Source: recipient.SourceAddress}
			}
			WithRecipients(recipients)(f.engine)

			res := f.engine.Execute(context.Background(), 1, transferAction(tc.amount, to))
			assert.Equal(t, StatusValidationFailed, res.Status)
			assert.NotEmpty(t, res.ErrorDetail)
			assert.Zero(t, f.chain.builds, "nothing may be submitted")
		})
	}
}

func TestTransferPropagatesUnknownOutcome(t *testing.T) {
	bob := solana.NewWallet().PublicKey()
	f := newFixture(t, lamportsPerSOL, WithRecipients(stubRecipients{
		bob.String(): {Address: bob, Source: recipient.SourceAddress},
	}))
	f.chain.submitErr = xerrors.New(xerrors.CodeNetworkFailed, "outcome unknown",
		xerrors.WithMetadata("pending_signatures", "sig1"))

	res := f.engine.Execute(context.Background(), 1, transferAction("0.1", bob.String()))
	assert.Equal(t, StatusNetworkFailed, res.Status)
	assert.Contains(t, res.Details, Detail{Label: "Pending signatures", Value: "sig1"})
}

func TestExecuteWithoutWallet(t *testing.T) {
	bob := solana.NewWallet().PublicKey()
	f := newFixture(t, lamportsPerSOL, WithRecipients(stubRecipients{
		bob.String(): {Address: bob, Source: recipient.SourceAddress},
	}))
	res := f.engine.Execute(context.Background(), 77, transferAction("0.1", bob.String()))
	assert.Equal(t, StatusValidationFailed, res.Status)
}

func TestExecuteJournalsOutcome(t *testing.T) {
	journal := NewMemoryJournal()
	bob := solana.NewWallet().PublicKey()
	f := newFixture(t, lamportsPerSOL, WithJournal(journal), WithRecipients(stubRecipients{
		bob.String(): {Address: bob, Source: recipient.SourceAddress},
	}))

	res := f.engine.Execute(context.Background(), 1, transferAction("0.1", bob.String()))
	require.True(t, res.OK())
	records, err := journal.ListByUser(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusSuccess, records[0].Status)
	assert.Equal(t, res.TransactionID, records[0].Signature)
}

func swapAction(from, to, amount string) *session.Action {
	return &session.Action{Kind: session.KindSwap, Params: map[string]string{
		session.ParamFromToken: from,
		session.ParamToToken:   to,
		session.ParamAmount:    amount,
	}}
}

func TestSwapPercentageOfBalance(t *testing.T) {
	impact := 0.2
	swaps := &stubSwaps{quotes: []*route.Quote{{Provider: "jupiter", OutputAmount: 900_000, PriceImpactPct: &impact}}}
	f := newFixture(t, 0, WithSwapProvider(swaps))
	usdc := solana.MustPublicKeyFromBase58(web3.MintUSDC)
	f.chain.tokens[usdc] = 10_000_000

	action := &session.Action{Kind: session.KindSwap, Params: map[string]string{
		session.ParamFromToken:  "usdc",
		session.ParamToToken:    "SOL",
		session.ParamPercentage: "50",
	}}
	res := f.engine.Execute(context.Background(), 1, action)
	require.True(t, res.OK(), res.ErrorDetail)
	assert.Contains(t, res.Details, Detail{Label: "Sold", Value: "5 USDC"})
	assert.Empty(t, res.Warnings)
	require.Len(t, f.chain.submitted, 1)
	assert.False(t, f.chain.submitted[0].Signatures[0].IsZero())
}

func TestSwapWarnsOnHighImpact(t *testing.T) {
	impact := 3.5
	swaps := &stubSwaps{quotes: []*route.Quote{{Provider: "jupiter", OutputAmount: 1, PriceImpactPct: &impact}}}
	f := newFixture(t, lamportsPerSOL, WithSwapProvider(swaps))

	res := f.engine.Execute(context.Background(), 1, swapAction("SOL", "USDC", "0.1"))
	require.True(t, res.OK(), res.ErrorDetail)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "3.50%")
}

func TestSwapRequotesStaleQuote(t *testing.T) {
	swaps := &stubSwaps{quotes: []*route.Quote{{Provider: "jupiter", OutputAmount: 10}}}
	f := newFixture(t, lamportsPerSOL, WithSwapProvider(swaps))
	stale := f.now.Add(-time.Minute)
	swaps.quotes[0].FetchedAt = stale

	res := f.engine.Execute(context.Background(), 1, swapAction("SOL", "USDC", "0.1"))
	require.True(t, res.OK(), res.ErrorDetail)
	assert.Equal(t, 2, swaps.calls)
}

func TestSwapRejectsZeroOutputAndSameToken(t *testing.T) {
	swaps := &stubSwaps{quotes: []*route.Quote{{Provider: "jupiter", OutputAmount: 0}}}
	f := newFixture(t, lamportsPerSOL, WithSwapProvider(swaps))

	res := f.engine.Execute(context.Background(), 1, swapAction("SOL", "USDC", "0.1"))
	assert.Equal(t, StatusNoRoute, res.Status)

	res = f.engine.Execute(context.Background(), 1, swapAction("SOL", "sol", "0.1"))
	assert.Equal(t, StatusValidationFailed, res.Status)
	assert.Zero(t, f.chain.builds)
}

func TestSwapUnknownMintIsLookedUp(t *testing.T) {
	swaps := &stubSwaps{quotes: []*route.Quote{{Provider: "jupiter", OutputAmount: 10}}}
	f := newFixture(t, lamportsPerSOL, WithSwapProvider(swaps))
	mint := solana.NewWallet().PublicKey()
	f.chain.decimals[mint] = 5

	res := f.engine.Execute(context.Background(), 1, swapAction("SOL", mint.String(), "0.1"))
	require.True(t, res.OK(), res.ErrorDetail)

	res = f.engine.Execute(context.Background(), 1, swapAction("SOL", solana.NewWallet().PublicKey().String(), "0.1"))
	assert.Equal(t, StatusValidationFailed, res.Status)
}

func bridgeAction(amount, toChain string) *session.Action {
	return &session.Action{Kind: session.KindBridge, Params: map[string]string{
		session.ParamFromChain: "solana",
		session.ParamToChain:   toChain,
		session.ParamToAddress: "0x52908400098527886E0F7030069857D2E4169EE7",
		session.ParamAmount:    amount,
	}}
}

func legacyBridgeTx(owner solana.PublicKey) *bungee.TxData {
	return &bungee.TxData{Legacy: unsignedTransfer(owner, solana.NewWallet().PublicKey())}
}

func TestBridgeBelowMinimumMakesNoCall(t *testing.T) {
	bridges := &stubBridges{tx: legacyBridgeTx}
	f := newFixture(t, lamportsPerSOL, WithBridgeProvider(bridges))

	res := f.engine.Execute(context.Background(), 1, bridgeAction("0.01", "bsc"))
	assert.Equal(t, StatusNoRoute, res.Status)
	assert.Contains(t, res.ErrorDetail, "0.05")
	assert.Zero(t, bridges.quotes)
	assert.Zero(t, f.chain.builds)
}

func TestBridgePrefersAutoRoute(t *testing.T) {
	bridges := &stubBridges{
		tx: legacyBridgeTx,
		candidates: route.Candidates{
			Auto:   &route.Route{Shape: route.ShapeAuto, QuoteID: "auto-1", Name: "auto"},
			Manual: []route.Route{{Shape: route.ShapeManual, QuoteID: "manual-1", ReceivedUSD: big.NewFloat(999)}},
		},
	}
	f := newFixture(t, lamportsPerSOL, WithBridgeProvider(bridges))
	bridges.owner = f.key.PublicKey()

	res := f.engine.Execute(context.Background(), 1, bridgeAction("0.2", "BNB"))
	require.True(t, res.OK(), res.ErrorDetail)
	assert.Equal(t, []string{"auto-1"}, bridges.builtFor)
	assert.Contains(t, res.Details, Detail{Label: "Bridge tracking", Value: "bridge-123"})
	assert.Contains(t, res.Details, Detail{Label: "Receiver", Value: "0x52908400098527886E0F7030069857D2E4169EE7"})
}

func TestBridgeStructuredInstructions(t *testing.T) {
	extra := solana.NewWallet().PrivateKey
	table := solana.NewWallet().PublicKey()
	bridges := &stubBridges{
		candidates: route.Candidates{Manual: []route.Route{
			{Shape: route.ShapeManual, QuoteID: "low", ReceivedUSD: big.NewFloat(10)},
			{Shape: route.ShapeManual, QuoteID: "high", ReceivedUSD: big.NewFloat(12)},
		}},
		tx: func(owner solana.PublicKey) *bungee.TxData {
			return &bungee.TxData{
				Instructions: []bungee.Instruction{{
					ProgramID: solana.SystemProgramID,
					Accounts: []bungee.AccountMeta{
						{PublicKey: owner, IsSigner: true, IsWritable: true},
						{PublicKey: extra.PublicKey(), IsSigner: true, IsWritable: true},
					},
					Data: []byte{1, 2, 3},
				}},
				LookupTables: []solana.PublicKey{table},
				Signers:      []solana.PrivateKey{extra},
			}
		},
	}
	f := newFixture(t, lamportsPerSOL, WithBridgeProvider(bridges))
	bridges.owner = f.key.PublicKey()

	res := f.engine.Execute(context.Background(), 1, bridgeAction("all", "base"))
	require.True(t, res.OK(), res.ErrorDetail)
	assert.Equal(t, []string{"high"}, bridges.builtFor)
	tx := f.chain.submitted[0]
	require.Len(t, tx.Signatures, 2)
	assert.Equal(t, f.key.PublicKey(), tx.Message.AccountKeys[0])
	assert.Equal(t, solana.Hash{7}, tx.Message.RecentBlockhash)
}

func TestBridgeWithoutRoutes(t *testing.T) {
	bridges := &stubBridges{tx: legacyBridgeTx}
	f := newFixture(t, lamportsPerSOL, WithBridgeProvider(bridges))

	res := f.engine.Execute(context.Background(), 1, bridgeAction("0.5", "ethereum"))
	assert.Equal(t, StatusNoRoute, res.Status)
	assert.Contains(t, res.ErrorDetail, "amount too small")
	assert.Contains(t, res.Suggestion, "USDC on ethereum")
	assert.Equal(t, 1, bridges.quotes)
}

func TestBridgeValidation(t *testing.T) {
	bridges := &stubBridges{tx: legacyBridgeTx}
	f := newFixture(t, lamportsPerSOL, WithBridgeProvider(bridges))

	bad := bridgeAction("0.5", "narnia")
	assert.Equal(t, StatusValidationFailed, f.engine.Execute(context.Background(), 1, bad).Status)

	bad = bridgeAction("0.5", "ethereum")
	bad.Params[session.ParamToAddress] = "0x123"
	assert.Equal(t, StatusValidationFailed, f.engine.Execute(context.Background(), 1, bad).Status)

	bad = bridgeAction("0.5", "ethereum")
	bad.Params[session.ParamFromChain] = "base"
	assert.Equal(t, StatusValidationFailed, f.engine.Execute(context.Background(), 1, bad).Status)
	assert.Zero(t, bridges.quotes)
}

func TestExecuteRejectsNonExecutableKinds(t *testing.T) {
	f := newFixture(t, lamportsPerSOL)
	res := f.engine.Execute(context.Background(), 1, &session.Action{Kind: session.KindBalance})
	assert.False(t, res.OK())
}
