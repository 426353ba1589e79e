package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/freemell/merlintg/internal/aggregator/bungee"
	"github.com/freemell/merlintg/internal/amount"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/observability/alerting"
	"github.com/freemell/merlintg/internal/recipient"
	"github.com/freemell/merlintg/internal/route"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/internal/web3"
	"github.com/freemell/merlintg/pkg/logger"
)

// Keys hands out the signing key of a user.
type Keys interface {
	Get(ctx context.Context, userID int64) (solana.PrivateKey, error)
}

// Recipients resolves the recipient a user typed.
type Recipients interface {
	Resolve(ctx context.Context, form string) (recipient.Resolved, error)
}

// SwapProvider quotes and materializes swaps.
type SwapProvider interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*route.Quote, error)
	SwapTransaction(ctx context.Context, q *route.Quote, user solana.PublicKey) ([]byte, error)
}

// BridgeProvider quotes, materializes and tracks bridge transfers.
type BridgeProvider interface {
	Quote(ctx context.Context, req bungee.QuoteRequest) (route.Candidates, error)
	BuildTx(ctx context.Context, quoteID string) (*bungee.TxData, error)
	Status(ctx context.Context, txHash string) (string, error)
}

// Observer receives execution outcomes, e.g. for metrics.
type Observer interface {
	ExecutionFinished(kind string, status string, elapsed time.Duration)
}

// Config 汇总执行引擎的业务常量。
type Config struct {
	// FeeReserve is kept back, in lamports, when sending "all" SOL.
	FeeReserve uint64
	// MinBridgeAmount is the smallest bridge transfer in SOL.
	MinBridgeAmount     string
	PriceImpactWarnPct  float64
	QuoteMaxAge         time.Duration
	BridgeEstimatedTime string
	ExplorerURL         string
	StatusTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.FeeReserve == 0 {
		c.FeeReserve = 5000
	}
	if c.MinBridgeAmount == "" {
		c.MinBridgeAmount = "0.05"
	}
	if c.PriceImpactWarnPct <= 0 {
		c.PriceImpactWarnPct = 1
	}
	if c.QuoteMaxAge <= 0 {
		c.QuoteMaxAge = 30 * time.Second
	}
	if c.BridgeEstimatedTime == "" {
		c.BridgeEstimatedTime = "3-5 minutes"
	}
	if c.ExplorerURL == "" {
		c.ExplorerURL = "https://solscan.io/tx/"
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 10 * time.Second
	}
	return c
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRecipients sets the recipient resolver used by transfers.
func WithRecipients(r Recipients) Option {
	return func(e *Engine) { e.recipients = r }
}

// WithSwapProvider enables swaps.
func WithSwapProvider(p SwapProvider) Option {
	return func(e *Engine) { e.swaps = p }
}

// WithBridgeProvider enables bridging.
func WithBridgeProvider(p BridgeProvider) Option {
	return func(e *Engine) { e.bridges = p }
}

// WithRegistry overrides the built-in chain and token table.
func WithRegistry(r *web3.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithJournal records every execution attempt.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithObserver registers an execution observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithAlerter sends alert-worthy execution failures, e.g. an exhausted RPC
// pool, to the given dispatcher.
func WithAlerter(d alerting.Dispatcher) Option {
	return func(e *Engine) { e.alerter = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine validates and executes transfers, swaps and bridges.
type Engine struct {
	chain      web3.Chain
	keys       Keys
	recipients Recipients
	swaps      SwapProvider
	bridges    BridgeProvider
	registry   *web3.Registry
	journal    Journal
	observer   Observer
	alerter    alerting.Dispatcher
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Engine on top of chain, signing with keys.
func New(chain web3.Chain, keys Keys, cfg Config, opts ...Option) (*Engine, error) {
	if chain == nil {
		return nil, errors.New("engine 需要 Solana 客户端")
	}
	if keys == nil {
		return nil, errors.New("engine 需要托管服务")
	}
	e := &Engine{
		chain:    chain,
		keys:     keys,
		registry: web3.DefaultRegistry(),
		journal:  NewMemoryJournal(),
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("engine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if _, err := amount.ToBaseUnits(e.cfg.MinBridgeAmount, 9); err != nil {
		return nil, fmt.Errorf("MIN_BRIDGE_AMOUNT_SOL 无效: %w", err)
	}
	return e, nil
}

// Registry returns the chain table the engine validates against.
func (e *Engine) Registry() *web3.Registry {
	return e.registry
}

// Explorer returns the explorer link of a transaction.
func (e *Engine) Explorer(signature string) string {
	return e.cfg.ExplorerURL + signature
}

// Execute runs a complete executable action for userID. Failures are
// reported through the result, never as an error.
func (e *Engine) Execute(ctx context.Context, userID int64, action *session.Action) ExecutionResult {
	started := e.now()
	params := action.Params
	if params == nil {
		params = map[string]string{}
	}
	record := NewRecord(userID, action.Kind, params)
	if err := e.journal.Start(ctx, record); err != nil {
		e.logger.Error("写入执行流水失败", slog.String("id", record.ID), slog.Any("error", err))
	}

	var (
		res ExecutionResult
		err error
	)
	switch action.Kind {
	case session.KindTransfer:
		res, err = e.transfer(ctx, userID, params)
	case session.KindSwap:
		res, err = e.swap(ctx, userID, params)
	case session.KindBridge:
		res, err = e.bridge(ctx, userID, params)
	default:
		err = xerrors.New(xerrors.CodeUnknownIntent, fmt.Sprintf("%s is not an executable action", action.Kind))
	}
	if err != nil {
		res = failure(err)
		e.logFailure(userID, action.Kind, err)
		e.alert(ctx, record.ID, userID, action.Kind, err)
	}

	if ferr := e.journal.Finish(context.WithoutCancel(ctx), record.ID, res); ferr != nil {
		e.logger.Error("更新执行流水失败", slog.String("id", record.ID), slog.Any("error", ferr))
	}
	if e.observer != nil {
		e.observer.ExecutionFinished(string(action.Kind), string(res.Status), e.now().Sub(started))
	}
	logger.Audit().Info("execution finished",
		slog.String("id", record.ID),
		slog.Int64("user_id", userID),
		slog.String("kind", string(action.Kind)),
		slog.String("status", string(res.Status)),
		slog.String("signature", res.TransactionID))
	return res
}

func (e *Engine) logFailure(userID int64, kind session.Kind, err error) {
	attrs := []any{
		slog.Int64("user_id", userID),
		slog.String("kind", string(kind)),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	}
	if xerrors.ShouldAlert(err) {
		e.logger.Error("执行失败", attrs...)
		return
	}
	e.logger.Info("执行未完成", attrs...)
}

func (e *Engine) alert(ctx context.Context, id string, userID int64, kind session.Kind, err error) {
	if e.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Subject:    id,
		UserID:     userID,
		Metadata:   map[string]string{"kind": string(kind)},
		OccurredAt: e.now(),
	}
	if nerr := e.alerter.Notify(context.WithoutCancel(ctx), event); nerr != nil {
		e.logger.Warn("告警通知失败", slog.String("id", id), slog.Any("error", nerr))
	}
}

func (e *Engine) signer(ctx context.Context, userID int64) (solana.PrivateKey, error) {
	key, err := e.keys.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "no wallet found",
			xerrors.WithSuggestion("Create or import a wallet first."))
	}
	return key, nil
}

// asset is a Solana token resolved for swapping or bridging.
type asset struct {
	Symbol   string
	Mint     solana.PublicKey
	Decimals uint8
	Native   bool
}

// resolveAsset maps a symbol or mint address to a Solana asset. Decimals
// come from the token table; unknown mints are looked up on-chain.
func (e *Engine) resolveAsset(ctx context.Context, raw string) (asset, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return asset{}, xerrors.New(xerrors.CodeValidationFailed, "token is empty")
	}
	if tok, ok := e.registry.Token(web3.ChainSolana, value); ok {
		if tok.Native {
			return asset{Symbol: tok.Symbol, Mint: solana.MustPublicKeyFromBase58(web3.MintWSOL), Decimals: tok.Decimals, Native: true}, nil
		}
		mint, err := solana.PublicKeyFromBase58(tok.Address)
		if err != nil {
			return asset{}, fmt.Errorf("代币 %s 的 mint 配置无效: %w", tok.Symbol, err)
		}
		a := asset{Symbol: tok.Symbol, Mint: mint, Decimals: tok.Decimals}
		if a.Decimals == 0 {
			if a.Decimals, err = e.chain.TokenDecimals(ctx, mint); err != nil {
				return asset{}, err
			}
		}
		return a, nil
	}

	mint, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return asset{}, xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("unknown token %q", value),
			xerrors.WithSuggestion("Use a known symbol such as SOL, USDC or BONK, or paste the token mint address."))
	}
	if mint.String() == web3.MintWSOL {
		return asset{Symbol: "SOL", Mint: mint, Decimals: 9, Native: true}, nil
	}
	decimals, err := e.chain.TokenDecimals(ctx, mint)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			return asset{}, xerrors.Wrap(xerrors.CodeValidationFailed, err, fmt.Sprintf("%s is not a token mint", value))
		}
		return asset{}, err
	}
	return asset{Symbol: shortAddress(mint.String()), Mint: mint, Decimals: decimals}, nil
}

// balanceOf returns the spendable balance of a in base units.
func (e *Engine) balanceOf(ctx context.Context, owner solana.PublicKey, a asset) (uint64, error) {
	if a.Native {
		return e.chain.Balance(ctx, owner)
	}
	return e.chain.TokenBalance(ctx, owner, a.Mint)
}

// amountSpec reads a literal amount or a percentage from params.
func amountSpec(params map[string]string) (amount.Spec, error) {
	literal := strings.TrimSpace(params[session.ParamAmount])
	pct := strings.TrimSpace(params[session.ParamPercentage])
	switch {
	case literal != "" && pct != "":
		return amount.Spec{}, xerrors.New(xerrors.CodeValidationFailed, "give either an amount or a percentage, not both")
	case pct != "":
		bps, err := amount.ParsePercent(pct)
		if err != nil {
			return amount.Spec{}, err
		}
		return amount.Spec{Kind: amount.KindPercent, Bps: bps}, nil
	}
	return amount.Parse(literal)
}

// resolveAmount converts spec into base units of a and checks it against
// balance. reserve is withheld for "all".
func resolveAmount(spec amount.Spec, a asset, balance, reserve uint64) (uint64, error) {
	units, err := amount.Resolve(spec, a.Decimals, balance, reserve)
	if err != nil {
		return 0, err
	}
	if units > balance {
		return 0, xerrors.New(xerrors.CodeValidationFailed,
			fmt.Sprintf("insufficient balance. You have %s %s", amount.FormatFixed(balance, a.Decimals, 4), a.Symbol),
			xerrors.WithSuggestion("Send a smaller amount or top up your wallet."))
	}
	return units, nil
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}
