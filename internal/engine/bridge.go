package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/freemell/merlintg/internal/aggregator/bungee"
	"github.com/freemell/merlintg/internal/amount"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/route"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/internal/web3"
)

// bridgeRequest is a validated bridge action.
type bridgeRequest struct {
	from     web3.ChainInfo
	to       web3.ChainInfo
	receiver string
	in       asset
	out      web3.Token
	spec     amount.Spec
}

// bridge moves a Solana asset to an EVM chain through the bridge provider.
func (e *Engine) bridge(ctx context.Context, userID int64, params map[string]string) (ExecutionResult, error) {
	if e.bridges == nil {
		return ExecutionResult{}, xerrors.New(xerrors.CodeInitializationFailure, "bridge provider is not configured")
	}
	req, err := e.bridgeRequest(ctx, params)
	if err != nil {
		return ExecutionResult{}, err
	}
	minimum, _ := amount.ToBaseUnits(e.cfg.MinBridgeAmount, 9)
	if req.in.Native && req.spec.Kind == amount.KindLiteral {
		units, err := amount.ToBaseUnits(req.spec.Literal, req.in.Decimals)
		if err != nil {
			return ExecutionResult{}, err
		}
		if units < minimum {
			return ExecutionResult{}, e.belowMinimum(req)
		}
	}

	key, err := e.signer(ctx, userID)
	if err != nil {
		return ExecutionResult{}, err
	}
	owner := key.PublicKey()

	balance, err := e.balanceOf(ctx, owner, req.in)
	if err != nil {
		return ExecutionResult{}, err
	}
	var reserve uint64
	if req.in.Native {
		reserve = e.cfg.FeeReserve
	}
	units, err := resolveAmount(req.spec, req.in, balance, reserve)
	if err != nil {
		return ExecutionResult{}, err
	}
	if req.in.Native && units < minimum {
		return ExecutionResult{}, e.belowMinimum(req)
	}

	quoteReq := bungee.QuoteRequest{
		OriginChainID:      req.from.ID,
		DestinationChainID: req.to.ID,
		InputToken:         bridgeInputToken(req.in),
		OutputToken:        req.out.Address,
		InputAmount:        units,
		UserAddress:        owner.String(),
		ReceiverAddress:    req.receiver,
	}
	selected, quotedAt, err := e.bridgeRoute(ctx, req, quoteReq, units)
	if err != nil {
		return ExecutionResult{}, err
	}

	sig, err := e.chain.Submit(ctx, func(ctx context.Context, conn web3.Conn) (*web3.SignedTx, error) {
		if e.now().Sub(quotedAt) > e.cfg.QuoteMaxAge {
			fresh, at, err := e.bridgeRoute(ctx, req, quoteReq, units)
			if err != nil {
				return nil, err
			}
			selected, quotedAt = fresh, at
		}
		data, err := e.bridges.BuildTx(ctx, selected.QuoteID)
		if err != nil {
			return nil, err
		}
		return buildBridgeTx(ctx, conn, data, owner, key)
	})
	if err != nil {
		return ExecutionResult{}, err
	}

	res := ExecutionResult{Status: StatusSuccess, TransactionID: sig.String()}
	res.add("Amount", fmt.Sprintf("%s %s", amount.FormatUnits(units, req.in.Decimals), req.in.Symbol))
	res.add("Route", fmt.Sprintf("%s → %s (%s)", req.from.Name, req.to.Name, routeName(selected)))
	res.add("Receiver", req.receiver)
	res.add("Receive as", req.out.Symbol)
	estimated := selected.EstimatedTime
	if estimated == "" {
		estimated = e.cfg.BridgeEstimatedTime
	}
	res.add("Estimated time", estimated)
	res.add("Explorer", e.Explorer(sig.String()))
	if tracking := e.bridgeTracking(ctx, sig); tracking != "" {
		res.add("Bridge tracking", tracking)
	}
	return res, nil
}

// bridgeRequest validates chains, receiver, asset and amount.
func (e *Engine) bridgeRequest(ctx context.Context, params map[string]string) (bridgeRequest, error) {
	from, ok := e.registry.Chain(params[session.ParamFromChain])
	if !ok {
		return bridgeRequest{}, unknownChain(params[session.ParamFromChain], e.registry)
	}
	to, ok := e.registry.Chain(params[session.ParamToChain])
	if !ok {
		return bridgeRequest{}, unknownChain(params[session.ParamToChain], e.registry)
	}
	if from.Name != web3.ChainSolana {
		return bridgeRequest{}, xerrors.New(xerrors.CodeValidationFailed,
			fmt.Sprintf("bridging from %s is not supported", from.Name),
			xerrors.WithSuggestion("Your wallet lives on Solana, so bridges start from solana."))
	}
	if to.Type != web3.TypeEVM {
		return bridgeRequest{}, xerrors.New(xerrors.CodeValidationFailed,
			fmt.Sprintf("cannot bridge from %s to %s", from.Name, to.Name),
			xerrors.WithSuggestion("Pick an EVM destination such as ethereum, base or bsc."))
	}
	receiver, err := web3.NormalizeEVMAddress(params[session.ParamToAddress])
	if err != nil {
		return bridgeRequest{}, xerrors.Wrap(xerrors.CodeValidationFailed, err, "invalid destination address",
			xerrors.WithSuggestion(fmt.Sprintf("Send a 0x address on %s.", to.Name)))
	}

	symbol := strings.TrimSpace(params[session.ParamToken])
	if symbol == "" {
		symbol = from.NativeSymbol
	}
	in, err := e.resolveAsset(ctx, symbol)
	if err != nil {
		return bridgeRequest{}, err
	}
	out, ok := e.registry.Token(to.Name, in.Symbol)
	if !ok {
		out = to.Native()
	}

	spec, err := amountSpec(params)
	if err != nil {
		return bridgeRequest{}, err
	}
	return bridgeRequest{from: from, to: to, receiver: receiver, in: in, out: out, spec: spec}, nil
}

// bridgeRoute quotes req and selects the best executable route.
func (e *Engine) bridgeRoute(ctx context.Context, req bridgeRequest, quote bungee.QuoteRequest, units uint64) (route.Route, time.Time, error) {
	candidates, err := e.bridges.Quote(ctx, quote)
	if err != nil {
		return route.Route{}, time.Time{}, err
	}
	selected, ok := candidates.Select()
	if !ok {
		return route.Route{}, time.Time{}, route.NoRoute(candidates, e.hint(req, units))
	}
	e.logger.Info("已选择跨链路由",
		slog.String("shape", string(selected.Shape)),
		slog.String("quote_id", selected.QuoteID),
		slog.String("candidates", candidates.Summary()))
	return selected, e.now(), nil
}

func (e *Engine) hint(req bridgeRequest, units uint64) route.Hint {
	h := route.Hint{
		Symbol:       req.in.Symbol,
		DestChain:    req.to.Name,
		NativeOutput: req.out.Native,
	}
	if units > 0 {
		h.Amount = amount.FormatUnits(units, req.in.Decimals)
	} else {
		h.Amount = req.spec.String()
	}
	if req.in.Native {
		h.MinAmount = e.cfg.MinBridgeAmount
	}
	return h
}

func (e *Engine) belowMinimum(req bridgeRequest) error {
	return xerrors.New(xerrors.CodeNoRoute,
		fmt.Sprintf("bridge amount is below the minimum of %s %s", e.cfg.MinBridgeAmount, req.in.Symbol),
		xerrors.WithMetadata("requested", req.spec.String()),
		xerrors.WithSuggestion(fmt.Sprintf("Bridge at least %s %s.", e.cfg.MinBridgeAmount, req.in.Symbol)))
}

// bridgeTracking asks the provider for a cross-chain tracking id. It never
// fails the bridge.
func (e *Engine) bridgeTracking(ctx context.Context, sig solana.Signature) string {
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StatusTimeout)
	defer cancel()
	id, err := e.bridges.Status(statusCtx, sig.String())
	if err != nil {
		e.logger.Warn("查询跨链状态失败", slog.String("signature", sig.String()), slog.Any("error", err))
		return ""
	}
	return id
}

// buildBridgeTx turns provider tx data into a signed transaction. Structured
// payloads are compiled against a fresh blockhash from conn.
func buildBridgeTx(ctx context.Context, conn web3.Conn, data *bungee.TxData, payer solana.PublicKey, key solana.PrivateKey) (*web3.SignedTx, error) {
	signers := append([]solana.PrivateKey{key}, data.Signers...)
	if len(data.Legacy) > 0 {
		tx, err := decodeTx(data.Legacy)
		if err != nil {
			return nil, err
		}
		return signTx(tx, signers...)
	}
	if len(data.Instructions) == 0 {
		return nil, xerrors.New(xerrors.CodeNoRoute, "bridge provider returned no instructions")
	}

	instructions := make([]solana.Instruction, 0, len(data.Instructions))
	for _, ix := range data.Instructions {
		metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
		for _, acc := range ix.Accounts {
			metas = append(metas, solana.NewAccountMeta(acc.PublicKey, acc.IsWritable, acc.IsSigner))
		}
		instructions = append(instructions, solana.NewInstruction(ix.ProgramID, metas, ix.Data))
	}

	opts := []solana.TransactionOption{solana.TransactionPayer(payer)}
	if len(data.LookupTables) > 0 {
		tables := make(map[solana.PublicKey]solana.PublicKeySlice, len(data.LookupTables))
		for _, table := range data.LookupTables {
			addrs, err := conn.LookupTable(ctx, table)
			if err != nil {
				return nil, err
			}
			tables[table] = addrs
		}
		opts = append(opts, solana.TransactionAddressTables(tables))
	}

	ref, err := conn.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction(instructions, ref.Blockhash, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNoRoute, err, "bridge instructions cannot be compiled into a transaction")
	}
	return signTx(tx, signers...)
}

// bridgeInputToken is the aggregator id of a Solana asset.
func bridgeInputToken(a asset) string {
	if a.Native {
		return web3.NativeTokenAddress
	}
	return a.Mint.String()
}

func routeName(r route.Route) string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.Shape)
}

func unknownChain(raw string, registry *web3.Registry) error {
	return xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("unknown chain %q", raw),
		xerrors.WithSuggestion("Supported chains: "+strings.Join(registry.Names(), ", ")+"."))
}
