package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/freemell/merlintg/internal/amount"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/route"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/internal/web3"
)

// swap exchanges one Solana token for another through the swap provider.
func (e *Engine) swap(ctx context.Context, userID int64, params map[string]string) (ExecutionResult, error) {
	if e.swaps == nil {
		return ExecutionResult{}, xerrors.New(xerrors.CodeInitializationFailure, "swap provider is not configured")
	}
	spec, err := amountSpec(params)
	if err != nil {
		return ExecutionResult{}, err
	}
	in, err := e.resolveAsset(ctx, params[session.ParamFromToken])
	if err != nil {
		return ExecutionResult{}, err
	}
	out, err := e.resolveAsset(ctx, params[session.ParamToToken])
	if err != nil {
		return ExecutionResult{}, err
	}
	if in.Mint.Equals(out.Mint) {
		return ExecutionResult{}, xerrors.New(xerrors.CodeValidationFailed,
			fmt.Sprintf("cannot swap %s for itself", in.Symbol),
			xerrors.WithSuggestion("Pick two different tokens."))
	}

	key, err := e.signer(ctx, userID)
	if err != nil {
		return ExecutionResult{}, err
	}
	owner := key.PublicKey()

	balance, err := e.balanceOf(ctx, owner, in)
	if err != nil {
		return ExecutionResult{}, err
	}
	var reserve uint64
	if in.Native {
		reserve = e.cfg.FeeReserve
	}
	units, err := resolveAmount(spec, in, balance, reserve)
	if err != nil {
		return ExecutionResult{}, err
	}

	quote, err := e.swapQuote(ctx, in, out, units)
	if err != nil {
		return ExecutionResult{}, err
	}

	sig, err := e.chain.Submit(ctx, func(ctx context.Context, _ web3.Conn) (*web3.SignedTx, error) {
		if quote.Stale(e.now(), e.cfg.QuoteMaxAge) {
			fresh, err := e.swapQuote(ctx, in, out, units)
			if err != nil {
				return nil, err
			}
			quote = fresh
		}
		raw, err := e.swaps.SwapTransaction(ctx, quote, owner)
		if err != nil {
			return nil, err
		}
		tx, err := decodeTx(raw)
		if err != nil {
			return nil, err
		}
		return signTx(tx, key)
	})
	if err != nil {
		return ExecutionResult{}, err
	}

	res := ExecutionResult{Status: StatusSuccess, TransactionID: sig.String()}
	res.add("Sold", fmt.Sprintf("%s %s", amount.FormatUnits(quote.InputAmount, in.Decimals), in.Symbol))
	res.add("Received (est.)", fmt.Sprintf("%s %s", amount.FormatUnits(quote.OutputAmount, out.Decimals), out.Symbol))
	if quote.PriceImpactPct != nil {
		res.add("Price impact", strconv.FormatFloat(*quote.PriceImpactPct, 'f', 2, 64)+"%")
	}
	if quote.RouteID != "" {
		res.add("Route", quote.RouteID)
	}
	res.add("Explorer", e.Explorer(sig.String()))
	if quote.HighImpact(e.cfg.PriceImpactWarnPct) {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("High price impact: %.2f%%. You received noticeably less than the market rate.", *quote.PriceImpactPct))
	}
	return res, nil
}

func (e *Engine) swapQuote(ctx context.Context, in, out asset, units uint64) (*route.Quote, error) {
	quote, err := e.swaps.Quote(ctx, in.Mint.String(), out.Mint.String(), units)
	if err != nil {
		return nil, err
	}
	if err := route.ValidateSwapQuote(quote); err != nil {
		return nil, err
	}
	if quote.FetchedAt.IsZero() {
		quote.FetchedAt = e.now()
	}
	return quote, nil
}
