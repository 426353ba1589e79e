package route

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

// Quote is a priced offer from a swap or bridge provider. Amounts are in
// base units of the respective asset.
type Quote struct {
	Provider       string
	InputAmount    uint64
	OutputAmount   uint64
	PriceImpactPct *float64
	RouteID        string
	Raw            json.RawMessage
	FetchedAt      time.Time
}

// Stale reports whether the quote is older than maxAge at now.
func (q Quote) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return q.FetchedAt.IsZero() || now.Sub(q.FetchedAt) > maxAge
}

// HighImpact reports whether the price impact exceeds thresholdPct.
func (q Quote) HighImpact(thresholdPct float64) bool {
	return q.PriceImpactPct != nil && *q.PriceImpactPct > thresholdPct
}

// ValidateSwapQuote rejects quotes that would not deliver anything.
func ValidateSwapQuote(q *Quote) error {
	if q == nil {
		return xerrors.New(xerrors.CodeNoRoute, "the swap provider returned no quote")
	}
	if q.OutputAmount == 0 {
		return xerrors.New(xerrors.CodeNoRoute,
			fmt.Sprintf("%s quoted zero output for this swap", q.Provider),
			xerrors.WithSuggestion("Try a larger amount or a more liquid token pair."))
	}
	if q.InputAmount == 0 {
		return xerrors.New(xerrors.CodeValidationFailed, "swap amount resolved to zero")
	}
	return nil
}
