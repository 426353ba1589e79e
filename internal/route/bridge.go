package route

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

// Shape names the variant a bridge route was found in.
type Shape string

const (
	ShapeAuto    Shape = "auto"
	ShapeManual  Shape = "manual"
	ShapeDeposit Shape = "deposit"
	ShapeLegacy  Shape = "legacy"
)

// Route is one executable bridge path.
type Route struct {
	Shape   Shape
	QuoteID string
	Name    string
	// ReceivedUSD is the provider's estimate of the value delivered, if any.
	ReceivedUSD *big.Float
	// Output is the estimated output amount in destination base units, if any.
	Output        *big.Float
	EstimatedTime string
	Raw           string
}

// Candidates is the decoded bridge quote: every variant the response carried.
type Candidates struct {
	Auto    *Route
	Manual  []Route
	Deposit *Route
	Legacy  []Route
	// Ignored counts route objects that were dropped for lacking a quote id.
	Ignored int
}

// Empty reports whether no variant carried a usable route.
func (c Candidates) Empty() bool {
	return c.Auto == nil && len(c.Manual) == 0 && c.Deposit == nil && len(c.Legacy) == 0
}

// Summary describes what the response contained, for diagnostics.
func (c Candidates) Summary() string {
	return fmt.Sprintf("auto=%t manual=%d deposit=%t legacy=%d ignored=%d",
		c.Auto != nil, len(c.Manual), c.Deposit != nil, len(c.Legacy), c.Ignored)
}

// ParseBridgeQuote decodes a quote response. A provider-reported error is
// returned as NO_ROUTE carrying the provider text; a body that is not JSON
// is NETWORK_FAILED. An unrecognized but valid body yields empty Candidates.
func ParseBridgeQuote(body []byte) (Candidates, error) {
	if !gjson.ValidBytes(body) {
		return Candidates{}, xerrors.New(xerrors.CodeNetworkFailed, "bridge provider returned a malformed quote")
	}
	doc := gjson.ParseBytes(body)
	if msg := providerError(doc); msg != "" {
		return Candidates{}, xerrors.New(xerrors.CodeNoRoute, "bridge provider error: "+msg,
			xerrors.WithSuggestion("Try a larger amount or a different destination asset."))
	}

	var c Candidates
	result := doc.Get("result")
	switch {
	case result.IsObject():
		c.Auto = c.single(result.Get("autoRoute"), ShapeAuto)
		c.Manual = c.list(result.Get("manualRoutes"), ShapeManual)
		c.Deposit = c.single(result.Get("depositRoute"), ShapeDeposit)
		c.Legacy = c.list(result.Get("routes"), ShapeLegacy)
	case result.IsArray():
		c.Legacy = c.list(result, ShapeLegacy)
	case doc.IsArray():
		c.Legacy = c.list(doc, ShapeLegacy)
	default:
		c.Legacy = c.list(doc.Get("routes"), ShapeLegacy)
	}
	return c, nil
}

// Select returns the route to execute: auto, else the best manual route,
// else deposit, else the first legacy route.
func (c Candidates) Select() (Route, bool) {
	switch {
	case c.Auto != nil:
		return *c.Auto, true
	case len(c.Manual) > 0:
		ranked := append([]Route(nil), c.Manual...)
		sort.SliceStable(ranked, func(i, j int) bool { return better(ranked[i], ranked[j]) })
		return ranked[0], true
	case c.Deposit != nil:
		return *c.Deposit, true
	case len(c.Legacy) > 0:
		return c.Legacy[0], true
	}
	return Route{}, false
}

// better ranks by received USD value, then by estimated output. A route
// with a value beats one without.
func better(a, b Route) bool {
	if cmp, ok := compare(a.ReceivedUSD, b.ReceivedUSD); ok && cmp != 0 {
		return cmp > 0
	}
	cmp, _ := compare(a.Output, b.Output)
	return cmp > 0
}

func compare(a, b *big.Float) (int, bool) {
	switch {
	case a == nil && b == nil:
		return 0, false
	case b == nil:
		return 1, true
	case a == nil:
		return -1, true
	}
	return a.Cmp(b), true
}

func (c *Candidates) single(v gjson.Result, shape Shape) *Route {
	if !v.IsObject() {
		return nil
	}
	r, ok := decodeRoute(v, shape)
	if !ok {
		c.Ignored++
		return nil
	}
	return &r
}

func (c *Candidates) list(v gjson.Result, shape Shape) []Route {
	if !v.IsArray() {
		return nil
	}
	var out []Route
	for _, item := range v.Array() {
		if !item.IsObject() {
			c.Ignored++
			continue
		}
		if r, ok := decodeRoute(item, shape); ok {
			out = append(out, r)
		} else {
			c.Ignored++
		}
	}
	return out
}

func decodeRoute(v gjson.Result, shape Shape) (Route, bool) {
	id := first(v, "quoteId", "id", "routeId").String()
	if id == "" {
		return Route{}, false
	}
	return Route{
		Shape:         shape,
		QuoteID:       id,
		Name:          first(v, "name", "routeDetails.name", "integrator", "usedBridgeNames.0").String(),
		ReceivedUSD:   number(first(v, "effectiveReceivedInUsd", "output.effectiveReceivedInUsd", "outputValueInUsd")),
		Output:        number(first(v, "estimatedOutput", "output.amount", "outputAmount", "toAmount")),
		EstimatedTime: first(v, "estimatedTime", "serviceTime").String(),
		Raw:           v.Raw,
	}, true
}

func first(v gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		r := v.Get(p)
		if r.Type == gjson.Null || r.Type == gjson.False {
			continue
		}
		if r.String() != "" {
			return r
		}
	}
	return gjson.Result{}
}

// number accepts JSON numbers and numeric strings alike.
func number(v gjson.Result) *big.Float {
	if !v.Exists() {
		return nil
	}
	f, ok := new(big.Float).SetString(strings.TrimSpace(v.String()))
	if !ok {
		return nil
	}
	return f
}

func providerError(doc gjson.Result) string {
	if doc.Get("success").Type == gjson.False {
		if msg := first(doc, "message", "error", "result.error").String(); msg != "" {
			return msg
		}
		return "request was not successful"
	}
	if msg := first(doc, "error.message", "error", "result.error").String(); msg != "" {
		return msg
	}
	return ""
}

// Hint carries request context for a NoRoute diagnostic.
type Hint struct {
	Amount       string
	Symbol       string
	DestChain    string
	MinAmount    string
	NativeOutput bool
}

// NoRoute explains why a quote yielded nothing executable and what to try.
func NoRoute(c Candidates, h Hint) error {
	var b strings.Builder
	b.WriteString("No bridge routes available for this transaction. Likely causes: amount too small")
	if h.MinAmount != "" {
		fmt.Fprintf(&b, " (minimum about %s %s)", h.MinAmount, h.Symbol)
	}
	b.WriteString(", unsupported token pair, or low liquidity.")

	suggestion := "Try a larger amount"
	if h.NativeOutput && h.DestChain != "" {
		suggestion += fmt.Sprintf(", or bridge to USDC on %s instead for better liquidity", h.DestChain)
	}
	suggestion += "."
	return xerrors.New(xerrors.CodeNoRoute, b.String(),
		xerrors.WithMetadata("candidates", c.Summary()),
		xerrors.WithMetadata("requested", strings.TrimSpace(h.Amount+" "+h.Symbol)),
		xerrors.WithSuggestion(suggestion))
}
