// Package jupiter is a client for the Jupiter swap aggregator.
package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/route"
)

// ProviderName identifies Jupiter quotes.
const ProviderName = "jupiter"

// DefaultBaseURL is the public v6 API.
const DefaultBaseURL = "https://quote-api.jup.ag/v6"

// Config 描述 Jupiter 客户端参数。
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	SlippageBps int
	HTTPClient  *http.Client
}

// Client requests quotes and swap transactions.
type Client struct {
	http        *resty.Client
	slippageBps int
	now         func() time.Time
}

// New creates a Jupiter client.
func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 50
	}
	httpClient := resty.New()
	if cfg.HTTPClient != nil {
		httpClient = resty.NewWithClient(cfg.HTTPClient)
	}
	httpClient.SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: httpClient, slippageBps: cfg.SlippageBps, now: time.Now}
}

// Quote prices a swap of amount base units of inputMint into outputMint.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*route.Quote, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":   inputMint,
			"outputMint":  outputMint,
			"amount":      strconv.FormatUint(amount, 10),
			"slippageBps": strconv.Itoa(c.slippageBps),
			"swapMode":    "ExactIn",
		}).
		Get("/quote")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailed, err, "swap quote request failed")
	}
	body := resp.Body()
	if resp.IsError() {
		return nil, classifyError(resp.StatusCode(), body)
	}
	if !gjson.ValidBytes(body) {
		return nil, xerrors.New(xerrors.CodeNetworkFailed, "swap provider returned a malformed quote")
	}

	doc := gjson.ParseBytes(body)
	in, err := strconv.ParseUint(doc.Get("inAmount").String(), 10, 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNoRoute, err, "swap quote has no input amount")
	}
	out, err := strconv.ParseUint(doc.Get("outAmount").String(), 10, 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNoRoute, err, "swap quote has no output amount")
	}
	q := &route.Quote{
		Provider:     ProviderName,
		InputAmount:  in,
		OutputAmount: out,
		RouteID:      routeLabel(doc),
		Raw:          json.RawMessage(body),
		FetchedAt:    c.now(),
	}
	// priceImpactPct is a fraction, e.g. "0.012" for 1.2%
	if impact := doc.Get("priceImpactPct"); impact.Exists() && impact.String() != "" {
		pct := impact.Float() * 100
		q.PriceImpactPct = &pct
	}
	return q, nil
}

// SwapTransaction asks Jupiter to materialize q for user. The returned
// bytes are an unsigned serialized transaction.
func (c *Client) SwapTransaction(ctx context.Context, q *route.Quote, user solana.PublicKey) ([]byte, error) {
	if q == nil || len(q.Raw) == 0 {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "swap quote is missing")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"quoteResponse":             q.Raw,
			"userPublicKey":             user.String(),
			"wrapAndUnwrapSol":          true,
			"dynamicComputeUnitLimit":   true,
			"prioritizationFeeLamports": "auto",
		}).
		Post("/swap")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailed, err, "swap build request failed")
	}
	if resp.IsError() {
		return nil, classifyError(resp.StatusCode(), resp.Body())
	}
	encoded := gjson.GetBytes(resp.Body(), "swapTransaction").String()
	if encoded == "" {
		return nil, xerrors.New(xerrors.CodeNoRoute, "swap provider returned no transaction")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNoRoute, err, "swap transaction is not valid base64")
	}
	return raw, nil
}

func routeLabel(doc gjson.Result) string {
	var labels []string
	for _, l := range doc.Get("routePlan.#.swapInfo.label").Array() {
		if s := l.String(); s != "" {
			labels = append(labels, s)
		}
	}
	return strings.Join(labels, " → ")
}

func classifyError(status int, body []byte) error {
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	code := gjson.GetBytes(body, "errorCode").String()
	if status >= 500 || status == http.StatusTooManyRequests {
		return xerrors.New(xerrors.CodeNetworkFailed, fmt.Sprintf("swap provider returned HTTP %d: %s", status, msg))
	}
	if strings.Contains(code, "ROUTE") || strings.Contains(strings.ToLower(msg), "route") ||
		code == "TOKEN_NOT_TRADABLE" {
		return xerrors.New(xerrors.CodeNoRoute, "swap provider found no route: "+msg,
			xerrors.WithSuggestion("Try a larger amount or a more liquid token pair."))
	}
	return xerrors.New(xerrors.CodeValidationFailed, "swap request rejected: "+msg,
		xerrors.WithSuggestion("Check the token symbols or mint addresses."))
}
