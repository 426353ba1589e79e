package recipient

import (
	"context"
	"fmt"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

// DefaultSNSURL is the public Bonfida SNS proxy.
const DefaultSNSURL = "https://sns-sdk-proxy.bonfida.workers.dev"

// SNSClient resolves .sol domains through an SNS proxy.
type SNSClient struct {
	http *resty.Client
}

var _ DomainResolver = (*SNSClient)(nil)

type snsResponse struct {
	S      string `json:"s"`
	Result string `json:"result"`
}

// NewSNSClient creates a client for baseURL.
func NewSNSClient(baseURL string, timeout time.Duration) *SNSClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultSNSURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &SNSClient{http: client}
}

// ResolveDomain 实现 DomainResolver 接口。
func (c *SNSClient) ResolveDomain(ctx context.Context, domain string) (solana.PublicKey, error) {
	name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".sol")
	var out snsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetResult(&out).
		Get("/resolve/{name}")
	if err != nil {
		return solana.PublicKey{}, xerrors.Wrap(xerrors.CodeNetworkFailed, err, "SNS lookup failed",
			xerrors.WithSuggestion("Try again, or send the wallet address directly."))
	}
	notFound := xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("domain %s.sol is not registered", name),
		xerrors.WithSuggestion("Check the spelling, or send the wallet address directly."))
	switch {
	case resp.StatusCode() == 404:
		return solana.PublicKey{}, notFound
	case resp.IsError():
		return solana.PublicKey{}, xerrors.New(xerrors.CodeNetworkFailed,
			fmt.Sprintf("SNS lookup returned HTTP %d", resp.StatusCode()))
	case out.S != "ok" || out.Result == "":
		return solana.PublicKey{}, notFound
	}

	addr, err := solana.PublicKeyFromBase58(out.Result)
	if err != nil {
		return solana.PublicKey{}, xerrors.Wrap(xerrors.CodeNotFound, err,
			fmt.Sprintf("domain %s.sol does not point to a wallet", name))
	}
	return addr, nil
}
