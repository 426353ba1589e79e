package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/hashicorp/go-multierror"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/web3"
	"github.com/freemell/merlintg/pkg/logger"
)

// Config describes the endpoint pool and the timing of a Client.
type Config struct {
	// Endpoints are tried in order; the first is the primary.
	Endpoints      []string
	Retry          RetryPolicy
	Commitment     string
	ConfirmTimeout time.Duration
	// GuardTimeout bounds how long Submit waits to learn the fate of an
	// earlier broadcast before it would build a replacement.
	GuardTimeout time.Duration
	PollInterval time.Duration
}

// Observer receives endpoint failures, e.g. for metrics.
type Observer interface {
	EndpointFailed(endpoint, operation string)
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger overrides the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers an endpoint failure observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

type endpoint struct {
	name string
	rpc  *gethrpc.Client
}

func (e *endpoint) call(ctx context.Context, result any, method string, args ...any) error {
	return classify(e.rpc.CallContext(ctx, result, method, args...))
}

func (e *endpoint) batch(ctx context.Context, elems []gethrpc.BatchElem) error {
	return classify(e.rpc.BatchCallContext(ctx, elems))
}

// Client is the pooled, resilient Solana JSON-RPC client. It holds one
// connection per endpoint for the lifetime of the process.
type Client struct {
	endpoints      []*endpoint
	retry          RetryPolicy
	commitment     string
	confirmTimeout time.Duration
	guardTimeout   time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
	observer       Observer
}

var _ web3.Chain = (*Client)(nil)

// NewClient dials every configured endpoint. Duplicate URLs are dropped.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		retry:          cfg.Retry.normalized(),
		commitment:     cfg.Commitment,
		confirmTimeout: cfg.ConfirmTimeout,
		guardTimeout:   cfg.GuardTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         logger.Named("solana"),
	}
	if c.commitment == "" {
		c.commitment = "confirmed"
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = 60 * time.Second
	}
	if c.guardTimeout <= 0 {
		c.guardTimeout = 90 * time.Second
	}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	seen := make(map[string]struct{})
	for i, raw := range cfg.Endpoints {
		rawURL := strings.TrimSpace(raw)
		if rawURL == "" {
			continue
		}
		if _, ok := seen[rawURL]; ok {
			continue
		}
		seen[rawURL] = struct{}{}
		rpcClient, err := gethrpc.DialContext(ctx, rawURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("连接 Solana 节点 %s 失败: %w", redact(rawURL, i), err)
		}
		c.endpoints = append(c.endpoints, &endpoint{name: redact(rawURL, i), rpc: rpcClient})
	}
	if len(c.endpoints) == 0 {
		return nil, errors.New("未配置 Solana RPC 地址")
	}
	return c, nil
}

// Close releases all endpoint connections.
func (c *Client) Close() {
	for _, ep := range c.endpoints {
		ep.rpc.Close()
	}
}

// Endpoints returns the host names of the pool in priority order.
func (c *Client) Endpoints() []string {
	names := make([]string, len(c.endpoints))
	for i, ep := range c.endpoints {
		names[i] = ep.name
	}
	return names
}

// Call performs a read against the pool: retried on the current endpoint,
// then the next one, until one succeeds.
func (c *Client) Call(ctx context.Context, result any, method string, args ...any) error {
	return c.do(ctx, method, func(ctx context.Context, ep *endpoint) error {
		return ep.call(ctx, result, method, args...)
	})
}

func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context, ep *endpoint) error) error {
	var failures *multierror.Error
	for _, ep := range c.endpoints {
		err := c.retry.Do(ctx, func(ctx context.Context) error { return fn(ctx, ep) })
		if err == nil {
			return nil
		}
		if terminal(err) || ctx.Err() != nil {
			return err
		}
		c.endpointFailed(ep, op, err)
		failures = multierror.Append(failures, fmt.Errorf("%s: %w", ep.name, err))
	}
	return xerrors.Wrap(xerrors.CodeNetworkFailed, failures.ErrorOrNil(), fmt.Sprintf("%s failed on every RPC endpoint", op),
		xerrors.WithSuggestion("The Solana network looks unreachable right now. Please try again in a minute."))
}

func (c *Client) endpointFailed(ep *endpoint, op string, err error) {
	c.logger.Warn("RPC 端点失败，切换下一个",
		slog.String("endpoint", ep.name),
		slog.String("operation", op),
		slog.Any("error", err))
	if c.observer != nil {
		c.observer.EndpointFailed(ep.name, op)
	}
}

// endpointConn pins a BuildFunc to the endpoint of the current attempt.
type endpointConn struct {
	c  *Client
	ep *endpoint
}

func (e endpointConn) Endpoint() string { return e.ep.name }

func (e endpointConn) LatestBlockhash(ctx context.Context) (web3.BlockRef, error) {
	var out struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	err := e.c.retry.Do(ctx, func(ctx context.Context) error {
		return e.ep.call(ctx, &out, "getLatestBlockhash", map[string]any{"commitment": e.c.commitment})
	})
	if err != nil {
		return web3.BlockRef{}, err
	}
	hash, err := solanago.HashFromBase58(out.Value.Blockhash)
	if err != nil {
		return web3.BlockRef{}, fmt.Errorf("解析 blockhash 失败: %w", err)
	}
	return web3.BlockRef{Blockhash: hash, LastValidBlockHeight: out.Value.LastValidBlockHeight}, nil
}

func (e endpointConn) LookupTable(ctx context.Context, table solanago.PublicKey) (solanago.PublicKeySlice, error) {
	var out accountInfo
	err := e.c.retry.Do(ctx, func(ctx context.Context) error {
		return e.ep.call(ctx, &out, "getAccountInfo", table.String(), map[string]any{"encoding": "base64", "commitment": e.c.commitment})
	})
	if err != nil {
		return nil, err
	}
	return parseLookupTable(table, out)
}

func redact(rawURL string, index int) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Sprintf("endpoint-%d", index)
	}
	return u.Host
}
