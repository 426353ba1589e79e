// Package bungee is a client for the Bungee cross-chain bridge aggregator.
package bungee

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

// DefaultBaseURL is the keyless public backend.
const DefaultBaseURL = "https://public-backend.bungee.exchange"

const (
	quotePath   = "/api/v1/bungee/quote"
	buildTxPath = "/api/v1/bungee/build-tx"
	statusPath  = "/api/v1/bungee/bridge-status"
)

// Config 描述 Bungee 客户端参数。
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// QuoteRequest describes one bridge transfer.
type QuoteRequest struct {
	OriginChainID      int64
	DestinationChainID int64
	InputToken         string
	OutputToken        string
	InputAmount        uint64
	UserAddress        string
	ReceiverAddress    string
}

// AccountMeta is one account of a structured instruction.
type AccountMeta struct {
	PublicKey  solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a provider-supplied instruction.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// TxData is a materialized route. Exactly one of Legacy or Instructions is
// set.
type TxData struct {
	// Legacy is a serialized transaction.
	Legacy       []byte
	Instructions []Instruction
	LookupTables []solana.PublicKey
	// Signers are ephemeral keys the provider requires besides the user's.
	Signers []solana.PrivateKey
}

// Client talks to the Bungee API.
type Client struct {
	http *resty.Client
}

// New creates a Bungee client.
func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := resty.New()
	if cfg.HTTPClient != nil {
		httpClient = resty.NewWithClient(cfg.HTTPClient)
	}
	httpClient.SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		httpClient.SetHeader("x-api-key", key)
	}
	return &Client{http: httpClient}
}

// Quote requests routes for req and decodes them.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (route.Candidates, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"originChainId":      strconv.FormatInt(req.OriginChainID, 10),
			"destinationChainId": strconv.FormatInt(req.DestinationChainID, 10),
			"inputToken":         req.InputToken,
			"outputToken":        req.OutputToken,
			"inputAmount":        strconv.FormatUint(req.InputAmount, 10),
			"userAddress":        req.UserAddress,
			"receiverAddress":    req.ReceiverAddress,
			"enableManual":       "true",
			"sort":               "output",
			"singleTxOnly":       "false",
			"refuel":             "false",
		}).
		Get(quotePath)
	if err != nil {
		return route.Candidates{}, xerrors.Wrap(xerrors.CodeNetworkFailed, err, "bridge quote request failed")
	}
	if resp.IsError() {
		return route.Candidates{}, httpError("bridge quote", resp)
	}
	return route.ParseBridgeQuote(resp.Body())
}

// BuildTx materializes the route identified by quoteID.
func (c *Client) BuildTx(ctx context.Context, quoteID string) (*TxData, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("quoteId", quoteID).
		Get(buildTxPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailed, err, "bridge build request failed")
	}
	if resp.IsError() {
		return nil, httpError("bridge build", resp)
	}
	return ParseTxData(resp.Body())
}

// Status returns the cross-chain tracking id of a submitted transaction,
// or "" when the provider does not know it yet.
func (c *Client) Status(ctx context.Context, txHash string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("txHash", txHash).
		Get(statusPath)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeNetworkFailed, err, "bridge status request failed")
	}
	if resp.IsError() {
		return "", httpError("bridge status", resp)
	}
	result := gjson.GetBytes(resp.Body(), "result")
	if result.IsArray() {
		result = result.Get("0")
	}
	for _, path := range []string{"bridgeTxId", "destinationData.txHash", "requestHash"} {
		if id := result.Get(path).String(); id != "" {
			return id, nil
		}
	}
	return "", nil
}

// ParseTxData decodes the txData of a build response: either a base64
// transaction or instructions with lookup tables and extra signers.
func ParseTxData(body []byte) (*TxData, error) {
	if !gjson.ValidBytes(body) {
		return nil, xerrors.New(xerrors.CodeNetworkFailed, "bridge provider returned a malformed build response")
	}
	txData := gjson.GetBytes(body, "result.txData")
	switch {
	case txData.Type == gjson.String:
		raw, err := base64.StdEncoding.DecodeString(txData.String())
		if err != nil {
			return nil, invalidTx(fmt.Errorf("解码交易失败: %w", err))
		}
		return &TxData{Legacy: raw}, nil
	case txData.IsObject() && txData.Get("instructions").IsArray():
		return parseStructured(txData)
	}
	return nil, invalidTx(fmt.Errorf("未知的 txData 结构"))
}

func parseStructured(txData gjson.Result) (*TxData, error) {
	out := &TxData{}
	for i, ix := range txData.Get("instructions").Array() {
		program, err := solana.PublicKeyFromBase58(ix.Get("programId").String())
		if err != nil {
			return nil, invalidTx(fmt.Errorf("指令 %d 的 programId 无效: %w", i, err))
		}
		data, err := base64.StdEncoding.DecodeString(ix.Get("data").String())
		if err != nil {
			return nil, invalidTx(fmt.Errorf("指令 %d 的 data 无效: %w", i, err))
		}
		instr := Instruction{ProgramID: program, Data: data}
		for _, key := range ix.Get("keys").Array() {
			pk, err := solana.PublicKeyFromBase58(key.Get("pubkey").String())
			if err != nil {
				return nil, invalidTx(fmt.Errorf("指令 %d 的账户无效: %w", i, err))
			}
			instr.Accounts = append(instr.Accounts, AccountMeta{
				PublicKey:  pk,
				IsSigner:   key.Get("isSigner").Bool(),
				IsWritable: key.Get("isWritable").Bool(),
			})
		}
		out.Instructions = append(out.Instructions, instr)
	}
	if len(out.Instructions) == 0 {
		return nil, invalidTx(fmt.Errorf("txData 不包含任何指令"))
	}

	for _, table := range txData.Get("lookupTables").Array() {
		pk, err := solana.PublicKeyFromBase58(table.String())
		if err != nil {
			return nil, invalidTx(fmt.Errorf("lookup table 地址无效: %w", err))
		}
		out.LookupTables = append(out.LookupTables, pk)
	}

	for _, secret := range txData.Get("signers").Array() {
		var bytes []byte
		if err := json.Unmarshal([]byte(secret.Raw), &bytes); err != nil || len(bytes) == 0 {
			var values []int
			if err := json.Unmarshal([]byte(secret.Raw), &values); err != nil {
				return nil, invalidTx(fmt.Errorf("附加签名者格式无效: %w", err))
			}
			bytes = make([]byte, len(values))
			for i, v := range values {
				bytes[i] = byte(v)
			}
		}
		if len(bytes) != 64 {
			return nil, invalidTx(fmt.Errorf("附加签名者长度错误: %d", len(bytes)))
		}
		out.Signers = append(out.Signers, solana.PrivateKey(bytes))
	}
	return out, nil
}

func invalidTx(cause error) error {
	return xerrors.Wrap(xerrors.CodeNoRoute, cause, "the bridge provider returned a transaction that cannot be signed",
		xerrors.WithSuggestion("Request a new quote and try again."))
}

func httpError(op string, resp *resty.Response) error {
	msg := gjson.GetBytes(resp.Body(), "message").String()
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	status := resp.StatusCode()
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusUnauthorized {
		return xerrors.New(xerrors.CodeNetworkFailed, fmt.Sprintf("%s returned HTTP %d: %s", op, status, msg))
	}
	return xerrors.New(xerrors.CodeNoRoute, fmt.Sprintf("%s rejected: %s", op, msg),
		xerrors.WithSuggestion("Try a larger amount or a different destination asset."))
}
