package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Request 描述发送给 NLU 模型的一轮对话。
type Request struct {
	Text string
	// ReplyTo is the text of the message the user replied to, if any.
	ReplyTo string
}

// Response 是模型返回的结构化意图。
type Response struct {
	Action string
	Params map[string]string
	Reply  string
	// Raw is the untouched completion text.
	Raw string
}

// Client 定义了调用 NLU 模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ErrMalformed marks a completion that is not a well-formed intent payload.
var ErrMalformed = errors.New("模型输出不是合法的意图 JSON")

// Decode parses a completion of the form
// {"action": string, "params": object, "response": string}. Markdown code
// fences and surrounding prose are tolerated. Parameter values are rendered
// as strings; numbers keep their literal digits.
func Decode(content string) (*Response, error) {
	raw := strings.TrimSpace(content)
	body := raw
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	} else {
		return nil, ErrMalformed
	}

	var payload struct {
		Action   string                     `json:"action"`
		Params   map[string]json.RawMessage `json:"params"`
		Response string                     `json:"response"`
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(payload.Action) == "" {
		return nil, fmt.Errorf("%w: 缺少 action 字段", ErrMalformed)
	}

	params := make(map[string]string, len(payload.Params))
	for name, value := range payload.Params {
		if text, ok := scalar(value); ok && text != "" {
			params[name] = text
		}
	}
	return &Response{
		Action: strings.ToLower(strings.TrimSpace(payload.Action)),
		Params: params,
		Reply:  strings.TrimSpace(payload.Response),
		Raw:    raw,
	}, nil
}

func scalar(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return strings.TrimSpace(s), true
	case '{', '[':
		return "", false
	}
	// numbers and booleans keep their literal form
	return string(raw), true
}

// Fallback tries each client in order and returns the first answer.
type Fallback []Client

// Generate 实现 Client 接口。
func (f Fallback) Generate(ctx context.Context, req Request) (*Response, error) {
	if len(f) == 0 {
		return nil, errors.New("未配置任何 NLU 模型")
	}
	var errs *multierror.Error
	for _, client := range f {
		if client == nil {
			continue
		}
		resp, err := client.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		// a malformed answer is still an answer
		if errors.Is(err, ErrMalformed) && resp != nil {
			return resp, err
		}
		errs = multierror.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs.ErrorOrNil()
}

// SystemPrompt instructs the model to answer with an intent payload.
const SystemPrompt = `You are Merlin, a Solana wallet assistant inside a chat app. You help users with blockchain operations through natural conversation.

Parse each message into exactly one action:
- connect: show the user's wallet
- create_wallet: create a new wallet
- import_wallet: import an existing wallet (param: privateKey)
- send: send SOL (params: amount or percentage, and one of to (address), domain (.sol name) or toUsername (without @))
- balance: check the SOL balance
- swap: swap tokens (params: fromToken, toToken, amount or percentage)
- bridge: bridge tokens between chains (params: fromChain, toChain, token, amount or percentage, toAddress)
- stake: stake SOL (param: amount)
- tx: show recent transactions
- chat: anything else

Interpretation rules:
- "buy <token>" means swap SOL for that token; "sell <token>" means swap that token for SOL.
- "all" or "max" as an amount means the full balance; "50%" means percentage 50.
- Tokens may be symbols (SOL, USDC) or mint addresses.
- A .sol name goes into "domain"; an @mention goes into "toUsername".

Always answer with one JSON object and nothing else:
{"action": "action_name", "params": {"name": "value"}, "response": "short natural language reply"}`
