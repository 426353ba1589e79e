package intent

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/freemell/merlintg/internal/llm"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/pkg/logger"
)

// Source 标识输入的来源。
type Source int

const (
	SourceText Source = iota
	SourceCommand
	SourceCallback
)

// Input is one raw user input.
type Input struct {
	Source Source
	Text   string
	// ReplyTo carries the text of a replied-to message as NLU context.
	ReplyTo string
}

// Replies used when the NLU cannot produce an intent.
const (
	ReplyNLUUnavailable   = "Sorry, I'm having trouble understanding right now. Please try again later, or use the menu buttons."
	ReplyNLUMissing       = "Natural language is not configured. Use the menu buttons or /help."
	ReplyStakeUnsupported = "Staking is not supported yet. I can check balances, send, swap and bridge SOL."
)

// Resolver 将命令、按钮回调和自由文本解析为结构化动作。
type Resolver struct {
	nlu    llm.Client
	logger *slog.Logger
}

// NewResolver 创建解析器。nlu 为空时自由文本一律降级为 Chat。
func NewResolver(nlu llm.Client) *Resolver {
	return &Resolver{nlu: nlu, logger: logger.Named("intent")}
}

// Resolve maps an input to an action. It never fails: anything that cannot
// be understood becomes a Chat action.
func (r *Resolver) Resolve(ctx context.Context, in Input) *session.Action {
	text := strings.TrimSpace(in.Text)
	switch in.Source {
	case SourceCommand:
		return fromCommand(text)
	case SourceCallback:
		return fromCallback(text)
	}
	if IsCancel(text) {
		return &session.Action{Kind: session.KindCancel, RawText: text}
	}
	if strings.HasPrefix(text, "/") {
		return fromCommand(text)
	}
	return r.fromText(ctx, text, in.ReplyTo)
}

// IsCancel reports whether text asks to abandon the current operation.
func IsCancel(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "cancel", "/cancel", "stop", "abort":
		return true
	}
	return false
}

// ParseCommand splits "/cmd@bot args" into its name and arguments.
func ParseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, args, _ := strings.Cut(text, " ")
	name, _, _ := strings.Cut(strings.TrimPrefix(head, "/"), "@")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func fromCommand(text string) *session.Action {
	name, _ := ParseCommand(text)
	action := &session.Action{RawText: text}
	switch name {
	case "start":
		action.Kind = session.KindStart
	case "help":
		action.Kind = session.KindHelp
	case "balance":
		action.Kind = session.KindBalance
	case "history", "tx":
		action.Kind = session.KindHistory
	case "wallet", "connect":
		action.Kind = session.KindConnect
	case "cancel":
		action.Kind = session.KindCancel
	case "menu":
		action.Kind = session.KindMenu
		action.Params = map[string]string{session.ParamMenu: "main"}
	case "settings":
		action.Kind = session.KindSettings
	default:
		action.Kind = session.KindHelp
		action.Reply = "Unknown command. Use /help to see available commands."
	}
	return action
}

func fromCallback(data string) *session.Action {
	action := &session.Action{RawText: data}
	switch data {
	case "balance":
		action.Kind = session.KindBalance
	case "send":
		action.Kind = session.KindTransfer
	case "swap":
		action.Kind = session.KindSwap
	case "bridge":
		action.Kind = session.KindBridge
		// only Solana-sourced bridges are supported
		action.Params = map[string]string{session.ParamFromChain: "solana"}
	case "history":
		action.Kind = session.KindHistory
	case "settings":
		action.Kind = session.KindSettings
	case "create_wallet":
		action.Kind = session.KindCreateWallet
	case "import_wallet":
		action.Kind = session.KindImportWallet
	case "connect":
		action.Kind = session.KindConnect
	case "cancel":
		action.Kind = session.KindCancel
	case "main_menu", "back":
		action.Kind = session.KindMenu
		action.Params = map[string]string{session.ParamMenu: "main"}
	case "wallet_menu":
		action.Kind = session.KindMenu
		action.Params = map[string]string{session.ParamMenu: "wallet"}
	default:
		action.Kind = session.KindMenu
		action.Params = map[string]string{session.ParamMenu: "main"}
		action.Reply = "Unknown action. Try again."
	}
	return action
}

func (r *Resolver) fromText(ctx context.Context, text, replyTo string) *session.Action {
	if r.nlu == nil {
		return chat(text, ReplyNLUMissing)
	}
	resp, err := r.nlu.Generate(ctx, llm.Request{Text: text, ReplyTo: replyTo})
	if err != nil {
		if errors.Is(err, llm.ErrMalformed) && resp != nil && resp.Raw != "" {
			r.logger.Debug("模型输出不是意图 JSON，按闲聊处理", slog.String("raw", resp.Raw))
			return chat(text, resp.Raw)
		}
		r.logger.Warn("调用 NLU 失败", slog.Any("error", err))
		return chat(text, ReplyNLUUnavailable)
	}
	if resp == nil {
		return chat(text, ReplyNLUUnavailable)
	}

	kind, ok := kindOf(resp.Action)
	if !ok {
		reply := resp.Reply
		if reply == "" {
			reply = resp.Raw
		}
		return chat(text, reply)
	}
	if resp.Action == "stake" {
		return chat(text, ReplyStakeUnsupported)
	}
	return &session.Action{
		Kind:    kind,
		Params:  normalizeParams(kind, resp.Params),
		RawText: text,
		Reply:   resp.Reply,
	}
}

func chat(text, reply string) *session.Action {
	return &session.Action{Kind: session.KindChat, RawText: text, Reply: reply}
}

func kindOf(action string) (session.Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "connect", "wallet":
		return session.KindConnect, true
	case "create_wallet":
		return session.KindCreateWallet, true
	case "import_wallet":
		return session.KindImportWallet, true
	case "send", "transfer":
		return session.KindTransfer, true
	case "balance":
		return session.KindBalance, true
	case "swap", "buy", "sell":
		return session.KindSwap, true
	case "bridge":
		return session.KindBridge, true
	case "tx", "history":
		return session.KindHistory, true
	case "chat", "stake":
		return session.KindChat, true
	}
	return "", false
}

// normalizeParams maps NLU parameter names onto the canonical ones.
func normalizeParams(kind session.Kind, raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for name, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch name {
		case "to", "domain", "address":
			if kind == session.KindBridge {
				out[session.ParamToAddress] = value
				continue
			}
			out[session.ParamRecipient] = value
		case "toUsername", "username":
			out[session.ParamRecipient] = "@" + strings.TrimPrefix(value, "@")
		case "percentage", "percent":
			out[session.ParamPercentage] = strings.TrimSuffix(value, "%")
		case "amount":
			if strings.HasSuffix(value, "%") {
				out[session.ParamPercentage] = strings.TrimSpace(strings.TrimSuffix(value, "%"))
				continue
			}
			out[session.ParamAmount] = value
		case "fromToken":
			if kind == session.KindBridge {
				out[session.ParamToken] = value
				continue
			}
			out[session.ParamFromToken] = value
		default:
			out[name] = value
		}
	}
	if out[session.ParamPercentage] != "" {
		// "sell 50% BONK" often arrives with a placeholder amount
		delete(out, session.ParamAmount)
	}
	return out
}
