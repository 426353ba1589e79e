package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	solana "github.com/gagliardetto/solana-go"

	"github.com/freemell/merlintg/internal/amount"
	"github.com/freemell/merlintg/internal/engine"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/internal/web3"
)

// immediate answers actions that need no parameter collection.
func (a *Agent) immediate(ctx context.Context, t turn, action *session.Action) []Reply {
	switch action.Kind {
	case session.KindStart:
		return a.start(ctx, t)
	case session.KindHelp:
		return []Reply{t.reply(helpText(action.Reply), MainMenu())}
	case session.KindMenu:
		if action.Params[session.ParamMenu] == "wallet" {
			return []Reply{t.reply("👛 Wallet options:", WalletMenu())}
		}
		text := "🧙 What would you like to do?"
		if action.Reply != "" {
			text = action.Reply + "\n\n" + text
		}
		return []Reply{t.reply(text, MainMenu())}
	case session.KindBalance:
		return a.balance(ctx, t)
	case session.KindHistory:
		return a.history(ctx, t)
	case session.KindConnect:
		return a.connect(ctx, t)
	case session.KindCreateWallet:
		return a.createWallet(ctx, t)
	case session.KindSettings:
		return a.settings(ctx, t)
	}

	reply := strings.TrimSpace(action.Reply)
	if reply == "" {
		reply = "🤔 I'm not sure what you mean. Try \"check my balance\" or \"send 0.1 SOL to @alice\"."
	}
	return []Reply{t.reply(reply, MainMenu())}
}

func (a *Agent) start(ctx context.Context, t turn) []Reply {
	addr, err := a.wallets.Address(ctx, t.update.UserID)
	if err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound) {
		return a.failed(t, "Could not load your wallet", err)
	}
	status, kb := "⚠️ No wallet found. Create or import one to get started.", WalletMenu()
	if err == nil {
		status, kb = "✅ Wallet connected: "+addr.String(), MainMenu()
	}
	return []Reply{t.reply("🧙‍♂️ Welcome to Merlin!\n\nYour Solana Blockchain Assistant\n\n"+status+
		"\n\nUse the buttons below to interact, or chat with me naturally!", kb)}
}

func helpText(prefix string) string {
	text := "🧙 Merlin can:\n\n" +
		"• Check your balance: \"what's my balance?\"\n" +
		"• Send SOL: \"send 0.5 SOL to bob.sol\" or \"send 1 SOL to @alice\"\n" +
		"• Swap tokens: \"swap 50% of my USDC to SOL\"\n" +
		"• Bridge: \"bridge 0.2 SOL to base 0x…\"\n" +
		"• Show history: /history\n\n" +
		"Commands: /start /balance /history /wallet /cancel /help"
	if prefix != "" {
		text = prefix + "\n\n" + text
	}
	return text
}

func (a *Agent) noWallet(t turn) string {
	if t.update.Group {
		bot := "me"
		if a.cfg.BotUsername != "" {
			bot = "@" + a.cfg.BotUsername
		}
		return fmt.Sprintf("❌ You need to create a wallet first! Say \"%s create wallet\" or use /start to create your wallet.", bot)
	}
	return "❌ No wallet found. Please create or import a wallet first."
}

// address returns the wallet of the user, or the replies to send instead.
func (a *Agent) address(ctx context.Context, t turn) (solana.PublicKey, []Reply) {
	addr, err := a.wallets.Address(ctx, t.update.UserID)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			return solana.PublicKey{}, []Reply{t.reply(a.noWallet(t), WalletMenu())}
		}
		return solana.PublicKey{}, a.failed(t, "Could not load your wallet", err)
	}
	return addr, nil
}

func (a *Agent) balance(ctx context.Context, t turn) []Reply {
	addr, replies := a.address(ctx, t)
	if replies != nil {
		return replies
	}
	lamports, err := a.ledger.Balance(ctx, addr)
	if err != nil {
		return a.failed(t, "Error fetching balance", err)
	}
	return []Reply{t.reply(fmt.Sprintf("💰 Your Balance\n\nAddress: %s\nBalance: %s SOL\n\n"+
		"💡 Tip: If you recently received SOL, it may take a few seconds to appear.",
		addr, amount.FormatFixed(lamports, 9, 4)), MainMenu())}
}

func (a *Agent) history(ctx context.Context, t turn) []Reply {
	addr, replies := a.address(ctx, t)
	if replies != nil {
		return replies
	}
	entries, err := a.ledger.History(ctx, addr, a.cfg.HistoryLimit)
	if err != nil {
		return a.failed(t, "Failed to load history", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Recent Transactions\n\nAddress: %s\n\n", addr)
	if len(entries) == 0 {
		b.WriteString("No transactions found yet. Once you start sending or receiving SOL, they will appear here.")
	}
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, directionLabel(e.Direction))
		fmt.Fprintf(&b, "   • Amount: %s SOL\n", amount.FormatFixed(absLamports(e.AmountChange), 9, 4))
		status := "✅ Confirmed"
		if e.Failed {
			status = "❌ Failed"
		}
		fmt.Fprintf(&b, "   • Status: %s\n", status)
		when := "Time N/A"
		if !e.Timestamp.IsZero() {
			when = e.Timestamp.UTC().Format("2006-01-02 15:04:05") + " UTC"
		}
		fmt.Fprintf(&b, "   • Time: %s\n", when)
		fmt.Fprintf(&b, "   • %s%s", a.cfg.ExplorerURL, e.Signature)
	}
	r := t.reply(b.String(), MainMenu())
	r.DisablePreview = true
	return []Reply{r}
}

func directionLabel(d web3.Direction) string {
	switch d {
	case web3.DirectionIn:
		return "📥 Received"
	case web3.DirectionOut:
		return "📤 Sent"
	}
	return "🔁 Activity"
}

func absLamports(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func (a *Agent) connect(ctx context.Context, t turn) []Reply {
	addr, replies := a.address(ctx, t)
	if replies != nil {
		return replies
	}
	return []Reply{t.reply("✅ Wallet Connected\n\nAddress: "+addr.String(), MainMenu())}
}

func (a *Agent) createWallet(ctx context.Context, t turn) []Reply {
	addr, created, err := a.wallets.Create(ctx, t.update.UserID)
	if err != nil {
		return a.failed(t, "Failed to create wallet", err)
	}
	if created {
		return []Reply{t.reply("✅ Wallet Created Successfully!\n\nYour wallet address:\n"+addr.String()+
			"\n\n⚠️ Important: Your private key is encrypted and stored securely. Never share it with anyone!", MainMenu())}
	}
	return []Reply{t.reply("✅ Wallet Already Exists!\n\nYour wallet address:\n"+addr.String()+
		"\n\nℹ️ This is your existing wallet. You can use it in both private chats and group chats!", MainMenu())}
}

func (a *Agent) importWallet(ctx context.Context, t turn, material string) []Reply {
	addr, err := a.wallets.Import(ctx, t.update.UserID, material)
	if err != nil {
		replies := a.failed(t, "Failed to import wallet", err)
		replies[0].DeleteMessageID = t.update.MessageID
		return replies
	}
	a.logger.Info("钱包已导入", slog.Int64("user_id", t.update.UserID), slog.String("address", addr.String()))
	r := t.reply("✅ Wallet Imported Successfully!\n\nYour wallet address:\n"+addr.String(), MainMenu())
	r.DeleteMessageID = t.update.MessageID
	return []Reply{r}
}

func (a *Agent) settings(ctx context.Context, t turn) []Reply {
	text := "⚙️ Merlin Settings\n\n"
	if addr, err := a.wallets.Address(ctx, t.update.UserID); err == nil {
		text += "Wallet: " + addr.String() + "\n"
		text += "Your key is stored encrypted. Import it elsewhere only from a device you trust.\n\n"
	} else {
		text += "No wallet yet.\n\n"
	}
	text += "More settings coming soon!"
	return []Reply{t.reply(text, MainMenu())}
}

// failed reports an unexpected error to the user without leaking internals.
func (a *Agent) failed(t turn, what string, err error) []Reply {
	a.logger.Error(what, slog.Int64("user_id", t.update.UserID), slog.Any("error", err))
	msg := "❌ " + what + "."
	if e, ok := xerrors.From(err); ok && (e.Code() == xerrors.CodeValidationFailed || e.Code() == xerrors.CodeNotFound) {
		msg = "❌ " + what + ": " + e.Message()
	}
	if s := xerrors.SuggestionOf(err); s != "" {
		msg += "\n💡 " + s
	} else {
		msg += "\nPlease try again."
	}
	return []Reply{t.reply(msg, BackMenu())}
}

var kindTitles = map[session.Kind]string{
	session.KindTransfer: "Transfer",
	session.KindSwap:     "Swap",
	session.KindBridge:   "Bridge",
}

// formatResult renders an execution outcome, plus the notification for the
// recipient if there is one.
func (a *Agent) formatResult(t turn, action *session.Action, res engine.ExecutionResult) []Reply {
	title := kindTitles[action.Kind]
	var b strings.Builder
	switch res.Status {
	case engine.StatusSuccess:
		fmt.Fprintf(&b, "✅ %s successful!\n\n", title)
	case engine.StatusNoRoute:
		fmt.Fprintf(&b, "❌ %s failed: no route found.\n\n%s\n", title, res.ErrorDetail)
	case engine.StatusOnChainFailed:
		fmt.Fprintf(&b, "❌ %s failed on-chain: %s\n", title, res.ErrorDetail)
	case engine.StatusNetworkFailed:
		fmt.Fprintf(&b, "⚠️ %s could not be completed: %s\n", title, res.ErrorDetail)
	default:
		fmt.Fprintf(&b, "❌ %s failed: %s\n", title, res.ErrorDetail)
	}
	if !res.OK() && res.Suggestion != "" {
		fmt.Fprintf(&b, "💡 %s\n", res.Suggestion)
	}
	if !res.OK() && res.TransactionID != "" {
		fmt.Fprintf(&b, "Transaction: %s%s\n", a.cfg.ExplorerURL, res.TransactionID)
	}
	for _, d := range res.Details {
		fmt.Fprintf(&b, "%s: %s\n", d.Label, d.Value)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "\n⚠️ %s", w)
	}

	r := t.reply(strings.TrimRight(b.String(), "\n"), MainMenu())
	r.DisablePreview = true
	replies := []Reply{r}
	if res.Notify != nil && res.Notify.UserID != 0 {
		// private chat ids equal user ids
		replies = append(replies, Reply{ChatID: res.Notify.UserID, Text: "💸 " + res.Notify.Text, DisablePreview: true})
	}
	return replies
}
