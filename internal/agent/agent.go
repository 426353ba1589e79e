package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/freemell/merlintg/internal/engine"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/intent"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/internal/web3"
	"github.com/freemell/merlintg/pkg/logger"
)

// Resolver turns raw input into an action.
type Resolver interface {
	Resolve(ctx context.Context, in intent.Input) *session.Action
}

// Executor runs complete transfer, swap and bridge actions.
type Executor interface {
	Execute(ctx context.Context, userID int64, action *session.Action) engine.ExecutionResult
}

// Wallets is the custody surface the dispatcher needs.
type Wallets interface {
	Create(ctx context.Context, userID int64) (solana.PublicKey, bool, error)
	Import(ctx context.Context, userID int64, material string) (solana.PublicKey, error)
	Address(ctx context.Context, userID int64) (solana.PublicKey, error)
	RecordProfile(ctx context.Context, userID int64, username, firstName string) error
}

// Config 汇总对话层的参数。
type Config struct {
	BotUsername string
	// ExecutionLease bounds how long an Executing session blocks new
	// operations before it is considered abandoned.
	ExecutionLease  time.Duration
	HistoryLimit    int
	MinBridgeAmount string
	ExplorerURL     string
}

func (c Config) withDefaults() Config {
	if c.ExecutionLease <= 0 {
		c.ExecutionLease = 5 * time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.MinBridgeAmount == "" {
		c.MinBridgeAmount = "0.05"
	}
	if c.ExplorerURL == "" {
		c.ExplorerURL = "https://solscan.io/tx/"
	}
	c.BotUsername = strings.TrimPrefix(strings.TrimSpace(c.BotUsername), "@")
	return c
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithRegistry overrides the chain table used to validate bridge chains.
func WithRegistry(r *web3.Registry) Option {
	return func(a *Agent) {
		if r != nil {
			a.registry = r
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// Agent 是对话调度器：维护每个用户的会话状态，逐步收集参数并驱动执行引擎。
type Agent struct {
	sessions session.Store
	resolver Resolver
	executor Executor
	wallets  Wallets
	ledger   web3.Ledger
	registry *web3.Registry
	cfg      Config
	mention  *regexp.Regexp
	logger   *slog.Logger
	now      func() time.Time
}

// New 创建一个 Agent。
func New(sessions session.Store, resolver Resolver, executor Executor, wallets Wallets, ledger web3.Ledger, cfg Config, opts ...Option) (*Agent, error) {
	if sessions == nil || resolver == nil || executor == nil || wallets == nil || ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent 依赖未完整配置")
	}
	a := &Agent{
		sessions: sessions,
		resolver: resolver,
		executor: executor,
		wallets:  wallets,
		ledger:   ledger,
		registry: web3.DefaultRegistry(),
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("agent"),
		now:      time.Now,
	}
	if a.cfg.BotUsername != "" {
		a.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(a.cfg.BotUsername) + `\b`)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// turn carries per-update context through the handlers.
type turn struct {
	update Update
	text   string
}

func (t turn) reply(text string, kb Keyboard) Reply {
	r := Reply{ChatID: t.update.ChatID, Text: text}
	// menus stay out of group chats
	if !t.update.Group {
		r.Keyboard = kb
	}
	return r
}

// Handle processes one update and returns the messages to send. Updates of
// the same user are serialized through the session lock; the lock is not
// held while a transaction executes.
func (a *Agent) Handle(ctx context.Context, u Update) ([]Reply, error) {
	if u.UserID == 0 || u.ChatID == 0 {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "update 缺少用户或会话标识")
	}
	if err := a.wallets.RecordProfile(ctx, u.UserID, u.Username, u.FirstName); err != nil {
		a.logger.Warn("记录用户名失败", slog.Int64("user_id", u.UserID), slog.Any("error", err))
	}

	text, addressed := a.addressed(u)
	if !addressed {
		return nil, nil
	}
	t := turn{update: u, text: text}
	if u.Group && text == "" && u.Source == intent.SourceText {
		return []Reply{t.reply(groupHelp(a.cfg.BotUsername), nil)}, nil
	}

	unlock, err := a.sessions.Lock(ctx, u.UserID)
	if err != nil {
		return nil, err
	}
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	sess, err := a.sessions.GetOrCreate(ctx, u.UserID)
	if err != nil {
		return nil, err
	}
	now := a.now()
	if sess.State == session.StateExecuting {
		if sess.Busy(now, a.cfg.ExecutionLease) {
			return []Reply{t.reply("⏳ An operation is already in progress. Please wait for it to finish.", nil)}, nil
		}
		a.logger.Warn("执行租约已过期，重置会话",
			slog.Int64("user_id", u.UserID),
			slog.Time("executing_since", sess.ExecutingSince))
		sess.Reset()
		if err := a.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
	}

	if sess.State == session.StateAwaitingParam && u.Source == intent.SourceText && !intent.IsCancel(text) {
		sess.ApplyPartial(sess.Awaiting, text)
		return a.collect(ctx, t, sess, func() { locked = false; unlock() })
	}

	action := a.resolver.Resolve(ctx, intent.Input{Source: u.Source, Text: text, ReplyTo: u.ReplyTo})
	if action == nil {
		action = &session.Action{Kind: session.KindChat, RawText: text}
	}
	a.logger.Debug("解析到动作",
		slog.Int64("user_id", u.UserID),
		slog.String("kind", string(action.Kind)),
		slog.Int("params", len(action.Params)))

	if action.Kind == session.KindCancel {
		wasActive := sess.Pending != nil
		sess.Reset()
		if err := a.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
		msg := "Nothing to cancel."
		if wasActive {
			msg = "❌ Cancelled."
		}
		return []Reply{t.reply(msg, MainMenu())}, nil
	}

	if action.Kind == session.KindImportWallet && u.Group {
		r := t.reply("🔒 Import your wallet in a private chat with me, never in a group.", nil)
		r.DeleteMessageID = u.MessageID
		return []Reply{r}, nil
	}
	if len(action.Kind.Required()) > 0 {
		sess.Begin(action)
		var prefix []Reply
		if reply := strings.TrimSpace(action.Reply); reply != "" && u.Source == intent.SourceText {
			prefix = append(prefix, t.reply(reply, nil))
		}
		replies, err := a.collect(ctx, t, sess, func() { locked = false; unlock() })
		return append(prefix, replies...), err
	}

	// any other action abandons a half-collected one
	if sess.Pending != nil || sess.State != session.StateIdle {
		sess.Reset()
		if err := a.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
	}
	locked = false
	unlock()
	return a.immediate(ctx, t, action), nil
}

// addressed reports whether the bot should react to u, and returns the text
// with the bot mention stripped.
func (a *Agent) addressed(u Update) (string, bool) {
	text := strings.TrimSpace(u.Text)
	if !u.Group || u.Source != intent.SourceText {
		return text, true
	}
	if strings.HasPrefix(text, "/") {
		return text, true
	}
	if a.mention == nil || !a.mention.MatchString(text) {
		return text, u.ReplyToBot
	}
	return strings.Join(strings.Fields(a.mention.ReplaceAllString(text, "")), " "), true
}

// collect validates what has been gathered, asks for the next missing
// parameter, or starts the execution once the action is complete. release
// drops the session lock.
func (a *Agent) collect(ctx context.Context, t turn, sess *session.Session, release func()) ([]Reply, error) {
	if name, err := a.firstInvalid(sess); err != nil {
		sess.Drop(name)
		next := sess.NextMissing()
		sess.Await(next)
		if serr := a.sessions.Save(ctx, sess); serr != nil {
			return nil, serr
		}
		r := t.reply(corrective(err)+"\n\n"+a.prompt(sess, next), BackMenu())
		if name == session.ParamPrivateKey {
			r.DeleteMessageID = t.update.MessageID
		}
		return []Reply{r}, nil
	}
	if missing := sess.NextMissing(); missing != "" {
		sess.Await(missing)
		if err := a.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
		return []Reply{t.reply(a.prompt(sess, missing), BackMenu())}, nil
	}

	action := sess.Pending.Clone()
	action.Params = sess.Params()

	if action.Kind == session.KindImportWallet {
		sess.Reset()
		if err := a.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
		release()
		return a.importWallet(ctx, t, action.Params[session.ParamPrivateKey]), nil
	}

	if _, err := a.wallets.Address(ctx, t.update.UserID); err != nil {
		sess.Reset()
		if serr := a.sessions.Save(ctx, sess); serr != nil {
			return nil, serr
		}
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			return []Reply{t.reply(a.noWallet(t), WalletMenu())}, nil
		}
		return nil, err
	}

	sess.MarkExecuting(a.now())
	if err := a.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	release()

	res := a.executor.Execute(ctx, t.update.UserID, action)
	a.finish(ctx, t.update.UserID)
	return a.formatResult(t, action, res), nil
}

// finish returns the session to Idle after an execution, whatever its
// outcome. It runs even when ctx was cancelled mid-execution.
func (a *Agent) finish(ctx context.Context, userID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	unlock, err := a.sessions.Lock(ctx, userID)
	if err != nil {
		a.logger.Error("执行结束后无法获取会话锁", slog.Int64("user_id", userID), slog.Any("error", err))
		return
	}
	defer unlock()
	if err := a.sessions.Reset(ctx, userID); err != nil {
		a.logger.Error("执行结束后重置会话失败", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func corrective(err error) string {
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	out := "❌ " + msg
	if s := xerrors.SuggestionOf(err); s != "" {
		out += "\n💡 " + s
	}
	return out
}

func groupHelp(bot string) string {
	mention := "@" + bot
	if bot == "" {
		mention = "me"
	}
	return "👋 Hi! I can help you with Solana transactions. Try:\n\n" +
		fmt.Sprintf("• \"%s send 1 SOL to @username\"\n", mention) +
		fmt.Sprintf("• \"%s check my balance\"\n", mention) +
		fmt.Sprintf("• \"%s create wallet\"\n\n", mention) +
		"Use /start or say \"create wallet\" to get started!"
}
