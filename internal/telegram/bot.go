package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/freemell/merlintg/internal/agent"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/pkg/logger"
)

const sendTimeout = 10 * time.Second

var allowedUpdates = []string{"message", "callback_query"}

// Submitter 接收转换后的更新，通常是 task.Service。
type Submitter interface {
	Submit(ctx context.Context, u agent.Update) (string, error)
}

// Config 描述 Telegram 机器人的连接参数。
type Config struct {
	Token         string
	WebhookURL    string
	WebhookSecret string
	// PollTimeout is the long polling timeout in seconds.
	PollTimeout int
	// APIServer overrides https://api.telegram.org, for tests.
	APIServer string
}

// Bot 封装 telego 客户端：把 Telegram 更新转为 agent.Update 入队，并发送调度器的回复。
type Bot struct {
	api      *telego.Bot
	cfg      Config
	id       int64
	username string
	submit   Submitter
	logger   *slog.Logger
}

// New 连接 Telegram 并读取机器人自身信息。
func New(ctx context.Context, cfg Config, submit Submitter) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "TELEGRAM_BOT_TOKEN 未配置")
	}
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(cfg.APIServer))
	}
	api, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Telegram 客户端失败")
	}
	me, err := api.GetMe(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailed, err, "获取机器人信息失败")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	b := &Bot{
		api:      api,
		cfg:      cfg,
		id:       me.ID,
		username: me.Username,
		submit:   submit,
		logger:   logger.Named("telegram"),
	}
	b.logger.Info("Telegram 机器人已连接", slog.String("username", me.Username), slog.Int64("bot_id", me.ID))
	return b, nil
}

// Username 返回机器人用户名（不含 @）。
func (b *Bot) Username() string {
	return b.username
}

// Ingest 处理一条 Telegram 更新：应答按钮回调，并把可处理的内容投递给 Submitter。
func (b *Bot) Ingest(ctx context.Context, raw telego.Update) error {
	if cq := raw.CallbackQuery; cq != nil {
		// stop the button spinner whatever happens next
		if err := b.api.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: cq.ID}); err != nil {
			b.logger.Debug("应答按钮回调失败", slog.Any("error", err))
		}
	}
	u, ok := Convert(raw, b.id, b.username)
	if !ok {
		return nil
	}
	if b.submit == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置更新接收方")
	}
	_, err := b.submit.Submit(ctx, u)
	return err
}

// Poll 以长轮询方式接收更新，直到 ctx 结束。
func (b *Bot) Poll(ctx context.Context) error {
	if err := b.api.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
		b.logger.Warn("删除 webhook 失败", slog.Any("error", err))
	}
	updates, err := b.api.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        b.cfg.PollTimeout,
		AllowedUpdates: allowedUpdates,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailed, err, "启动长轮询失败")
	}
	b.logger.Info("开始长轮询接收更新")
	for update := range updates {
		if err := b.Ingest(ctx, update); err != nil {
			b.logger.Error("投递更新失败", slog.Int("update_id", update.UpdateID), slog.Any("error", err))
		}
	}
	return ctx.Err()
}

// RegisterWebhook 向 Telegram 注册 webhook 地址与校验密钥。
func (b *Bot) RegisterWebhook(ctx context.Context) error {
	if b.cfg.WebhookURL == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "WEBHOOK_URL 未配置")
	}
	err := b.api.SetWebhook(ctx, &telego.SetWebhookParams{
		URL:            b.cfg.WebhookURL,
		SecretToken:    b.cfg.WebhookSecret,
		AllowedUpdates: allowedUpdates,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailed, err, "注册 webhook 失败")
	}
	b.logger.Info("webhook 已注册", slog.String("url", b.cfg.WebhookURL))
	return nil
}

// Send 发送一条回复，实现 task.Sender。DeleteMessageID 指定的消息先被删除。
func (b *Bot) Send(ctx context.Context, reply agent.Reply) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	chat := telego.ChatID{ID: reply.ChatID}
	if reply.DeleteMessageID != 0 {
		err := b.api.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: chat, MessageID: reply.DeleteMessageID})
		if err != nil {
			// bots need admin rights to delete in groups
			b.logger.Warn("删除消息失败",
				slog.Int64("chat_id", reply.ChatID),
				slog.Int("message_id", reply.DeleteMessageID),
				slog.Any("error", err))
		}
	}
	if strings.TrimSpace(reply.Text) == "" {
		return nil
	}
	params := &telego.SendMessageParams{ChatID: chat, Text: reply.Text}
	if markup := inlineKeyboard(reply.Keyboard); markup != nil {
		params.ReplyMarkup = markup
	}
	if reply.DisablePreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	if _, err := b.api.SendMessage(ctx, params); err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailed, err, "发送 Telegram 消息失败",
			xerrors.WithMetadata("chat_id", strconv.FormatInt(reply.ChatID, 10)))
	}
	return nil
}

func inlineKeyboard(kb agent.Keyboard) *telego.InlineKeyboardMarkup {
	if len(kb) == 0 {
		return nil
	}
	rows := make([][]telego.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, telego.InlineKeyboardButton{Text: btn.Text, CallbackData: btn.Data, URL: btn.URL})
		}
		rows = append(rows, buttons)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}
