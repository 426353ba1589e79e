package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/slack-go/slack"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelSlack Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code     xerrors.Code
	Message  string
	Severity xerrors.Severity
	// Subject identifies what failed: an update id or an execution id.
	Subject    string
	UserID     int64
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

var _ Dispatcher = (*FanoutDispatcher)(nil)

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var result *multierror.Error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			result = multierror.Append(result, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return result.ErrorOrNil()
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Warn("告警",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("subject", event.Subject),
		slog.Int64("user_id", event.UserID),
		slog.Int("attempts", event.Attempts),
		slog.String("message", event.Message))
	return nil
}

// SlackNotifier 通过 Slack incoming webhook 发送告警。
type SlackNotifier struct {
	WebhookURL  string
	ChannelName string
	HTTPClient  *http.Client
}

// NewSlackNotifier 创建 Slack 通知器，channel 为空时使用 webhook 默认频道。
func NewSlackNotifier(webhookURL, channel string, timeout time.Duration) *SlackNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SlackNotifier{
		WebhookURL:  webhookURL,
		ChannelName: channel,
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.WebhookURL == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	client := n.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return slack.PostWebhookCustomHTTPContext(ctx, n.WebhookURL, client, slackMessage(n.ChannelName, event))
}

func slackMessage(channel string, event Event) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "Code", Value: string(event.Code), Short: true},
		{Title: "Severity", Value: string(event.Severity), Short: true},
	}
	if event.Subject != "" {
		fields = append(fields, slack.AttachmentField{Title: "Subject", Value: event.Subject, Short: true})
	}
	if event.UserID != 0 {
		fields = append(fields, slack.AttachmentField{Title: "User", Value: strconv.FormatInt(event.UserID, 10), Short: true})
	}
	if event.MaxRetries > 0 {
		fields = append(fields, slack.AttachmentField{
			Title: "Attempts",
			Value: fmt.Sprintf("%d/%d", event.Attempts, event.MaxRetries),
			Short: true,
		})
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slack.AttachmentField{Title: k, Value: event.Metadata[k]})
	}
	return &slack.WebhookMessage{
		Channel: channel,
		Text:    fmt.Sprintf("[%s] %s", event.Severity, event.Code),
		Attachments: []slack.Attachment{{
			Color:    severityColor(event.Severity),
			Fallback: event.Message,
			Text:     event.Message,
			Fields:   fields,
			Footer:   "merlind",
			Ts:       json.Number(strconv.FormatInt(event.OccurredAt.Unix(), 10)),
		}},
	}
}

func severityColor(sev xerrors.Severity) string {
	switch sev {
	case xerrors.SeverityCritical:
		return "danger"
	case xerrors.SeverityWarning:
		return "warning"
	}
	return "#439FE0"
}
