package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/freemell/merlintg/internal/agent"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/observability/alerting"
	"github.com/freemell/merlintg/pkg/logger"
)

// Dispatcher 定义了处理器所需的对话调度能力。
type Dispatcher interface {
	Handle(ctx context.Context, u agent.Update) ([]agent.Reply, error)
}

// Sender 负责把回复投递回聊天平台。
type Sender interface {
	Send(ctx context.Context, reply agent.Reply) error
}

// Observer 接收每条更新的处理结果，例如用于指标统计。
type Observer interface {
	UpdateHandled(outcome string, elapsed time.Duration)
}

// Outcomes reported to the Observer.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Processor 负责从队列消费更新，交给调度器处理并发送回复。
type Processor struct {
	dispatcher  Dispatcher
	sender      Sender
	consumer    Consumer
	producer    Producer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	observer    Observer
	now         func() time.Time
	stats       counters
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithHandleTimeout bounds the handling of one update, execution included.
func WithHandleTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.timeout = timeout
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithObserver 注册处理结果观察者。
func WithObserver(o Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = o
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(dispatcher Dispatcher, sender Sender, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		dispatcher:  dispatcher,
		sender:      sender,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		timeout:     3 * time.Minute,
		logger:      logger.Named("task"),
		recovery:    ApologyRecovery,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动更新处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.dispatcher == nil || p.sender == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	p.logger.Info("更新处理器启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Stats 返回处理器计数快照。
func (p *Processor) Stats() Stats {
	return p.stats.snapshot()
}

// handle processes one payload. A non-nil return asks the queue to
// redeliver it, which only happens when a retry could not be republished.
func (p *Processor) handle(ctx context.Context, payload []byte) error {
	started := p.now()
	p.stats.received.Add(1)
	p.stats.inFlight.Add(1)
	defer func() {
		p.stats.inFlight.Add(-1)
		p.stats.handled(p.now())
	}()

	env, err := decode(payload)
	if err != nil {
		p.logger.Warn("丢弃无法解析的更新", slog.Any("error", err))
		p.stats.dropped.Add(1)
		p.observe(OutcomeDropped, started)
		return nil
	}

	hctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	replies, err := p.dispatcher.Handle(hctx, env.Update)
	if err != nil {
		return p.handleFailure(ctx, env, err, started)
	}
	if err := p.deliver(ctx, replies); err != nil {
		p.logger.Warn("部分回复发送失败",
			slog.String("update_id", env.ID),
			slog.Int64("user_id", env.Update.UserID),
			slog.Any("error", err))
	}
	p.stats.succeeded.Add(1)
	p.observe(OutcomeSucceeded, started)
	return nil
}

// deliver sends every reply in order; one failed message does not stop the
// rest, e.g. a recipient notification to a user who never opened a chat.
func (p *Processor) deliver(ctx context.Context, replies []agent.Reply) error {
	var result *multierror.Error
	for _, reply := range replies {
		if err := p.sender.Send(ctx, reply); err != nil {
			result = multierror.Append(result, xerrors.Wrap(CodeReplyDelivery, err,
				fmt.Sprintf("发送到会话 %d 失败", reply.ChatID)))
		}
	}
	return result.ErrorOrNil()
}

func (p *Processor) handleFailure(ctx context.Context, env *Envelope, cause error, started time.Time) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeUpdateProcessing
	}
	retryable := xerrors.RetryableError(cause)
	env.Attempts++
	terminal := !retryable || env.Attempts > env.MaxRetries

	p.logger.Warn("处理更新失败",
		slog.String("update_id", env.ID),
		slog.Int64("user_id", env.Update.UserID),
		slog.String("error_code", string(code)),
		slog.Int("attempts", env.Attempts),
		slog.Bool("terminal", terminal),
		slog.Any("error", cause))

	if !terminal {
		payload, err := encode(env)
		if err == nil {
			err = p.producer.Publish(ctx, payload)
		}
		if err == nil {
			p.stats.retried.Add(1)
			p.observe(OutcomeRetried, started)
			return nil
		}
		p.emitAlert(ctx, env, CodeUpdatePublish, err, "republish")
		return xerrors.Wrap(CodeUpdatePublish, err, fmt.Sprintf("更新 %s 重投失败", env.ID))
	}

	p.stats.failed.Add(1)
	p.observe(OutcomeFailed, started)
	stage := "non_retryable"
	if retryable {
		stage = "exhausted"
		code = CodeUpdateExhausted
	}
	if xerrors.ShouldAlert(cause) || retryable {
		p.emitAlert(ctx, env, code, cause, stage)
	}
	if p.recovery != nil {
		if err := p.deliver(ctx, p.recovery.Recover(ctx, env, cause)); err != nil {
			p.logger.Warn("发送补偿回复失败", slog.String("update_id", env.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (p *Processor) observe(outcome string, started time.Time) {
	if p.observer != nil {
		p.observer.UpdateHandled(outcome, p.now().Sub(started))
	}
}

func (p *Processor) emitAlert(ctx context.Context, env *Envelope, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || env == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Subject:    env.ID,
		UserID:     env.Update.UserID,
		Attempts:   env.Attempts,
		MaxRetries: env.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("update_id", env.ID),
			slog.String("stage", stage))
	}
}
