package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/freemell/merlintg/internal/agent"
	"github.com/freemell/merlintg/internal/aggregator/bungee"
	"github.com/freemell/merlintg/internal/aggregator/jupiter"
	"github.com/freemell/merlintg/internal/api"
	"github.com/freemell/merlintg/internal/config"
	"github.com/freemell/merlintg/internal/custody"
	"github.com/freemell/merlintg/internal/engine"
	"github.com/freemell/merlintg/internal/intent"
	"github.com/freemell/merlintg/internal/llm"
	"github.com/freemell/merlintg/internal/llm/openai"
	"github.com/freemell/merlintg/internal/llm/pythonbridge"
	"github.com/freemell/merlintg/internal/observability/alerting"
	"github.com/freemell/merlintg/internal/observability/metrics"
	"github.com/freemell/merlintg/internal/recipient"
	"github.com/freemell/merlintg/internal/session"
	"github.com/freemell/merlintg/internal/storage/sqldb"
	"github.com/freemell/merlintg/internal/task"
	"github.com/freemell/merlintg/internal/telegram"
	"github.com/freemell/merlintg/internal/web3"
	"github.com/freemell/merlintg/internal/web3/solana"
	"github.com/freemell/merlintg/pkg/logger"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("配置校验失败: %w", err)
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

// cleanup closes resources in reverse order of acquisition.
type cleanup []func() error

func (c *cleanup) add(fn func() error) { *c = append(*c, fn) }

func (c cleanup) run() error {
	var result *multierror.Error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("merlind")
	var closers cleanup
	defer func() {
		if cerr := closers.run(); cerr != nil {
			log.Warn("释放资源失败", slog.Any("error", cerr))
		}
	}()

	m := metrics.New()
	alerts := buildAlerting(cfg.Alerting)

	registry, err := web3.LoadRegistry(cfg.Solana.ChainConfig)
	if err != nil {
		return err
	}

	walletStore, journal, pinger, err := buildStorage(ctx, cfg.Storage, &closers)
	if err != nil {
		return err
	}
	wallets, err := custody.NewService(walletStore, cfg.Custody.EncryptionSecret)
	if err != nil {
		return err
	}

	chain, err := solana.NewClient(ctx, solana.Config{
		Endpoints:      cfg.Solana.Endpoints(),
		Retry:          solana.RetryPolicy{Attempts: cfg.Solana.RetryAttempts, Delay: cfg.Solana.RetryDelay()},
		ConfirmTimeout: cfg.Solana.ConfirmTimeout(),
		GuardTimeout:   cfg.Solana.GuardTimeout(),
		PollInterval:   cfg.Solana.PollInterval(),
	}, solana.WithObserver(m))
	if err != nil {
		return err
	}
	closers.add(func() error { chain.Close(); return nil })

	recipients := recipient.NewResolver(
		recipient.NewSNSClient(cfg.Aggregators.SNSURL, cfg.Aggregators.Timeout()),
		wallets,
	)
	executor, err := engine.New(chain, wallets, engine.Config{
		FeeReserve:          cfg.Engine.FeeReserveLamports,
		MinBridgeAmount:     cfg.Engine.MinBridgeAmount,
		PriceImpactWarnPct:  cfg.Engine.PriceImpactWarnPct,
		QuoteMaxAge:         cfg.Engine.QuoteMaxAge(),
		BridgeEstimatedTime: cfg.Engine.BridgeEstimatedTime,
		ExplorerURL:         cfg.Solana.ExplorerURL,
	},
		engine.WithRecipients(recipients),
		engine.WithSwapProvider(jupiter.New(jupiter.Config{
			BaseURL:     cfg.Aggregators.JupiterURL,
			Timeout:     cfg.Aggregators.Timeout(),
			SlippageBps: cfg.Engine.SlippageBps,
		})),
		engine.WithBridgeProvider(bungee.New(bungee.Config{
			BaseURL: cfg.Aggregators.BungeeURL,
			APIKey:  cfg.Aggregators.BungeeAPIKey,
			Timeout: cfg.Aggregators.Timeout(),
		})),
		engine.WithRegistry(registry),
		engine.WithJournal(journal),
		engine.WithObserver(m),
		engine.WithAlerter(alerts),
	)
	if err != nil {
		return err
	}

	nlu, err := buildNLU(cfg.LLM)
	if err != nil {
		return err
	}

	sessions, err := buildSessions(ctx, cfg.Session, &closers)
	if err != nil {
		return err
	}

	queue, err := buildQueue(ctx, cfg.Queue, &closers)
	if err != nil {
		return err
	}
	updates := task.NewService(queue, 3)

	bot, err := telegram.New(ctx, telegram.Config{
		Token:         cfg.Telegram.Token,
		WebhookURL:    cfg.Telegram.WebhookURL,
		WebhookSecret: cfg.Telegram.WebhookSecret,
	}, updates)
	if err != nil {
		return err
	}

	username := cfg.Telegram.BotUsername
	if username == "" {
		username = bot.Username()
	}
	dispatcher, err := agent.New(sessions, intent.NewResolver(nlu), executor, wallets, chain, agent.Config{
		BotUsername:     username,
		ExecutionLease:  cfg.Engine.ExecutionLease(),
		MinBridgeAmount: cfg.Engine.MinBridgeAmount,
		ExplorerURL:     cfg.Solana.ExplorerURL,
	}, agent.WithRegistry(registry))
	if err != nil {
		return err
	}

	processor := task.NewProcessor(dispatcher, bot, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithAlertDispatcher(alerts),
		task.WithObserver(m),
	)

	serverOpts := []api.Option{
		api.WithMetrics(m),
		api.WithStats(processor),
		api.WithJournal(journal, cfg.Server.AdminToken),
	}
	if pinger != nil {
		serverOpts = append(serverOpts, api.WithPinger(pinger))
	}
	if cfg.Telegram.UseWebhook {
		serverOpts = append(serverOpts, api.WithWebhook(webhookPath(cfg.Telegram.WebhookURL), cfg.Telegram.WebhookSecret, bot))
	}
	server := api.NewServer(cfg.Server.Address, serverOpts...)

	log.Info("merlind 启动",
		slog.String("bot", username),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("session", cfg.Session.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Bool("webhook", cfg.Telegram.UseWebhook),
		slog.Int("rpc_endpoints", len(chain.Endpoints())))

	if cfg.Telegram.UseWebhook {
		if err := bot.RegisterWebhook(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if !cfg.Telegram.UseWebhook {
		g.Go(func() error { return bot.Poll(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("merlind 已停止")
	return nil
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, alerting.NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel, 5*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

func buildStorage(ctx context.Context, cfg config.StorageConfig, closers *cleanup) (custody.Store, engine.Journal, api.Pinger, error) {
	if cfg.Driver == "memory" {
		logger.L().Warn("使用内存存储，重启后钱包将丢失")
		return custody.NewMemoryStore(), engine.NewMemoryJournal(), nil, nil
	}
	db, err := sqldb.Open(ctx, storageConfig(cfg))
	if err != nil {
		return nil, nil, nil, err
	}
	closers.add(db.Close)
	return db.Wallets(), db.Journal(), db, nil
}

// buildNLU returns the configured models in preference order. A nil client
// leaves free text to the Chat fallback.
func buildNLU(cfg config.LLMConfig) (llm.Client, error) {
	var chain llm.Fallback
	addOpenAI := func(name string, c config.OpenAIConfig) error {
		if strings.TrimSpace(c.APIKey) == "" {
			return nil
		}
		client, err := openai.NewClient(openai.Config{
			Name:    name,
			APIKey:  c.APIKey,
			BaseURL: c.BaseURL,
			Model:   c.Model,
			Timeout: cfg.Timeout(),
		})
		if err != nil {
			return fmt.Errorf("初始化 %s 客户端失败: %w", name, err)
		}
		chain = append(chain, client)
		return nil
	}

	switch cfg.Provider {
	case "openai", "groq":
		// Groq first when both are configured; OpenAI is the paid fallback.
		if err := addOpenAI("groq", cfg.Groq); err != nil {
			return nil, err
		}
		if err := addOpenAI("openai", cfg.OpenAI); err != nil {
			return nil, err
		}
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		client, err := pythonbridge.NewClient(cfg.Python.PythonExecutable, script, cfg.Python.WorkingDir)
		if err != nil {
			return nil, err
		}
		chain = append(chain, client)
	case "none":
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}

	if len(chain) == 0 {
		logger.L().Warn("未配置 NLU 模型，自由文本将只能得到帮助提示")
		return nil, nil
	}
	return chain, nil
}

func buildSessions(ctx context.Context, cfg config.SessionConfig, closers *cleanup) (session.Store, error) {
	if cfg.Driver != "redis" {
		return session.NewMemoryStore(), nil
	}
	store, err := session.NewRedisStore(ctx, session.RedisStoreConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
		LockTTL:  time.Duration(cfg.LockTTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	closers.add(store.Close)
	return store, nil
}

func buildQueue(ctx context.Context, cfg config.QueueConfig, closers *cleanup) (task.Queue, error) {
	var queue task.Queue
	switch cfg.Driver {
	case "redis":
		q, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Prefix,
			BlockWait: time.Duration(cfg.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		queue = q
	default:
		queue = task.NewMemoryQueue(cfg.Size)
	}
	closers.add(queue.Close)
	return queue, nil
}

func webhookPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" && u.Path != "/" {
		return u.Path
	}
	return "/telegram/webhook"
}
