package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mymmrac/telego"

	"github.com/freemell/merlintg/internal/engine"
	"github.com/freemell/merlintg/internal/observability/metrics"
	"github.com/freemell/merlintg/internal/task"
	"github.com/freemell/merlintg/pkg/logger"
)

const (
	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
	maxWebhookBody = 1 << 20
)

// Ingestor 接收 webhook 推送的 Telegram 更新，通常是 telegram.Bot。
type Ingestor interface {
	Ingest(ctx context.Context, u telego.Update) error
}

// StatsSource 提供更新处理器的运行计数。
type StatsSource interface {
	Stats() task.Stats
}

// Pinger 检查下游依赖是否可用，例如数据库。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithWebhook 在 path 上挂载 Telegram webhook，secret 非空时校验请求头。
func WithWebhook(path, secret string, sink Ingestor) Option {
	return func(s *Server) {
		s.webhookPath = path
		s.webhookSecret = secret
		s.ingestor = sink
	}
}

// WithMetrics 暴露 /metrics 并记录请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStats 在健康检查中附带处理器计数。
func WithStats(src StatsSource) Option {
	return func(s *Server) { s.stats = src }
}

// WithPinger 在健康检查中探测依赖。
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithJournal 挂载执行流水查询接口，需要 adminToken 鉴权；token 为空时不挂载。
func WithJournal(j engine.Journal, adminToken string) Option {
	return func(s *Server) {
		s.journal = j
		s.adminToken = adminToken
	}
}

// Server 负责暴露 HTTP 接口。
type Server struct {
	addr          string
	webhookPath   string
	webhookSecret string
	ingestor      Ingestor
	metrics       *metrics.Metrics
	stats         StatsSource
	pinger        Pinger
	journal       engine.Journal
	adminToken    string
	logger        *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/healthz", s.handleHealth)
	if s.ingestor != nil && s.webhookPath != "" {
		r.Post(s.webhookPath, s.handleWebhook)
	}
	if s.journal != nil && s.adminToken != "" {
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/users/{userID}/executions", s.handleExecutions)
		})
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.stats != nil {
		body["updates"] = s.stats.Stats()
	}
	writeJSON(w, status, body)
}

// handleWebhook 接收 Telegram 推送。返回非 2xx 时 Telegram 会重发该更新。
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
			logger.Audit().Warn("webhook_rejected",
				slog.String("remote", r.RemoteAddr),
				slog.String("path", r.URL.Path))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}
	var update telego.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&update); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.ingestor.Ingest(r.Context(), update); err != nil {
		s.logger.Error("webhook 更新入队失败", slog.Int("update_id", update.UpdateID), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.adminToken)) != 1 {
			logger.Audit().Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.String("remote", r.RemoteAddr))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type executionView struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Status     string            `json:"status"`
	Signature  string            `json:"signature,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID == 0 {
		http.Error(w, "userID 无效", http.StatusBadRequest)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	records, err := s.journal.ListByUser(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("查询执行流水失败", slog.Int64("user_id", userID), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	out := make([]executionView, 0, len(records))
	for _, rec := range records {
		view := executionView{
			ID:        rec.ID,
			Kind:      string(rec.Kind),
			Status:    string(rec.Status),
			Signature: rec.Signature,
			Detail:    rec.Detail,
			Params:    rec.Params,
			CreatedAt: rec.CreatedAt,
		}
		if !rec.FinishedAt.IsZero() {
			finished := rec.FinishedAt
			view.FinishedAt = &finished
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
