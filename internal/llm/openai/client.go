package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/freemell/merlintg/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 20 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
// Groq 等兼容服务只需替换 BaseURL 与 Model。
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client 通过 OpenAI 兼容接口解析用户意图。
type Client struct {
	name   string
	model  string
	client sdk.Client
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/") + "/"

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	name := cfg.Name
	if name == "" {
		name = "openai"
	}

	return &Client{
		name:  name,
		model: model,
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
			option.WithHTTPClient(httpClient),
			// the fallback chain handles provider failures
			option.WithMaxRetries(0),
			option.WithRequestTimeout(timeout),
		),
	}, nil
}

// Name 返回服务名称。
func (c *Client) Name() string { return c.name }

// Generate 调用模型并解析意图 JSON。输出不是合法 JSON 时返回原文与 llm.ErrMalformed。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	completion, err := c.client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(llm.SystemPrompt),
			sdk.UserMessage(buildUserPrompt(req)),
		},
		Temperature:         sdk.Float(0.1),
		MaxCompletionTokens: sdk.Int(1000),
	})
	if err != nil {
		return nil, fmt.Errorf("请求 %s 失败: %w", c.name, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s 响应中没有有效的 choices", c.name)
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("%s 响应内容为空", c.name)
	}

	resp, err := llm.Decode(content)
	if err != nil {
		return &llm.Response{Raw: content}, err
	}
	return resp, nil
}

func buildUserPrompt(req llm.Request) string {
	text := strings.TrimSpace(req.Text)
	replyTo := strings.TrimSpace(req.ReplyTo)
	if replyTo == "" {
		return text
	}
	return fmt.Sprintf("Replying to: %q\n\n%s", truncate(replyTo), text)
}

func truncate(text string) string {
	if len([]rune(text)) > 280 {
		return string([]rune(text)[:280]) + "..."
	}
	return text
}
