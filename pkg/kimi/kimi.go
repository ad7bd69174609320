// Package kimi wraps the Kimi chat-completion API (OpenAI compatible)
// behind a small client used by the agent pipeline.
package kimi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
)

type Config struct {
	BaseURL   string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.moonshot.cn/v1"`
	APIKey    string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model     string        `envconfig:"MODEL" split_words:"true" default:"kimi-k2-5"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	MaxTokens int           `envconfig:"MAX_TOKENS" split_words:"true" default:"1024"`
}

// Role values accepted in a chat message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Options struct {
	// Temperature is sent only when set, so an explicit zero reaches the
	// API instead of falling back to its default. Temp wraps a literal.
	Temperature *float64
	MaxTokens   int
}

// Temp returns a pointer for Options.Temperature.
func Temp(v float64) *float64 { return &v }

type Result struct {
	Content      string `json:"content"`
	TokensUsed   int    `json:"tokens_used"`
	FinishReason string `json:"finish_reason"`
}

type Client struct {
	api   openai.Client
	model string
	cfg   Config
}

func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("kimi api key is required")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("kimi model is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &Client{
		api:   openai.NewClient(opts...),
		model: model,
		cfg:   cfg,
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// Complete sends the ordered message list and returns the first choice.
func (c *Client) Complete(ctx context.Context, messages []Message, opts Options) (Result, error) {
	if len(messages) == 0 {
		return Result{}, errors.New("kimi: empty message list")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		case RoleUser:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		default:
			return Result{}, fmt.Errorf("kimi: unsupported role %q", m.Role)
		}
	}

	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	params.MaxTokens = openai.Int(int64(maxTokens))

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		log.Error().Err(err).
			Str("model", c.model).
			Dur("latency", latency).
			Msg("kimi completion failed")
		return Result{}, fmt.Errorf("kimi completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("kimi: response has no choices")
	}

	result := Result{
		Content:      resp.Choices[0].Message.Content,
		TokensUsed:   int(resp.Usage.TotalTokens),
		FinishReason: string(resp.Choices[0].FinishReason),
	}

	log.Debug().
		Str("model", c.model).
		Int("tokens_used", result.TokensUsed).
		Str("finish_reason", result.FinishReason).
		Dur("latency", latency).
		Msg("kimi completion ok")

	return result, nil
}
