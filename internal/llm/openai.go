package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/model"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAIClient 兼容 OpenAI /chat/completions 的接口。
type OpenAIClient struct {
	cfg    config.LLMConfig
	client *resty.Client
}

func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout()).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &OpenAIClient{cfg: cfg, client: client}
}

func (c *OpenAIClient) Generate(ctx context.Context, history []model.Turn, systemPrompt string, opts Options) (string, error) {
	req := chatRequest{
		Model:       firstNonEmpty(opts.Model, c.cfg.Model),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if req.Temperature == 0 {
		req.Temperature = c.cfg.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if systemPrompt != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: systemPrompt})
	}
	for _, t := range history {
		req.Messages = append(req.Messages, message{Role: t.Role, Content: t.Text})
	}

	var out chatResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/chat/completions")
	if err != nil {
		return "", errkind.Unavailable("llm generate", err)
	}
	if resp.IsError() {
		if out.Error != nil && out.Error.Message != "" {
			return "", errkind.Unavailable("llm generate", fmt.Errorf("http %d: %s", resp.StatusCode(), out.Error.Message))
		}
		return "", errkind.Unavailable("llm generate", fmt.Errorf("http %d", resp.StatusCode()))
	}
	if len(out.Choices) == 0 {
		return "", errkind.Unavailable("llm generate", errors.New("empty choices"))
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
