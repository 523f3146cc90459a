package llm

import (
	"context"

	"groupbot_engine/internal/model"
)

type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Generator 文本生成能力，对引擎是不透明的。
type Generator interface {
	Generate(ctx context.Context, history []model.Turn, systemPrompt string, opts Options) (string, error)
}

// Static 总是返回固定文本，离线模式和测试使用。
type Static struct {
	Text string
	Err  error
}

func (s Static) Generate(context.Context, []model.Turn, string, Options) (string, error) {
	return s.Text, s.Err
}

// GeneratorFunc 适配普通函数。
type GeneratorFunc func(ctx context.Context, history []model.Turn, systemPrompt string, opts Options) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, history []model.Turn, systemPrompt string, opts Options) (string, error) {
	return f(ctx, history, systemPrompt, opts)
}
