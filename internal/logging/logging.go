package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"groupbot_engine/internal/config"
)

// New 构建进程级 logger；out 为空时写 stdout。
func New(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if v := strings.TrimSpace(cfg.Level); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.SampleEvery > 1 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(cfg.SampleEvery)})
	}
	return logger
}
