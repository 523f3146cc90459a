package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// MemoryPath 打开进程内数据库，测试用。
const MemoryPath = ":memory:"

var pragmas = []struct{ name, stmt string }{
	{"busy_timeout", "PRAGMA busy_timeout = 5000"},
	{"journal_mode", "PRAGMA journal_mode = WAL"},
	{"synchronous", "PRAGMA synchronous = NORMAL"},
}

// Store 账号、参与记录与设置的持久化。单连接，写入串行。
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range pragmas {
		if path == MemoryPath && p.name == "journal_mode" {
			continue
		}
		if _, err := db.ExecContext(ctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %s: %w", p.name, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Ping 健康检查用。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
