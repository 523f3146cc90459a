package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"groupbot_engine/internal/model"
)

func (s *Store) InsertParticipation(ctx context.Context, rec model.ParticipationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	amount := ""
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participation_records (id, drop_id, account_id, success, amount, error, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.DropID, rec.AccountID, success, amount, rec.Error, rec.Timestamp.UnixMilli())
	return err
}

type ParticipationFilter struct {
	AccountID string
	DropID    string
	Limit     int
}

// ListParticipations 按时间倒序。
func (s *Store) ListParticipations(ctx context.Context, f ParticipationFilter) ([]model.ParticipationRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.DropID != "" {
		where = append(where, "drop_id = ?")
		args = append(args, f.DropID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT id, drop_id, account_id, success, amount, error, ts_ms FROM participation_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_ms DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ParticipationRecord
	for rows.Next() {
		var (
			rec     model.ParticipationRecord
			success int
			amount  string
			tsMs    int64
		)
		if err := rows.Scan(&rec.ID, &rec.DropID, &rec.AccountID, &success, &amount, &rec.Error, &tsMs); err != nil {
			return nil, err
		}
		rec.Success = success != 0
		rec.Timestamp = time.UnixMilli(tsMs)
		if amount != "" {
			d, err := decimal.NewFromString(amount)
			if err != nil {
				return nil, fmt.Errorf("decode amount of %s: %w", rec.ID, err)
			}
			rec.Amount = &d
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneParticipations 删除早于 before 的记录。
func (s *Store) PruneParticipations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM participation_records WHERE ts_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
