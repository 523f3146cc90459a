package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/model"
)

var ErrNotFound = errors.New("not found")

const accountColumns = `id, display_name, self_user_id, credential_ref, groups_json, policy_json, created_at, updated_at`

// UpsertAccount 新建或更新账号。creds.Token 为空时保留已存的令牌；
// 写入新令牌会清除 needs_reauth 标记。
func (s *Store) UpsertAccount(ctx context.Context, acc model.Account, creds model.Credentials) (model.Account, error) {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	if acc.Groups == nil {
		acc.Groups = []string{}
	}

	groupsJSON, err := json.Marshal(acc.Groups)
	if err != nil {
		return model.Account{}, err
	}
	policyJSON, err := json.Marshal(acc.Policy)
	if err != nil {
		return model.Account{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, display_name, self_user_id, credential_ref, groups_json, policy_json, token, endpoint, needs_reauth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			self_user_id = excluded.self_user_id,
			credential_ref = excluded.credential_ref,
			groups_json = excluded.groups_json,
			policy_json = excluded.policy_json,
			token = CASE WHEN excluded.token = '' THEN accounts.token ELSE excluded.token END,
			endpoint = CASE WHEN excluded.endpoint = '' THEN accounts.endpoint ELSE excluded.endpoint END,
			needs_reauth = CASE WHEN excluded.token = '' THEN accounts.needs_reauth ELSE 0 END,
			updated_at = excluded.updated_at
	`, acc.ID, acc.DisplayName, acc.SelfUserID, acc.CredentialRef, string(groupsJSON), string(policyJSON),
		creds.Token, creds.Endpoint, acc.CreatedAt.UnixMilli(), acc.UpdatedAt.UnixMilli())
	if err != nil {
		return model.Account{}, err
	}
	return s.GetAccount(ctx, acc.ID)
}

type accountRow struct {
	id            string
	displayName   string
	selfUserID    string
	credentialRef string
	groupsJSON    string
	policyJSON    string
	createdAt     int64
	updatedAt     int64
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc scanner) (model.Account, error) {
	var row accountRow
	if err := sc.Scan(&row.id, &row.displayName, &row.selfUserID, &row.credentialRef, &row.groupsJSON, &row.policyJSON, &row.createdAt, &row.updatedAt); err != nil {
		return model.Account{}, err
	}
	acc := model.Account{
		ID:            row.id,
		DisplayName:   row.displayName,
		SelfUserID:    row.selfUserID,
		CredentialRef: row.credentialRef,
		CreatedAt:     time.UnixMilli(row.createdAt),
		UpdatedAt:     time.UnixMilli(row.updatedAt),
	}
	if err := json.Unmarshal([]byte(row.groupsJSON), &acc.Groups); err != nil {
		return model.Account{}, fmt.Errorf("decode groups of %s: %w", row.id, err)
	}
	if err := json.Unmarshal([]byte(row.policyJSON), &acc.Policy); err != nil {
		return model.Account{}, fmt.Errorf("decode policy of %s: %w", row.id, err)
	}
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return acc, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetAccountPolicy 只更新策略字段。
func (s *Store) SetAccountPolicy(ctx context.Context, id string, policy model.AccountPolicy) error {
	b, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET policy_json = ?, updated_at = ? WHERE id = ?`, string(b), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// Resolve 取会话凭证。令牌为空、已标记失效或账号不存在都需要重新登录；
// credential_ref 形如 env:NAME 时从环境变量取令牌。
func (s *Store) Resolve(ctx context.Context, accountID string) (model.Credentials, error) {
	var (
		token, endpoint, ref string
		needsReauth          int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, endpoint, credential_ref, needs_reauth FROM accounts WHERE id = ?
	`, accountID).Scan(&token, &endpoint, &ref, &needsReauth)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credentials{}, fmt.Errorf("account %s: %w", accountID, errkind.ErrNeedsReauth)
	}
	if err != nil {
		return model.Credentials{}, errkind.TransientErr("resolve credentials", err)
	}
	if needsReauth != 0 {
		return model.Credentials{}, fmt.Errorf("account %s: %w", accountID, errkind.ErrNeedsReauth)
	}
	if token == "" {
		if name, ok := strings.CutPrefix(ref, "env:"); ok {
			token = os.Getenv(name)
		}
	}
	if token == "" {
		return model.Credentials{}, fmt.Errorf("account %s has no token: %w", accountID, errkind.ErrNeedsReauth)
	}
	return model.Credentials{AccountID: accountID, Token: token, Endpoint: endpoint}, nil
}

func (s *Store) MarkNeedsReauth(ctx context.Context, accountID string, needs bool) error {
	v := 0
	if needs {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET needs_reauth = ?, updated_at = ? WHERE id = ?`, v, time.Now().UnixMilli(), accountID)
	return err
}

// NeedsReauth 管理端展示用。
func (s *Store) NeedsReauth(ctx context.Context, accountID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT needs_reauth FROM accounts WHERE id = ?`, accountID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return v != 0, err
}
