package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pacebot/internal/model"
	logx "pacebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveTask(ctx context.Context, t *model.Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, status, created_at, updated_at, body) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at, body=excluded.body`,
		t.ID, string(t.Status), t.CreatedAt.UnixNano(), time.Now().UnixNano(), string(body),
	)
	return err
}

func (s *sqliteStore) LoadTasks(ctx context.Context, statuses ...model.Status) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keep := statusFilter(statuses)
	var out []*model.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t := &model.Task{}
		if err := json.Unmarshal([]byte(body), t); err != nil {
			s.log.Warn("skipping undecodable task row", logx.Err(err))
			continue
		}
		if keep(t.Status) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM actions WHERE task_id = ?`, id)
	return err
}

func (s *sqliteStore) AppendAction(ctx context.Context, rec model.ActionRecord) error {
	var executed any
	if rec.ExecutedAt != nil {
		executed = rec.ExecutedAt.UnixNano()
	}
	var params any
	if len(rec.Params) > 0 {
		b, err := json.Marshal(rec.Params)
		if err != nil {
			return err
		}
		params = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions(id, task_id, account_id, action_type, target, scheduled_at, executed_at, outcome, attempts, err, params)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TaskID, rec.AccountID, string(rec.Type), nullStr(rec.Target),
		rec.ScheduledAt.UnixNano(), executed, string(rec.Outcome), rec.Attempts, nullStr(rec.Error), params,
	)
	return err
}

func (s *sqliteStore) ListActions(ctx context.Context, taskID string, limit int) ([]model.ActionRecord, error) {
	q := `SELECT id, task_id, account_id, action_type, target, scheduled_at, executed_at, outcome, attempts, err, params
	      FROM actions WHERE task_id = ? ORDER BY seq DESC`
	args := []any{taskID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActionRecord
	for rows.Next() {
		var (
			rec             model.ActionRecord
			typ, outcome    string
			target, errText sql.NullString
			params          sql.NullString
			scheduled       int64
			executed        sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.AccountID, &typ, &target, &scheduled, &executed, &outcome, &rec.Attempts, &errText, &params); err != nil {
			return nil, err
		}
		rec.Type = model.ActionType(typ)
		rec.Outcome = model.Outcome(outcome)
		rec.Target = target.String
		rec.Error = errText.String
		rec.ScheduledAt = time.Unix(0, scheduled)
		if executed.Valid {
			at := time.Unix(0, executed.Int64)
			rec.ExecutedAt = &at
		}
		if params.Valid && params.String != "" {
			_ = json.Unmarshal([]byte(params.String), &rec.Params)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows came newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) SaveAccount(ctx context.Context, a model.Account) error {
	return s.putBody(ctx, "accounts", a.ID, a)
}

func (s *sqliteStore) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	var out []model.Account
	err := s.scanBodies(ctx, "accounts", func(b []byte) error {
		var a model.Account
		if err := json.Unmarshal(b, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func (s *sqliteStore) SaveProxy(ctx context.Context, p model.Proxy) error {
	return s.putBody(ctx, "proxies", p.ID, p)
}

func (s *sqliteStore) LoadProxies(ctx context.Context) ([]model.Proxy, error) {
	var out []model.Proxy
	err := s.scanBodies(ctx, "proxies", func(b []byte) error {
		var p model.Proxy
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// putBody upserts a JSON row into one of the id/body tables.
func (s *sqliteStore) putBody(ctx context.Context, table, id string, v any) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s: id is required", table)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+`(id, body) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET body=excluded.body`,
		id, string(b),
	)
	return err
}

func (s *sqliteStore) scanBodies(ctx context.Context, table string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM `+table+` ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
