package runlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ncsdark/jobgate/pkg/logx"
	"github.com/ncsdark/jobgate/pkg/retention"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	// Keep bounds the table size; after roughly PruneEvery inserts the store
	// sweeps itself down to the newest Keep records. 0 disables auto-prune.
	Keep       int
	PruneEvery uint64
}

// SQLite is the durable Store. One writer connection; WAL journal.
type SQLite struct {
	db  *sql.DB
	log logx.Logger

	opCount atomic.Uint64
	every   uint64
	janitor *retention.Janitor
}

func OpenSQLite(cfg SQLiteConfig, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single pooled connection keeps pragmas
	// consistent and serializes writes in-process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &SQLite{db: db, log: log, every: cfg.PruneEvery}
	if st.every == 0 {
		st.every = 500
	}
	if cfg.Keep > 0 {
		st.janitor = retention.New(st, retention.Config{Keep: cfg.Keep}, log)
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Insert(ctx context.Context, rec Record) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records(created, finished, canceled, terminated, failed, message)
		 VALUES(?,?,?,?,?,?)`,
		rec.Created.UTC().Format(time.RFC3339Nano),
		nullTime(rec.Finished),
		rec.Canceled, rec.Terminated, rec.Failed,
		nullStr(rec.Message),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if s.janitor != nil && s.opCount.Add(1)%s.every == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_, _ = s.janitor.Sweep(pctx)
		cancel()
	}
	return id, nil
}

func (s *SQLite) Finalize(ctx context.Context, id int64, fin Final) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_records
		 SET finished = ?, canceled = ?, terminated = ?, failed = ?, message = ?
		 WHERE id = ?`,
		nullTime(fin.Finished), fin.Canceled, fin.Terminated, fin.Failed, nullStr(fin.Message), id,
	)
	if err != nil {
		return fmt.Errorf("finalize run record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]Record, error) {
	q := `SELECT id, created, finished, canceled, terminated, failed, message FROM run_records`
	var conds []string
	var args []any
	if f.Canceled != nil {
		conds = append(conds, "canceled = ?")
		args = append(args, *f.Canceled)
	}
	if f.Terminated != nil {
		conds = append(conds, "terminated = ?")
		args = append(args, *f.Terminated)
	}
	if f.Failed != nil {
		conds = append(conds, "failed = ?")
		args = append(args, *f.Failed)
	}
	if f.FinishedOnly {
		conds = append(conds, "finished IS NOT NULL")
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			created  string
			finished sql.NullString
			message  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &created, &finished, &rec.Canceled, &rec.Terminated, &rec.Failed, &message); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		rec.Created, err = parseTime(created)
		if err != nil {
			return nil, err
		}
		if finished.Valid {
			rec.Finished, err = parseTime(finished.String)
			if err != nil {
				return nil, err
			}
		}
		if message.Valid {
			rec.Message = message.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count and DeleteOldest implement the retention contract.

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM run_records`).Scan(&n)
	return n, err
}

func (s *SQLite) DeleteOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_records WHERE id IN (
		   SELECT id FROM run_records ORDER BY created ASC, id ASC LIMIT ?
		 )`, n)
	if err != nil {
		return 0, fmt.Errorf("delete oldest records: %w", err)
	}
	deleted, err := res.RowsAffected()
	return int(deleted), err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", v, err)
	}
	return t, nil
}
