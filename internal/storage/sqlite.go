package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"notihub/internal/models"
	logx "notihub/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the SQLite handle.
type Store struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

// Open opens (or creates) the database at cfg.Path and applies migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if !strings.HasPrefix(path, ":") && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: writers serialize here instead of on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &Store{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Schedules() *ScheduleRepo {
	return &ScheduleRepo{q: s.db, db: s.db, now: s.now}
}

func (s *Store) Logs() *LogRepo {
	return &LogRepo{q: s.db, db: s.db, now: s.now}
}

func (s *Store) Channels() *ChannelRepo {
	return &ChannelRepo{q: s.db, now: s.now}
}

func (s *Store) Lease() *LeaseRepo {
	return &LeaseRepo{q: s.db}
}

// Tx is one unit of work. Its repositories share the transaction.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *Tx) Schedules() *ScheduleRepo { return &ScheduleRepo{q: t.tx, now: t.now} }
func (t *Tx) Logs() *LogRepo           { return &LogRepo{q: t.tx, now: t.now} }
func (t *Tx) Channels() *ChannelRepo   { return &ChannelRepo{q: t.tx, now: t.now} }
func (t *Tx) Lease() *LeaseRepo        { return &LeaseRepo{q: t.tx} }

// WithinTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Warn("rollback failed", logx.Err(rbErr))
			}
		}
	}()
	if err = fn(&Tx{tx: sqlTx, now: s.now}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// atomic runs fn in its own transaction when q is the bare database,
// or directly when q already is a transaction.
func atomic(ctx context.Context, db *sql.DB, q queryer, fn func(q queryer) error) error {
	if db == nil {
		return fn(q)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// rangeClause appends inclusive bounds on col for the non-zero ends of r.
func rangeClause(where []string, args []any, col string, r models.DateRange) ([]string, []any) {
	if !r.From.IsZero() {
		where = append(where, col+" >= ?")
		args = append(args, millis(r.From))
	}
	if !r.To.IsZero() {
		where = append(where, col+" <= ?")
		args = append(args, millis(r.To))
	}
	return where, args
}

func whereSQL(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}
