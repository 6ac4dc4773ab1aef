package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"reelforge/internal/faults"
	logx "reelforge/pkg/logx"
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
		return nil, faults.Config("storage.path is required for the sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serializes writers, which also makes Mutate atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return errors.Wrap(err, "apply migrations")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const nextSeq = `COALESCE((SELECT MAX(seq) FROM documents WHERE coll = ?), 0) + 1`

func (s *sqliteStore) Create(ctx context.Context, coll, id string, data []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(coll, id, seq, data, updated_at)
		 VALUES(?, ?, `+nextSeq+`, ?, ?)
		 ON CONFLICT(coll, id) DO NOTHING`,
		coll, id, coll, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "create %s/%s", coll, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "create %s/%s", coll, id)
	}
	if n == 0 {
		return errors.Wrapf(ErrConflict, "%s/%s exists", coll, id)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, coll, id string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE coll = ? AND id = ?`, coll, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s", coll, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s/%s", coll, id)
	}
	return []byte(data), nil
}

func (s *sqliteStore) Put(ctx context.Context, coll, id string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(coll, id, seq, data, updated_at)
		 VALUES(?, ?, `+nextSeq+`, ?, ?)
		 ON CONFLICT(coll, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		coll, id, coll, string(data), time.Now().UnixMilli(),
	)
	return errors.Wrapf(err, "put %s/%s", coll, id)
}

func (s *sqliteStore) Mutate(ctx context.Context, coll, id string, fn MutateFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT data FROM documents WHERE coll = ? AND id = ?`, coll, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "%s/%s", coll, id)
	}
	if err != nil {
		return errors.Wrapf(err, "mutate read %s/%s", coll, id)
	}

	next, err := fn([]byte(cur))
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE coll = ? AND id = ?`,
		string(next), time.Now().UnixMilli(), coll, id,
	); err != nil {
		return errors.Wrapf(err, "mutate write %s/%s", coll, id)
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, coll, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE coll = ? AND id = ?`, coll, id)
	if err != nil {
		return errors.Wrapf(err, "delete %s/%s", coll, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "%s/%s", coll, id)
	}
	return nil
}

func (s *sqliteStore) Query(ctx context.Context, coll string, filters ...Filter) ([]Record, error) {
	var (
		where strings.Builder
		args  = []any{coll}
	)
	where.WriteString("coll = ?")
	for _, f := range filters {
		clause, fargs, err := sqliteClause(f)
		if err != nil {
			return nil, err
		}
		where.WriteString(" AND ")
		where.WriteString(clause)
		args = append(args, fargs...)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM documents WHERE `+where.String()+` ORDER BY seq`, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", coll)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, errors.Wrapf(err, "scan %s", coll)
		}
		out = append(out, Record{ID: id, Data: []byte(data)})
	}
	return out, errors.Wrapf(rows.Err(), "query %s", coll)
}

func sqliteClause(f Filter) (string, []any, error) {
	if !validField(f.Field) {
		return "", nil, faults.Invalid("invalid filter field %q", f.Field)
	}
	path := "json_extract(data, '$." + f.Field + "')"
	switch f.Op {
	case OpEq:
		return path + " = ?", []any{sqliteValue(f.Value)}, nil
	case OpNe:
		return "(" + path + " IS NULL OR " + path + " != ?)", []any{sqliteValue(f.Value)}, nil
	case OpIn:
		vs, _ := f.Value.([]string)
		if len(vs) == 0 {
			return "0", nil, nil
		}
		args := make([]any, len(vs))
		for i, v := range vs {
			args[i] = v
		}
		return path + " IN (?" + strings.Repeat(",?", len(vs)-1) + ")", args, nil
	default:
		return "", nil, faults.Invalid("unsupported filter op %q", f.Op)
	}
}

// json_extract yields 1/0 for JSON booleans.
func sqliteValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func validField(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
