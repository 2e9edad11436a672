package store

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenSQLite opens a SQLite database and runs all pending migrations.
// Use ":memory:" for an in-memory database.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// SQLStore implements Store on SQLite.
type SQLStore struct {
	DB  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, now: time.Now}
}

const documentColumns = `kind, id, partition_key, data, etag, version, deleted_ns, expires_ns, created_ns, updated_ns`

func (s *SQLStore) Get(ctx context.Context, kind, id string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE kind = ? AND id = ?`, kind, id)
	rec, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	if err := s.loadUniqueKeys(ctx, s.DB, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLStore) Add(ctx context.Context, rec *Record) (*Record, error) {
	var out *Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM documents WHERE kind = ? AND id = ?`, rec.Kind, rec.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check %s %s: %w", rec.Kind, rec.ID, err)
		}
		if exists > 0 {
			return conflict(rec.Kind, rec.ID, "already exists")
		}
		stored := rec.clone()
		now := s.now().UTC()
		stored.Version = 1
		stored.ETag = newETag()
		stored.Created = now
		stored.Updated = now
		if err := s.write(ctx, tx, stored); err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Set(ctx context.Context, rec *Record, expectedETag string) (*Record, error) {
	var out *Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			etag      string
			version   int
			createdNs int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT etag, version, created_ns FROM documents WHERE kind = ? AND id = ?`,
			rec.Kind, rec.ID,
		).Scan(&etag, &version, &createdNs)
		exists := err == nil
		if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read %s %s: %w", rec.Kind, rec.ID, err)
		}
		if expectedETag != "" {
			if !exists {
				return notFound(rec.Kind, rec.ID)
			}
			if etag != expectedETag {
				return conflict(rec.Kind, rec.ID, "etag mismatch")
			}
		}

		stored := rec.clone()
		now := s.now().UTC()
		stored.Updated = now
		stored.ETag = newETag()
		stored.Version = 1
		stored.Created = now
		if exists {
			stored.Version = version + 1
			stored.Created = time.Unix(0, createdNs).UTC()
		}
		if err := s.write(ctx, tx, stored); err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Remove(ctx context.Context, kind, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE kind = ? AND id = ?`, kind, id)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", kind, id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(kind, id)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM document_unique_keys WHERE kind = ? AND id = ?`, kind, id)
		return err
	})
}

func (s *SQLStore) List(ctx context.Context, kind, partition string) ([]*Record, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE kind = ?`
	args := []any{kind}
	if partition != "" {
		query += ` AND partition_key = ?`
		args = append(args, partition)
	}
	query += ` ORDER BY created_ns, id`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, rec := range out {
		if err := s.loadUniqueKeys(ctx, s.DB, rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) Purge(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cutoff := now.UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM document_unique_keys WHERE EXISTS (
				SELECT 1 FROM documents d
				WHERE d.kind = document_unique_keys.kind
				  AND d.id = document_unique_keys.id
				  AND d.expires_ns IS NOT NULL AND d.expires_ns <= ?)`, cutoff); err != nil {
			return fmt.Errorf("purge unique keys: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE expires_ns IS NOT NULL AND expires_ns <= ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purge documents: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (s *SQLStore) write(ctx context.Context, tx *sql.Tx, rec *Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			partition_key = excluded.partition_key,
			data = excluded.data,
			etag = excluded.etag,
			version = excluded.version,
			deleted_ns = excluded.deleted_ns,
			expires_ns = excluded.expires_ns,
			updated_ns = excluded.updated_ns`,
		rec.Kind, rec.ID, rec.PartitionKey, rec.Data, rec.ETag, rec.Version,
		nullableNanos(rec.Deleted), nullableNanos(rec.ExpiresAt),
		rec.Created.UnixNano(), rec.Updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("write %s %s: %w", rec.Kind, rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_unique_keys WHERE kind = ? AND id = ?`, rec.Kind, rec.ID); err != nil {
		return fmt.Errorf("clear unique keys: %w", err)
	}
	for _, k := range rec.UniqueKeys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO document_unique_keys (kind, partition_key, unique_key, id) VALUES (?, ?, ?, ?)`,
			rec.Kind, rec.PartitionKey, k, rec.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return conflict(rec.Kind, rec.ID, "unique key "+k+" taken")
			}
			return fmt.Errorf("insert unique key: %w", err)
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) loadUniqueKeys(ctx context.Context, q queryer, rec *Record) error {
	rows, err := q.QueryContext(ctx,
		`SELECT unique_key FROM document_unique_keys WHERE kind = ? AND id = ? ORDER BY unique_key`,
		rec.Kind, rec.ID)
	if err != nil {
		return fmt.Errorf("load unique keys: %w", err)
	}
	defer rows.Close()
	rec.UniqueKeys = nil
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return err
		}
		rec.UniqueKeys = append(rec.UniqueKeys, k)
	}
	return rows.Err()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec                 Record
		deleted, expires    sql.NullInt64
		createdNs, updateNs int64
	)
	if err := sc.Scan(&rec.Kind, &rec.ID, &rec.PartitionKey, &rec.Data, &rec.ETag, &rec.Version,
		&deleted, &expires, &createdNs, &updateNs); err != nil {
		return nil, err
	}
	rec.Deleted = timeFromNanos(deleted)
	rec.ExpiresAt = timeFromNanos(expires)
	rec.Created = time.Unix(0, createdNs).UTC()
	rec.Updated = time.Unix(0, updateNs).UTC()
	return &rec, nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func timeFromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
