// Package index writes the SQLite index an ingestion run produces.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrExists        = errors.New("index file already exists")
	ErrSchemaVersion = errors.New("unsupported index schema version")
)

const DefaultBatchSize = 500

// Options configures Create.
type Options struct {
	// Overwrite replaces an existing index file.
	Overwrite bool
	// BatchSize is the number of messages per transaction.
	BatchSize int
}

// Create makes a fresh index at path and returns a writer for it.
func Create(ctx context.Context, path string, opts Options) (*Writer, error) {
	if path == "" {
		return nil, fmt.Errorf("index path is empty")
	}
	if err := prepare(path, opts.Overwrite); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", DSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// One connection keeps the batch transaction and pragmas on the same handle.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Writer{
		db:        db,
		batchSize: batch,
		labelIDs:  make(map[string]int64),
	}, nil
}

// DSN builds the go-sqlite3 connection string for path. Read-only handles
// skip journal setup and refuse writes.
func DSN(path string, readOnly bool) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "OFF")
	}
	return "file:" + uriPathEscaper.Replace(filepath.Clean(path)) + "?" + q.Encode()
}

// uriPathEscaper escapes what SQLite's URI parser would otherwise read as a
// query, a fragment or a percent escape.
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

func prepare(path string, overwrite bool) error {
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("stat index: %w", err)
	case !overwrite:
		return fmt.Errorf("%w: %s (use --force to replace it)", ErrExists, path)
	}
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// Migrate brings db up to SchemaVersion.
func Migrate(ctx context.Context, db *sql.DB) error {
	version, err := UserVersion(ctx, db)
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: %d (this build knows %d)", ErrSchemaVersion, version, SchemaVersion)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// UserVersion reads the schema version stored in db.
func UserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
