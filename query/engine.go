// Package query answers drill-down questions against a finished index.
//
// Every breakout groups the messages matching a Filter by one Dimension.
// The filter of the dimension being broken out is ignored, so a pinned
// label still shows every label of the matching messages.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dhcgn/mbox-drill/index"
)

var ErrNotIndexed = errors.New("not an mbox index")

// Row is one group of a breakout. Key is the filter value for the group,
// Display is what to show for it.
type Row struct {
	Key     string `json:"key"`
	Display string `json:"display"`
	Count   int64  `json:"count"`
	Size    int64  `json:"size"`
}

type Totals struct {
	Messages int64 `json:"messages"`
	Size     int64 `json:"size"`
}

type LargeMessage struct {
	ID      int64  `json:"id"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	RawDate string `json:"raw_date"`
	Year    int    `json:"year"`
	Size    int64  `json:"size"`
}

type Run struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Status     index.RunStatus `json:"status"`
	index.Counts
}

type LabelInfo struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Role  string `json:"role"`
	Count int64  `json:"count"`
}

// Span locates a message in the archive it was indexed from.
type Span struct {
	ID     int64
	Offset int64
	Length int64
}

// Engine is a read-only handle on an index. It is safe for concurrent use.
type Engine struct {
	db *sql.DB
}

// Open opens the index at path read-only.
func Open(ctx context.Context, path string) (*Engine, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open index %s: %w", path, err)
		}
		return nil, fmt.Errorf("stat index: %w", err)
	}
	db, err := sql.Open("sqlite3", index.DSN(path, true))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	version, err := index.UserVersion(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNotIndexed, path, err)
	}
	if version != index.SchemaVersion {
		db.Close()
		if version == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotIndexed, path)
		}
		return nil, fmt.Errorf("%w: %d", index.ErrSchemaVersion, version)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

var breakoutSQL = map[Dimension]struct{ key, display, from, group string }{
	Label: {
		key:     "l.name",
		display: "l.name",
		from:    "messages m JOIN message_labels ml ON ml.message_id = m.id JOIN labels l ON l.id = ml.label_id",
		group:   "l.id",
	},
	Year: {
		key:     "CASE WHEN m.year = 0 THEN 'unknown' ELSE CAST(m.year AS TEXT) END",
		display: "CASE WHEN m.year = 0 THEN 'unknown' ELSE CAST(m.year AS TEXT) END",
		from:    "messages m",
		group:   "m.year",
	},
	Domain: {
		key:     "m.sender_domain",
		display: "m.sender_domain",
		from:    "messages m",
		group:   "m.sender_domain",
	},
	Sender: {
		key:     "m.sender_key",
		display: "MIN(m.sender_address)",
		from:    "messages m",
		group:   "m.sender_key",
	},
}

// Breakout groups the messages matching f by dim, biggest groups first and
// ties by key. limit <= 0 returns every group.
func (e *Engine) Breakout(ctx context.Context, dim Dimension, f Filter, limit int) ([]Row, error) {
	q, ok := breakoutSQL[dim]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}
	where, args := f.where(dim)
	stmt := fmt.Sprintf(`
		SELECT %s AS k, %s, COUNT(*) AS n, COALESCE(SUM(m.size), 0)
		FROM %s%s
		GROUP BY %s
		ORDER BY n DESC, k ASC`,
		q.key, q.display, q.from, where, q.group)
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := e.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("breakout by %s: %w", dim, err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Key, &r.Display, &r.Count, &r.Size); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", dim, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("breakout by %s: %w", dim, err)
	}
	return out, nil
}

// Totals counts the messages matching f.
func (e *Engine) Totals(ctx context.Context, f Filter) (Totals, error) {
	where, args := f.where("")
	var t Totals
	err := e.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(m.size), 0) FROM messages m"+where, args...,
	).Scan(&t.Messages, &t.Size)
	if err != nil {
		return Totals{}, fmt.Errorf("totals: %w", err)
	}
	return t, nil
}

// LargestMessages returns the biggest messages matching f.
func (e *Engine) LargestMessages(ctx context.Context, f Filter, limit int) ([]LargeMessage, error) {
	where, args := f.where("")
	stmt := `
		SELECT m.id, m.sender_address, m.subject, m.raw_date, m.year, m.size
		FROM messages m` + where + `
		ORDER BY m.size DESC, m.id ASC`
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := e.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("largest messages: %w", err)
	}
	defer rows.Close()

	out := []LargeMessage{}
	for rows.Next() {
		var m LargeMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Subject, &m.RawDate, &m.Year, &m.Size); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Spans returns where the messages matching f live in the source archive,
// in archive order.
func (e *Engine) Spans(ctx context.Context, f Filter) ([]Span, error) {
	where, args := f.where("")
	rows, err := e.db.QueryContext(ctx,
		"SELECT m.id, m.archive_offset, m.archive_length FROM messages m"+where+" ORDER BY m.archive_offset", args...)
	if err != nil {
		return nil, fmt.Errorf("spans: %w", err)
	}
	defer rows.Close()

	var out []Span
	for rows.Next() {
		var s Span
		if err := rows.Scan(&s.ID, &s.Offset, &s.Length); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Labels lists every label with its message count, most used first.
func (e *Engine) Labels(ctx context.Context) ([]LabelInfo, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT l.name, l.kind, l.role, COUNT(ml.message_id) AS n
		FROM labels l LEFT JOIN message_labels ml ON ml.label_id = l.id
		GROUP BY l.id
		ORDER BY n DESC, l.name ASC`)
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	defer rows.Close()

	var out []LabelInfo
	for rows.Next() {
		var l LabelInfo
		if err := rows.Scan(&l.Name, &l.Kind, &l.Role, &l.Count); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Runs returns the ingestion history, newest first.
func (e *Engine) Runs(ctx context.Context) ([]Run, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, source, started_at, finished_at, status,
		       scanned, indexed, degraded, malformed, filtered
		FROM ingest_runs
		ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
			status   string
		)
		if err := rows.Scan(&r.ID, &r.Source, &started, &finished, &status,
			&r.Scanned, &r.Indexed, &r.Degraded, &r.Malformed, &r.Filtered); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		if finished.Valid {
			r.FinishedAt = time.Unix(finished.Int64, 0).UTC()
		}
		r.Status = index.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
