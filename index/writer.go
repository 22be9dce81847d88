package index

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dhcgn/mbox-drill/labels"
	"github.com/dhcgn/mbox-drill/model"
)

// Writer appends messages to an index. It is not safe for concurrent use;
// ingestion runs a single writer.
type Writer struct {
	db        *sql.DB
	tx        *sql.Tx
	pending   int
	batchSize int

	// labelIDs only holds ids of label rows that were committed or belong
	// to a released savepoint of the open transaction.
	labelIDs map[string]int64

	runID string
}

// Write stores msg and its label associations. The message is either
// indexed completely or not at all; on error the batch transaction stays
// usable for the following messages.
func (w *Writer) Write(ctx context.Context, msg model.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Statements must not be interrupted halfway through a message.
	ctx = context.WithoutCancel(ctx)

	tx, err := w.begin(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT message"); err != nil {
		return 0, fmt.Errorf("savepoint: %w", err)
	}

	id, newLabels, err := w.insert(ctx, tx, msg)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT message; RELEASE SAVEPOINT message"); rbErr != nil {
			return 0, fmt.Errorf("%v (rollback: %w)", err, rbErr)
		}
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT message"); err != nil {
		return 0, fmt.Errorf("release savepoint: %w", err)
	}
	for name, labelID := range newLabels {
		w.labelIDs[name] = labelID
	}

	w.pending++
	if w.pending >= w.batchSize {
		if err := w.commit(); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (w *Writer) insert(ctx context.Context, tx *sql.Tx, msg model.Message) (int64, map[string]int64, error) {
	var sentAt any
	if msg.HasDate() {
		sentAt = msg.SentAt.Unix()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			message_id, sender_address, sender_key, sender_domain, subject,
			sent_at, raw_date, year, size, raw_size,
			attachment_count, attachment_size, archive_offset, archive_length, degraded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SenderAddress, msg.SenderKey, msg.SenderDomain, msg.Subject,
		sentAt, msg.RawDate, msg.Year, msg.Size, msg.RawSize,
		msg.AttachmentCount, msg.AttachmentSize, msg.ArchiveOffset, msg.ArchiveLength, msg.Degraded,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil, fmt.Errorf("message id: %w", err)
	}

	names := msg.Labels
	if len(names) == 0 {
		names = []string{model.UnlabeledLabel}
	}
	newLabels := make(map[string]int64)
	for _, name := range names {
		labelID, ok := w.labelIDs[name]
		if !ok {
			labelID, ok = newLabels[name]
		}
		if !ok {
			labelID, err = upsertLabel(ctx, tx, name)
			if err != nil {
				return 0, nil, err
			}
			newLabels[name] = labelID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_labels (message_id, label_id) VALUES (?, ?)`,
			id, labelID,
		); err != nil {
			return 0, nil, fmt.Errorf("link label %q: %w", name, err)
		}
	}
	return id, newLabels, nil
}

func upsertLabel(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	info := labels.Classify(name)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO labels (name, kind, role) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		name, string(info.Kind), string(info.Role),
	); err != nil {
		return 0, fmt.Errorf("upsert label %q: %w", name, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM labels WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup label %q: %w", name, err)
	}
	return id, nil
}

func (w *Writer) begin(ctx context.Context) (*sql.Tx, error) {
	if w.tx != nil {
		return w.tx, nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	w.tx = tx
	w.pending = 0
	return tx, nil
}

func (w *Writer) commit() error {
	if w.tx == nil {
		return nil
	}
	tx := w.tx
	w.tx = nil
	w.pending = 0
	if err := tx.Commit(); err != nil {
		// Ids cached during the failed batch may point at rolled back rows.
		w.labelIDs = make(map[string]int64)
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Close commits the open batch, folds the write-ahead log back into the
// database file and closes it.
func (w *Writer) Close() error {
	err := w.commit()
	if err == nil {
		if _, jerr := w.db.Exec("PRAGMA journal_mode=DELETE"); jerr != nil {
			err = fmt.Errorf("checkpoint index: %w", jerr)
		}
	}
	if cerr := w.db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close index: %w", cerr)
	}
	return err
}
