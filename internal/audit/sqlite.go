package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/countersign/internal/models"
)

// SQLiteLedger stores the chain in the same database file as the envelope
// store. Appends serialize on a mutex: each append reads the head and
// writes one row, and the chain invariant needs those to be adjacent.
type SQLiteLedger struct {
	mu             sync.Mutex
	db             *sql.DB
	anchorInterval int64
}

// NewSQLiteLedger creates the audit tables if needed. anchorInterval is the
// entry count between automatic anchors (<= 0 uses the default of 100).
func NewSQLiteLedger(db *sql.DB, anchorInterval int64) (*SQLiteLedger, error) {
	if anchorInterval <= 0 {
		anchorInterval = 100
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ns INTEGER NOT NULL,
		envelope_id TEXT NOT NULL,
		work_item_id TEXT NOT NULL,
		plan_hash TEXT NOT NULL,
		nonce TEXT NOT NULL,
		decisions TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_anchors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_count INTEGER NOT NULL,
		head_hash TEXT NOT NULL,
		written_at_ns INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create audit tables: %w", err)
	}

	return &SQLiteLedger{db: db, anchorInterval: anchorInterval}, nil
}

func (l *SQLiteLedger) Append(rec Record) (*models.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, head, err := l.head()
	if err != nil {
		return nil, err
	}

	entry := &models.AuditEntry{
		Timestamp:  rec.Timestamp.UTC(),
		EnvelopeID: rec.EnvelopeID,
		WorkItemID: rec.WorkItemID,
		PlanHash:   rec.PlanHash,
		Nonce:      rec.Nonce,
		Decisions:  rec.Decisions,
		Outcome:    rec.Outcome,
		Reason:     rec.Reason,
		PrevHash:   head,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		return nil, err
	}

	decJSON, err := json.Marshal(entry.Decisions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decisions: %w", err)
	}

	res, err := l.db.Exec(
		`INSERT INTO audit_entries (timestamp_ns, envelope_id, work_item_id, plan_hash, nonce, decisions, outcome, reason, prev_hash, entry_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UnixNano(), entry.EnvelopeID, entry.WorkItemID, entry.PlanHash,
		entry.Nonce, string(decJSON), entry.Outcome, entry.Reason, entry.PrevHash, entry.EntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	entry.Seq, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if (count+1)%l.anchorInterval == 0 {
		if _, err := l.anchorLocked(); err != nil {
			return nil, err
		}
	}

	return entry, nil
}

func (l *SQLiteLedger) Range(fromSeq int64, limit int) ([]models.AuditEntry, error) {
	q := `SELECT seq, timestamp_ns, envelope_id, work_item_id, plan_hash, nonce, decisions, outcome, reason, prev_hash, entry_hash
	      FROM audit_entries WHERE seq >= ? ORDER BY seq`
	args := []any{fromSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var tsNS int64
		var decJSON string
		if err := rows.Scan(
			&e.Seq, &tsNS, &e.EnvelopeID, &e.WorkItemID, &e.PlanHash,
			&e.Nonce, &decJSON, &e.Outcome, &e.Reason, &e.PrevHash, &e.EntryHash,
		); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, tsNS).UTC()
		if err := json.Unmarshal([]byte(decJSON), &e.Decisions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decisions: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (l *SQLiteLedger) Anchor() (*models.Anchor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anchorLocked()
}

func (l *SQLiteLedger) anchorLocked() (*models.Anchor, error) {
	count, head, err := l.head()
	if err != nil {
		return nil, err
	}

	anchor := &models.Anchor{
		EntryCount: count,
		HeadHash:   head,
		WrittenAt:  time.Now().UTC(),
	}
	_, err = l.db.Exec(
		`INSERT INTO audit_anchors (entry_count, head_hash, written_at_ns) VALUES (?, ?, ?)`,
		anchor.EntryCount, anchor.HeadHash, anchor.WrittenAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write anchor: %w", err)
	}
	return anchor, nil
}

// Close anchors the chain head if entries were appended since the last
// anchor, so a clean shutdown never leaves an unanchored tail. The shared
// database handle is left open for the store to close.
func (l *SQLiteLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, head, err := l.head()
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	last, err := l.LastAnchor()
	if err != nil {
		return err
	}
	if last != nil && last.EntryCount == count && last.HeadHash == head {
		return nil
	}
	_, err = l.anchorLocked()
	return err
}

func (l *SQLiteLedger) LastAnchor() (*models.Anchor, error) {
	row := l.db.QueryRow(
		`SELECT entry_count, head_hash, written_at_ns FROM audit_anchors ORDER BY id DESC LIMIT 1`,
	)
	var a models.Anchor
	var tsNS int64
	err := row.Scan(&a.EntryCount, &a.HeadHash, &tsNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.WrittenAt = time.Unix(0, tsNS).UTC()
	return &a, nil
}

func (l *SQLiteLedger) Head() (int64, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head()
}

func (l *SQLiteLedger) head() (int64, string, error) {
	row := l.db.QueryRow(`SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM audit_entries`)
	var count, maxSeq int64
	if err := row.Scan(&count, &maxSeq); err != nil {
		return 0, "", err
	}
	if count == 0 {
		return 0, GenesisHash, nil
	}

	var head string
	if err := l.db.QueryRow(`SELECT entry_hash FROM audit_entries WHERE seq = ?`, maxSeq).Scan(&head); err != nil {
		return 0, "", err
	}
	return count, head, nil
}
