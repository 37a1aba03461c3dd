// Package store persists approval envelopes in SQLite and owns the one
// state transition that matters: pending → consumed. The transition is a
// single conditional UPDATE, so two concurrent consumption attempts on the
// same nonce can never both succeed, and there is no check-then-act window
// for a crash to land in.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mpataki/countersign/internal/models"
)

var (
	ErrUnknownNonce    = errors.New("store: unknown nonce")
	ErrAlreadyConsumed = errors.New("store: nonce already consumed")
	ErrExpired         = errors.New("store: envelope expired")
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time; a single pooled connection turns
	// would-be SQLITE_BUSY errors into queueing.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the audit ledger can live in the
// same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	// Timestamps are integer Unix nanoseconds: the expiry comparison inside
	// the conditional UPDATE must be exact at the boundary, which text
	// timestamps cannot guarantee.
	schema := `
	CREATE TABLE IF NOT EXISTS envelopes (
		envelope_id TEXT PRIMARY KEY,
		work_item_id TEXT NOT NULL,
		nonce TEXT NOT NULL UNIQUE,
		plan_hash TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		issued_at_ns INTEGER NOT NULL,
		expires_at_ns INTEGER NOT NULL,
		tool_call_ids TEXT NOT NULL,
		key_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_envelopes_state ON envelopes(state);
	CREATE INDEX IF NOT EXISTS idx_envelopes_expires ON envelopes(expires_at_ns);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateParams carries everything write-once about a new envelope. The plan
// itself is not stored; the caller has already hashed it.
type CreateParams struct {
	WorkItemID  string
	PlanHash    string
	ToolCallIDs []string
	KeyID       string
	IssuedAt    time.Time
	TTL         time.Duration
}

// Create persists a fresh pending envelope with a new single-use nonce.
// This must complete before any human-facing rendering happens: the
// envelope is the trust anchor, not a confirmation dialog.
func (s *Store) Create(p CreateParams) (*models.Envelope, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	env := &models.Envelope{
		EnvelopeID:  uuid.NewString(),
		WorkItemID:  p.WorkItemID,
		Nonce:       nonce,
		PlanHash:    p.PlanHash,
		State:       models.StatePending,
		IssuedAt:    p.IssuedAt.UTC(),
		ExpiresAt:   p.IssuedAt.UTC().Add(p.TTL),
		ToolCallIDs: p.ToolCallIDs,
		KeyID:       p.KeyID,
	}

	idsJSON, err := json.Marshal(env.ToolCallIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool call ids: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO envelopes (envelope_id, work_item_id, nonce, plan_hash, state, issued_at_ns, expires_at_ns, tool_call_ids, key_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.EnvelopeID, env.WorkItemID, env.Nonce, env.PlanHash, env.State,
		env.IssuedAt.UnixNano(), env.ExpiresAt.UnixNano(), string(idsJSON), env.KeyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create envelope: %w", err)
	}

	return env, nil
}

// Consume atomically flips the envelope for nonce from pending to consumed,
// iff it is still pending and unexpired at now. On failure the returned
// error distinguishes unknown_nonce, already_consumed, and expired via a
// best-effort follow-up read; that read is diagnostics only, the security
// decision was the conditional UPDATE itself.
//
// A consumed nonce is permanently terminal. If execution fails downstream
// the nonce is not released: partial side effects may have happened, so the
// caller needs a fresh envelope and fresh human sign-off.
func (s *Store) Consume(nonce string, now time.Time) (*models.Envelope, error) {
	return s.transition(nonce, models.StateConsumed, now)
}

// Reject atomically flips a pending, unexpired envelope to rejected. Used
// when the human denies the plan or a pre-consumption check fails.
func (s *Store) Reject(nonce string, now time.Time) (*models.Envelope, error) {
	return s.transition(nonce, models.StateRejected, now)
}

func (s *Store) transition(nonce string, to models.EnvelopeState, now time.Time) (*models.Envelope, error) {
	res, err := s.db.Exec(
		`UPDATE envelopes SET state = ? WHERE nonce = ? AND state = 'pending' AND expires_at_ns > ?`,
		to, nonce, now.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to transition envelope: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if affected == 1 {
		return s.GetByNonce(nonce)
	}

	// The transition did not land. Classify why.
	env, err := s.GetByNonce(nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownNonce
	}
	if err != nil {
		return nil, err
	}
	switch {
	case env.State == models.StatePending, env.State == models.StateExpired:
		// Still pending means the UPDATE failed only on the expiry bound.
		return env, ErrExpired
	default:
		// consumed or rejected: the nonce already reached a terminal
		// decision, so a second submission is a replay.
		return env, ErrAlreadyConsumed
	}
}

// ExpireStale marks pending envelopes whose expiry has passed. Advisory
// housekeeping: Consume enforces expiry atomically on its own.
func (s *Store) ExpireStale(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE envelopes SET state = 'expired' WHERE state = 'pending' AND expires_at_ns <= ?`,
		now.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale envelopes: %w", err)
	}
	return res.RowsAffected()
}

// ExpireAllPending expires every pending envelope regardless of TTL. Key
// rotation invalidates in-flight approvals: a different key signs future
// decisions.
func (s *Store) ExpireAllPending() (int64, error) {
	res, err := s.db.Exec(`UPDATE envelopes SET state = 'expired' WHERE state = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending envelopes: %w", err)
	}
	return res.RowsAffected()
}

// Purge deletes terminal envelopes whose expiry is older than the retention
// period. Pending envelopes are never purged.
func (s *Store) Purge(now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.UTC().Add(-retention).UnixNano()
	res, err := s.db.Exec(
		`DELETE FROM envelopes WHERE state != 'pending' AND expires_at_ns <= ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge envelopes: %w", err)
	}
	return res.RowsAffected()
}

const envelopeColumns = `envelope_id, work_item_id, nonce, plan_hash, state, issued_at_ns, expires_at_ns, tool_call_ids, key_id`

// GetByNonce loads one envelope by its nonce. Returns sql.ErrNoRows wrapped
// when absent.
func (s *Store) GetByNonce(nonce string) (*models.Envelope, error) {
	row := s.db.QueryRow(`SELECT `+envelopeColumns+` FROM envelopes WHERE nonce = ?`, nonce)
	return scanEnvelope(row)
}

// Get loads one envelope by id.
func (s *Store) Get(envelopeID string) (*models.Envelope, error) {
	row := s.db.QueryRow(`SELECT `+envelopeColumns+` FROM envelopes WHERE envelope_id = ?`, envelopeID)
	return scanEnvelope(row)
}

// List returns the most recently issued envelopes.
func (s *Store) List(limit int) ([]*models.Envelope, error) {
	rows, err := s.db.Query(
		`SELECT `+envelopeColumns+` FROM envelopes ORDER BY issued_at_ns DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*models.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	return envs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scanner) (*models.Envelope, error) {
	var env models.Envelope
	var issuedNS, expiresNS int64
	var idsJSON string

	err := row.Scan(
		&env.EnvelopeID, &env.WorkItemID, &env.Nonce, &env.PlanHash, &env.State,
		&issuedNS, &expiresNS, &idsJSON, &env.KeyID,
	)
	if err != nil {
		return nil, err
	}

	env.IssuedAt = time.Unix(0, issuedNS).UTC()
	env.ExpiresAt = time.Unix(0, expiresNS).UTC()
	if err := json.Unmarshal([]byte(idsJSON), &env.ToolCallIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool call ids: %w", err)
	}

	return &env, nil
}

func newNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
