// Package audit records every terminal approval outcome in an append-only,
// hash-chained ledger. Entries are canonically encoded before hashing so
// the chain is independent of field ordering, and periodic anchors bound
// how much history a truncation could hide.
package audit

import (
	"time"

	"github.com/mpataki/countersign/internal/canonical"
	"github.com/mpataki/countersign/internal/models"
)

// GenesisHash is the prev_hash of the first entry.
var GenesisHash = canonical.HashBytes([]byte("genesis-marker"))

// Record is what callers append: everything about an outcome except the
// chain fields, which the ledger computes.
type Record struct {
	Timestamp  time.Time
	EnvelopeID string
	WorkItemID string
	PlanHash   string
	Nonce      string
	Decisions  []models.Decision
	Outcome    models.Outcome
	Reason     string
}

// Ledger is the append-only audit log. There is no update or delete: the
// storage medium is swappable, the contract is not.
type Ledger interface {
	// Append chains and persists one record, returning the stored entry.
	Append(rec Record) (*models.AuditEntry, error)

	// Range returns entries with Seq >= fromSeq, in order, at most limit
	// (limit <= 0 means no limit).
	Range(fromSeq int64, limit int) ([]models.AuditEntry, error)

	// Anchor checkpoints the current chain head.
	Anchor() (*models.Anchor, error)

	// LastAnchor returns the most recent anchor, or nil if none exists.
	LastAnchor() (*models.Anchor, error)

	// Head returns the current entry count and head hash (GenesisHash when
	// the ledger is empty).
	Head() (int64, string, error)
}

// entryHash computes the hash of an entry over its canonical encoding,
// prev_hash included, entry_hash excluded.
func entryHash(e *models.AuditEntry) (string, error) {
	decisions := make([]any, len(e.Decisions))
	for i, d := range e.Decisions {
		decisions[i] = map[string]any{
			"tool_call_id": d.ToolCallID,
			"approved":     d.Approved,
		}
	}
	return canonical.Hash(map[string]any{
		"timestamp":    e.Timestamp.UTC().UnixNano(),
		"envelope_id":  e.EnvelopeID,
		"work_item_id": e.WorkItemID,
		"plan_hash":    e.PlanHash,
		"nonce":        e.Nonce,
		"decisions":    decisions,
		"outcome":      string(e.Outcome),
		"reason":       e.Reason,
		"prev_hash":    e.PrevHash,
	})
}
