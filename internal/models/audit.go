package models

import "time"

// Outcome is the terminal result of an approval attempt as recorded in the
// audit ledger.
type Outcome string

const (
	OutcomeIssued            Outcome = "issued"
	OutcomeKeyRotated        Outcome = "key_rotated"
	OutcomeExecuted          Outcome = "executed"
	OutcomeDenied            Outcome = "denied"
	OutcomeRejectedTampered  Outcome = "rejected:tampered"
	OutcomeRejectedExpired   Outcome = "rejected:expired"
	OutcomeRejectedReplayed  Outcome = "rejected:replayed"
	OutcomeRejectedMismatch  Outcome = "rejected:mismatch"
	OutcomeRejectedBijection Outcome = "rejected:bijection"
)

// AuditEntry is one hash-chained record in the append-only ledger.
// EntryHash covers the canonical encoding of everything else, including
// PrevHash, so any historical edit breaks the chain.
type AuditEntry struct {
	Seq        int64
	Timestamp  time.Time
	EnvelopeID string
	WorkItemID string
	PlanHash   string
	Nonce      string
	Decisions  []Decision
	Outcome    Outcome
	Reason     string
	PrevHash   string
	EntryHash  string
}

// Anchor is a periodically written chain-head checkpoint. A truncated
// ledger tail no longer reproduces the anchored head hash.
type Anchor struct {
	EntryCount int64
	HeadHash   string
	WrittenAt  time.Time
}
