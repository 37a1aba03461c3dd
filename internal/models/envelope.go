package models

import "time"

type EnvelopeState string

const (
	StatePending  EnvelopeState = "pending"
	StateConsumed EnvelopeState = "consumed"
	StateRejected EnvelopeState = "rejected"
	StateExpired  EnvelopeState = "expired"
)

// Envelope binds a plan hash and a single-use nonce to an approval
// lifecycle. Immutable after creation except for the one state transition.
type Envelope struct {
	EnvelopeID  string
	WorkItemID  string
	Nonce       string
	PlanHash    string
	State       EnvelopeState
	IssuedAt    time.Time
	ExpiresAt   time.Time
	ToolCallIDs []string
	KeyID       string
}

// RejectReason is the fine-grained rejection surfaced to callers.
type RejectReason string

const (
	ReasonUnknownNonce    RejectReason = "unknown_nonce"
	ReasonAlreadyConsumed RejectReason = "already_consumed"
	ReasonExpired         RejectReason = "expired"
	ReasonMismatch        RejectReason = "mismatch"
	ReasonBijection       RejectReason = "bijection"
	ReasonBadSignature    RejectReason = "bad_signature"
	ReasonUnknownKey      RejectReason = "unknown_key"
)
