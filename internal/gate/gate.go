// Package gate is the surface the agent loop talks to: submit a plan, get
// an envelope; submit a signed decision set, get authorize-or-reject with a
// reason. Every terminal outcome is appended to the audit ledger before
// control returns, so the ledger is authoritative even when the error
// handed back upstream is generic.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mpataki/countersign/internal/audit"
	"github.com/mpataki/countersign/internal/keys"
	"github.com/mpataki/countersign/internal/models"
	"github.com/mpataki/countersign/internal/policy"
	"github.com/mpataki/countersign/internal/signing"
	"github.com/mpataki/countersign/internal/store"
	"github.com/mpataki/countersign/internal/verifier"
)

type Gate struct {
	store    *store.Store
	ledger   audit.Ledger
	keys     *keys.Manager
	registry *policy.Registry
	ttl      time.Duration
	logger   *slog.Logger
}

func New(st *store.Store, ledger audit.Ledger, km *keys.Manager, reg *policy.Registry, ttl time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:    st,
		ledger:   ledger,
		keys:     km,
		registry: reg,
		ttl:      ttl,
		logger:   logger,
	}
}

// Submission is what the agent loop hands back after the human signed: the
// signed object's fields plus the hex signature.
type Submission struct {
	Nonce     string            `json:"nonce"`
	PlanHash  string            `json:"plan_hash"`
	KeyID     string            `json:"key_id"`
	Decisions []models.Decision `json:"decisions"`
	Signature string            `json:"signature"`
}

// Result is the gate's answer for one approval attempt. Outcome is always
// set; Reason is set for every non-executed outcome.
type Result struct {
	Outcome  models.Outcome
	Reason   models.RejectReason
	Envelope *models.Envelope
}

// Authorized reports whether the plan may execute.
func (r *Result) Authorized() bool {
	return r.Outcome == models.OutcomeExecuted
}

// Request creates a pending envelope for the plan. Returns (nil, nil) when
// the plan needs no approval because every call is registered read-only.
// The envelope is persisted before this returns: rendering for the human
// happens against an already-anchored record, never the other way around.
func (g *Gate) Request(plan *models.ExecutionPlan) (*models.Envelope, error) {
	if g.registry != nil && !g.registry.RequiresApproval(plan) {
		g.logger.Debug("plan is read-only, no envelope required", "work_item_id", plan.WorkItemID)
		return nil, nil
	}

	planHash, err := verifier.PlanHash(plan)
	if err != nil {
		return nil, err
	}
	keyID, err := g.keys.ActiveKeyID()
	if err != nil {
		return nil, err
	}

	env, err := g.store.Create(store.CreateParams{
		WorkItemID:  plan.WorkItemID,
		PlanHash:    planHash,
		ToolCallIDs: plan.CallIDs(),
		KeyID:       keyID,
		IssuedAt:    time.Now(),
		TTL:         g.ttl,
	})
	if err != nil {
		return nil, err
	}

	if _, err := g.ledger.Append(audit.Record{
		Timestamp:  env.IssuedAt,
		EnvelopeID: env.EnvelopeID,
		WorkItemID: env.WorkItemID,
		PlanHash:   env.PlanHash,
		Nonce:      env.Nonce,
		Outcome:    models.OutcomeIssued,
	}); err != nil {
		return nil, err
	}

	g.logger.Info("envelope issued",
		"envelope_id", env.EnvelopeID,
		"work_item_id", env.WorkItemID,
		"expires_at", env.ExpiresAt,
	)
	return env, nil
}

// Submit runs one approval attempt end to end: signature check, atomic
// nonce consumption, live plan re-hash, decision bijection. Failures are
// terminal for this envelope; the only recovery is a fresh envelope and
// fresh human sign-off. The returned error is non-nil only for internal
// faults (storage, encoding); protocol rejections come back in the Result.
func (g *Gate) Submit(sub Submission, livePlan *models.ExecutionPlan, now time.Time) (*Result, error) {
	// Best-effort context for audit records; the authoritative state check
	// is the conditional transition below, never this read.
	env, lookupErr := g.store.GetByNonce(sub.Nonce)
	if lookupErr != nil {
		env = nil
	}

	approval := signing.Approval{
		Ctx:       signing.Context,
		Nonce:     sub.Nonce,
		PlanHash:  sub.PlanHash,
		KeyID:     sub.KeyID,
		Decisions: sub.Decisions,
	}

	// Signature first: nothing an unsigned submission says is trusted,
	// including its claim to a nonce.
	if err := signing.Verify(g.keys, approval, sub.Signature); err != nil {
		reason := models.ReasonBadSignature
		if errors.Is(err, keys.ErrUnknownKey) {
			reason = models.ReasonUnknownKey
		}
		if env != nil {
			g.store.Reject(sub.Nonce, now) // best effort; envelope may already be terminal
		}
		return g.finish(env, sub, models.OutcomeRejectedTampered, reason, now)
	}

	// The envelope records which key was expected at issuance. A valid
	// signature under some other known key is still not an approval of
	// this envelope.
	if env != nil && env.KeyID != sub.KeyID {
		g.store.Reject(sub.Nonce, now)
		return g.finish(env, sub, models.OutcomeRejectedTampered, models.ReasonUnknownKey, now)
	}

	// A malformed decision set is a bijection failure even when it carries
	// a denial; the reason distinction matters for audit triage.
	if env != nil {
		if err := verifier.CheckBijection(env.ToolCallIDs, sub.Decisions); err != nil {
			g.store.Reject(sub.Nonce, now)
			return g.finish(env, sub, models.OutcomeRejectedBijection, models.ReasonBijection, now)
		}
	}

	// A denial anywhere in the set blocks the whole plan: the plan hash
	// covers all calls, so partial execution would be a different plan.
	if denied(sub.Decisions) {
		rejected, err := g.store.Reject(sub.Nonce, now)
		if err != nil {
			return g.finishTransitionFailure(rejected, sub, err, now)
		}
		return g.finish(rejected, sub, models.OutcomeDenied, "", now)
	}

	consumed, err := g.store.Consume(sub.Nonce, now)
	if err != nil {
		return g.finishTransitionFailure(consumed, sub, err, now)
	}

	// Consumption succeeded; from here every outcome is terminal for this
	// nonce even if verification fails.
	if sub.PlanHash != consumed.PlanHash {
		return g.finish(consumed, sub, models.OutcomeRejectedMismatch, models.ReasonMismatch, now)
	}
	liveHash, err := verifier.VerifyLive(consumed.PlanHash, livePlan)
	if err != nil {
		if errors.Is(err, verifier.ErrMismatch) {
			return g.finishWithHash(consumed, sub, liveHash, models.OutcomeRejectedMismatch, models.ReasonMismatch, now)
		}
		return nil, err
	}

	if err := verifier.CheckBijection(consumed.ToolCallIDs, sub.Decisions); err != nil {
		if errors.Is(err, verifier.ErrBijection) {
			return g.finish(consumed, sub, models.OutcomeRejectedBijection, models.ReasonBijection, now)
		}
		return nil, err
	}

	return g.finish(consumed, sub, models.OutcomeExecuted, "", now)
}

// Rotate installs a fresh signing key and expires every pending envelope:
// a different key signs future decisions, so in-flight approvals are void.
// The returned session is unlocked and must be Closed by the caller.
func (g *Gate) Rotate(newPassphrase string) (*keys.Session, int64, error) {
	sess, err := g.keys.Rotate(newPassphrase)
	if err != nil {
		return nil, 0, err
	}

	expired, err := g.store.ExpireAllPending()
	if err != nil {
		sess.Close()
		return nil, 0, err
	}

	if _, err := g.ledger.Append(audit.Record{
		Timestamp: time.Now(),
		Outcome:   models.OutcomeKeyRotated,
		Reason:    fmt.Sprintf("expired %d pending envelopes", expired),
	}); err != nil {
		sess.Close()
		return nil, 0, err
	}

	g.logger.Info("signing key rotated", "new_key_id", sess.KeyID(), "envelopes_expired", expired)
	return sess, expired, nil
}

// ExpireStale is the housekeeping pass; consumption enforces expiry on its
// own, this keeps storage tidy.
func (g *Gate) ExpireStale(now time.Time) (int64, error) {
	return g.store.ExpireStale(now)
}

// Purge removes terminal envelopes past the retention period.
func (g *Gate) Purge(now time.Time, retention time.Duration) (int64, error) {
	return g.store.Purge(now, retention)
}

func denied(decisions []models.Decision) bool {
	for _, d := range decisions {
		if !d.Approved {
			return true
		}
	}
	return false
}

// finishTransitionFailure maps a failed conditional transition onto its
// audit outcome and reason.
func (g *Gate) finishTransitionFailure(env *models.Envelope, sub Submission, err error, now time.Time) (*Result, error) {
	switch {
	case errors.Is(err, store.ErrUnknownNonce):
		return g.finish(env, sub, models.OutcomeRejectedReplayed, models.ReasonUnknownNonce, now)
	case errors.Is(err, store.ErrAlreadyConsumed):
		return g.finish(env, sub, models.OutcomeRejectedReplayed, models.ReasonAlreadyConsumed, now)
	case errors.Is(err, store.ErrExpired):
		return g.finish(env, sub, models.OutcomeRejectedExpired, models.ReasonExpired, now)
	default:
		return nil, err
	}
}

func (g *Gate) finish(env *models.Envelope, sub Submission, outcome models.Outcome, reason models.RejectReason, now time.Time) (*Result, error) {
	return g.finishWithHash(env, sub, sub.PlanHash, outcome, reason, now)
}

// finishWithHash appends the terminal outcome to the ledger and builds the
// result. planHash is the hash computed at verification time so drift is
// forensically reconstructable from the ledger alone.
func (g *Gate) finishWithHash(env *models.Envelope, sub Submission, planHash string, outcome models.Outcome, reason models.RejectReason, now time.Time) (*Result, error) {
	rec := audit.Record{
		Timestamp: now,
		Nonce:     sub.Nonce,
		PlanHash:  planHash,
		Decisions: sub.Decisions,
		Outcome:   outcome,
		Reason:    string(reason),
	}
	if env != nil {
		rec.EnvelopeID = env.EnvelopeID
		rec.WorkItemID = env.WorkItemID
	}
	if _, err := g.ledger.Append(rec); err != nil {
		return nil, err
	}

	if outcome == models.OutcomeExecuted {
		g.logger.Info("plan authorized", "nonce", sub.Nonce, "plan_hash", planHash)
	} else {
		g.logger.Warn("approval attempt rejected", "nonce", sub.Nonce, "outcome", outcome, "reason", reason)
	}

	return &Result{Outcome: outcome, Reason: reason, Envelope: env}, nil
}
