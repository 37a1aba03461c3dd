// Package signing produces and checks Ed25519 signatures over the
// domain-separated approval payload. The payload is canonically encoded
// before signing, so signer and verifier agree on bytes regardless of how
// the structure was built. Ed25519 only: a future format gets a new ctx
// string, not a version flag inside this one.
package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mpataki/countersign/internal/canonical"
	"github.com/mpataki/countersign/internal/keys"
	"github.com/mpataki/countersign/internal/models"
)

// Context is the exact domain-separation string for approval signatures.
const Context = "countersign.approval.v1"

var (
	ErrWrongContext = errors.New("signing: wrong context string")
	ErrBadSignature = errors.New("signing: signature verification failed")
)

// Approval is the signed object: the human's decision set bound to one
// envelope's nonce and plan hash under one key.
type Approval struct {
	Ctx       string            `json:"ctx"`
	Nonce     string            `json:"nonce"`
	PlanHash  string            `json:"plan_hash"`
	KeyID     string            `json:"key_id"`
	Decisions []models.Decision `json:"decisions"`
}

// KeyResolver resolves a fingerprint to a public key (active key or
// keyring). Satisfied by *keys.Manager.
type KeyResolver interface {
	Resolve(keyID string) (ed25519.PublicKey, error)
}

// Payload returns the canonical bytes that are signed and verified.
func (a Approval) Payload() ([]byte, error) {
	decisions := make([]any, len(a.Decisions))
	for i, d := range a.Decisions {
		decisions[i] = map[string]any{
			"tool_call_id": d.ToolCallID,
			"approved":     d.Approved,
		}
	}
	return canonical.Encode(map[string]any{
		"ctx":       a.Ctx,
		"nonce":     a.Nonce,
		"plan_hash": a.PlanHash,
		"key_id":    a.KeyID,
		"decisions": decisions,
	})
}

// Sign builds the approval object for the session's key and returns it with
// the hex-encoded signature.
func Sign(sess *keys.Session, nonce, planHash string, decisions []models.Decision) (Approval, string, error) {
	a := Approval{
		Ctx:       Context,
		Nonce:     nonce,
		PlanHash:  planHash,
		KeyID:     sess.KeyID(),
		Decisions: decisions,
	}
	payload, err := a.Payload()
	if err != nil {
		return Approval{}, "", fmt.Errorf("signing: encode payload: %w", err)
	}
	sig, err := sess.Sign(payload)
	if err != nil {
		return Approval{}, "", err
	}
	return a, hex.EncodeToString(sig), nil
}

// Verify checks an approval signature. The ctx check runs first and is
// exact: a signature produced for any other context never reaches key
// resolution. Any failure is hard; there are no warnings.
func Verify(resolver KeyResolver, a Approval, sigHex string) error {
	if a.Ctx != Context {
		return fmt.Errorf("%w: got %q", ErrWrongContext, a.Ctx)
	}

	pub, err := resolver.Resolve(a.KeyID)
	if err != nil {
		return err
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: invalid signature hex", ErrBadSignature)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes", ErrBadSignature, len(sig))
	}

	payload, err := a.Payload()
	if err != nil {
		return fmt.Errorf("signing: encode payload: %w", err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrBadSignature
	}
	return nil
}
