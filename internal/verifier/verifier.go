// Package verifier recomputes plan hashes and enforces the decision
// bijection at consumption time. Hash drift and bijection violations are
// distinct failures with distinct reasons; the difference matters for
// audit triage.
package verifier

import (
	"errors"
	"fmt"

	"github.com/mpataki/countersign/internal/canonical"
	"github.com/mpataki/countersign/internal/models"
)

var (
	ErrMismatch  = errors.New("verifier: plan hash mismatch")
	ErrBijection = errors.New("verifier: decision set does not match tool call ids")
)

// PlanHash computes the SHA-256 hex digest of the canonical encoding of the
// full execution plan. Context fields are included alongside the tool
// calls: drift in workspace, toolset mode, or agent identity invalidates an
// approval even when no tool argument changed.
func PlanHash(p *models.ExecutionPlan) (string, error) {
	calls := make([]any, len(p.ToolCalls))
	for i, tc := range p.ToolCalls {
		calls[i] = map[string]any{
			"tool_call_id": tc.ToolCallID,
			"tool_name":    tc.ToolName,
			"args":         tc.Args,
		}
	}
	h, err := canonical.Hash(map[string]any{
		"work_item_id":   p.WorkItemID,
		"tool_calls":     calls,
		"workspace_root": p.WorkspaceRoot,
		"toolset_mode":   p.ToolsetMode,
		"agent_name":     p.AgentName,
	})
	if err != nil {
		return "", fmt.Errorf("verifier: hash plan: %w", err)
	}
	return h, nil
}

// VerifyLive recomputes the hash of the plan about to execute and requires
// it to equal the hash stored at envelope creation. Returns the live hash
// either way so the caller can record what was actually seen.
func VerifyLive(storedHash string, live *models.ExecutionPlan) (string, error) {
	liveHash, err := PlanHash(live)
	if err != nil {
		return "", err
	}
	if liveHash != storedHash {
		return liveHash, fmt.Errorf("%w: stored %s, live %s", ErrMismatch, storedHash, liveHash)
	}
	return liveHash, nil
}

// CheckBijection requires the submitted decisions to map one-to-one, in
// order, onto the envelope's recorded tool call ids: same set, same order,
// no additions, no omissions.
func CheckBijection(toolCallIDs []string, decisions []models.Decision) error {
	if len(decisions) != len(toolCallIDs) {
		return fmt.Errorf("%w: %d decisions for %d tool calls", ErrBijection, len(decisions), len(toolCallIDs))
	}
	for i, id := range toolCallIDs {
		if decisions[i].ToolCallID != id {
			return fmt.Errorf("%w: position %d has %q, want %q", ErrBijection, i, decisions[i].ToolCallID, id)
		}
	}
	return nil
}
