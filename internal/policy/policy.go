// Package policy classifies tools as read-only or side-effecting. The
// classification is fixed at registration time: a tool's class is resolved
// once when the registry is built and never re-evaluated per call. Tools
// nobody classified are side-effecting.
package policy

import (
	"fmt"

	"github.com/mpataki/countersign/internal/models"
)

type Classification string

const (
	SideEffecting Classification = "side_effecting"
	ReadOnly      Classification = "read_only"
)

// Registry holds the fixed tool classifications.
type Registry struct {
	classes map[string]Classification
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Classification)}
}

// Register records a tool's classification.
func (r *Registry) Register(tool string, c Classification) error {
	if c != SideEffecting && c != ReadOnly {
		return fmt.Errorf("policy: invalid classification %q for tool %q", c, tool)
	}
	r.classes[tool] = c
	return nil
}

// Classify returns a tool's classification, defaulting to SideEffecting for
// anything unregistered.
func (r *Registry) Classify(tool string) Classification {
	if c, ok := r.classes[tool]; ok {
		return c
	}
	return SideEffecting
}

// RequiresApproval reports whether any call in the plan is side-effecting.
// A plan of purely read-only calls needs no envelope.
func (r *Registry) RequiresApproval(plan *models.ExecutionPlan) bool {
	for _, tc := range plan.ToolCalls {
		if r.Classify(tc.ToolName) == SideEffecting {
			return true
		}
	}
	return false
}
