package models

// ToolCall is one step of an execution plan as proposed by the agent loop.
type ToolCall struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
}

// ExecutionPlan is the full unit a human approves: the ordered tool calls
// plus the execution context they will run under. It is never persisted;
// only its hash and the ordered call id list survive in the envelope.
type ExecutionPlan struct {
	WorkItemID    string     `json:"work_item_id"`
	ToolCalls     []ToolCall `json:"tool_calls"`
	WorkspaceRoot string     `json:"workspace_root"`
	ToolsetMode   string     `json:"toolset_mode"`
	AgentName     string     `json:"agent_name"`
}

// CallIDs returns the ordered tool call ids of the plan.
func (p *ExecutionPlan) CallIDs() []string {
	ids := make([]string, len(p.ToolCalls))
	for i, tc := range p.ToolCalls {
		ids[i] = tc.ToolCallID
	}
	return ids
}

// Decision is one human verdict on one tool call.
type Decision struct {
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
}
