package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/countersign/internal/models"
	"github.com/mpataki/countersign/internal/policy"
)

func TestClassifyDefaultsToSideEffecting(t *testing.T) {
	reg := policy.NewRegistry()
	require.NoError(t, reg.Register("read_file", policy.ReadOnly))

	assert.Equal(t, policy.ReadOnly, reg.Classify("read_file"))
	assert.Equal(t, policy.SideEffecting, reg.Classify("never_registered"))
}

func TestRegisterRejectsUnknownClass(t *testing.T) {
	reg := policy.NewRegistry()
	err := reg.Register("x", "mostly_harmless")
	require.Error(t, err)
}

func TestRequiresApproval(t *testing.T) {
	reg := policy.NewRegistry()
	require.NoError(t, reg.Register("read_file", policy.ReadOnly))
	require.NoError(t, reg.Register("list_dir", policy.ReadOnly))
	require.NoError(t, reg.Register("write_file", policy.SideEffecting))

	pure := &models.ExecutionPlan{ToolCalls: []models.ToolCall{
		{ToolCallID: "c-1", ToolName: "read_file"},
		{ToolCallID: "c-2", ToolName: "list_dir"},
	}}
	assert.False(t, reg.RequiresApproval(pure))

	mixed := &models.ExecutionPlan{ToolCalls: []models.ToolCall{
		{ToolCallID: "c-1", ToolName: "read_file"},
		{ToolCallID: "c-2", ToolName: "write_file"},
	}}
	assert.True(t, reg.RequiresApproval(mixed))

	unknown := &models.ExecutionPlan{ToolCalls: []models.ToolCall{
		{ToolCallID: "c-1", ToolName: "mystery_tool"},
	}}
	assert.True(t, reg.RequiresApproval(unknown))
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.lua")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadLua(t *testing.T) {
	path := writeScript(t, `
tools = {
  read_file = "read_only",
  list_dir = "read_only",
  write_file = "side_effecting",
}
`)

	reg, err := policy.LoadLua(path)
	require.NoError(t, err)

	assert.Equal(t, policy.ReadOnly, reg.Classify("read_file"))
	assert.Equal(t, policy.SideEffecting, reg.Classify("write_file"))
	assert.Equal(t, policy.SideEffecting, reg.Classify("unlisted"))
}

func TestLoadLuaRequiresToolsTable(t *testing.T) {
	path := writeScript(t, `x = 1`)
	_, err := policy.LoadLua(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tools")
}

func TestLoadLuaRejectsBadClassification(t *testing.T) {
	path := writeScript(t, `tools = { write_file = "sometimes" }`)
	_, err := policy.LoadLua(path)
	require.Error(t, err)
}

func TestLoadLuaSandbox(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"no io", `io.write("x")`},
		{"no os", `os.execute("true")`},
		{"no loadfile", `loadfile("/etc/hosts")`},
		{"no dofile", `dofile("/etc/hosts")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScript(t, tt.script+"\ntools = {}")
			_, err := policy.LoadLua(path)
			require.Error(t, err)
		})
	}
}
