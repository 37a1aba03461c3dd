package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/countersign/internal/config"
)

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COUNTERSIGN_DATA_DIR", dir)

	cfg, err := config.New()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "countersign.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "keys"), cfg.KeyDir)
	assert.Equal(t, config.DefaultTTL, cfg.ApprovalTTL)
	assert.Equal(t, config.DefaultRetention, cfg.RetentionPeriod)
	assert.Equal(t, int64(config.DefaultAnchorInterval), cfg.AnchorInterval)
	assert.Equal(t, config.DefaultSkewMargin, cfg.ClockSkewMargin)
}

func TestFileOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COUNTERSIGN_DATA_DIR", dir)

	yaml := `
approval_ttl: 600
retention_period: 7200
anchor_interval: 50
clock_skew_margin: 30
policy_path: /etc/countersign/policy.lua
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := config.New()
	require.NoError(t, err)

	assert.Equal(t, 600*time.Second, cfg.ApprovalTTL)
	assert.Equal(t, 7200*time.Second, cfg.RetentionPeriod)
	assert.Equal(t, int64(50), cfg.AnchorInterval)
	assert.Equal(t, 30*time.Second, cfg.ClockSkewMargin)
	assert.Equal(t, "/etc/countersign/policy.lua", cfg.PolicyPath)
}

func TestRetentionMustCoverTTLPlusSkew(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COUNTERSIGN_DATA_DIR", dir)

	// retention 600 < ttl 600 + skew 60
	yaml := "approval_ttl: 600\nretention_period: 600\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	_, err := config.New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention_period")

	// The exact boundary is allowed.
	yaml = "approval_ttl: 600\nretention_period: 660\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	_, err = config.New()
	assert.NoError(t, err)
}

func TestRejectsNonPositiveValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COUNTERSIGN_DATA_DIR", dir)

	for _, yaml := range []string{
		"approval_ttl: 0\n",
		"anchor_interval: -1\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
		_, err := config.New()
		assert.Error(t, err, "config %q", yaml)
	}
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	t.Setenv("COUNTERSIGN_DATA_DIR", dir)

	cfg, err := config.New()
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDataDir())

	for _, p := range []string{cfg.DataDir, cfg.KeyDir} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
