package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	require.NoError(t, err)

	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, 20.0, cfg.Budget.InitialUSD)
	assert.Equal(t, 60*time.Second, cfg.Execution.DefaultTimeout)
	assert.Equal(t, 500, cfg.Retention.DecisionMax)
	assert.Equal(t, 10, cfg.Retention.DecisionCompactEvery)
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	home := t.TempDir()
	yaml := `
budget:
  initial_usd: 5.5
delegation:
  batch_width: 2
  ceiling_usd: 0.25
schedule:
  cron: "*/30 * * * *"
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "vigil.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(home)
	require.NoError(t, err)

	assert.Equal(t, 5.5, cfg.Budget.InitialUSD)
	assert.Equal(t, 2, cfg.Delegation.BatchWidth)
	assert.Equal(t, 0.25, cfg.Delegation.CeilingUSD)
	assert.Equal(t, "*/30 * * * *", cfg.Schedule.Cron)

	// Untouched sections keep defaults.
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_API_KEY", "sk-test")
	t.Setenv("VIGIL_CRON", "@hourly")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "@hourly", cfg.Schedule.Cron)
}

func TestValidateRejectsBadValues(t *testing.T) {
	home := t.TempDir()
	yaml := "delegation:\n  batch_width: 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "vigil.yaml"), []byte(yaml), 0o644))

	_, err := Load(home)
	assert.Error(t, err)
}
