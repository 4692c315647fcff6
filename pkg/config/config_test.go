package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24, cfg.MaxTotalActiveRequests)
	assert.Equal(t, 8, cfg.MaxTotalActiveLlm)
	assert.Equal(t, 4, cfg.MaxParallelSubagents)
	assert.Equal(t, 3, cfg.MaxConcurrentOrch)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DELEGATE_MAX_TOTAL_ACTIVE_LLM", "2")
	t.Setenv("DELEGATE_CAPACITY_WAIT_MS", "1500")
	t.Setenv("DELEGATE_STABLE_PROFILE", "true")
	t.Setenv("DELEGATE_STATE_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxTotalActiveLlm)
	assert.Equal(t, 1500*time.Millisecond, cfg.CapacityWait)
	assert.True(t, cfg.StableProfile)
}

func TestLoad_MalformedEnvFallsBack(t *testing.T) {
	t.Setenv("DELEGATE_MAX_TOTAL_ACTIVE_LLM", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().MaxTotalActiveLlm, cfg.MaxTotalActiveLlm)
}

func TestValidate_ClampsSoftRanges(t *testing.T) {
	cfg := Default()
	cfg.ReductionFactor = 0.1
	cfg.RecoveryFactor = 3.0
	cfg.PredictiveThreshold = 1.5
	cfg.RecoveryInterval = time.Second

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.3, cfg.ReductionFactor)
	assert.Equal(t, 1.5, cfg.RecoveryFactor)
	assert.Equal(t, 1.0, cfg.PredictiveThreshold)
	assert.Equal(t, time.Minute, cfg.RecoveryInterval)
}

func TestValidate_IsIdempotent(t *testing.T) {
	cfg := Default()
	cfg.ReductionFactor = 0.2
	require.NoError(t, cfg.Validate())
	first := *cfg
	require.NoError(t, cfg.Validate())
	assert.Equal(t, first, *cfg)
}

func TestValidate_HardErrors(t *testing.T) {
	cfg := Default()
	cfg.MaxTotalActiveLlm = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.StateDir = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DefaultParallelMode = "everything"
	assert.Error(t, cfg.Validate())
}
