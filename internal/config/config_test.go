package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Uploads.MaxRetries)
	assert.Equal(t, time.Second, cfg.Uploads.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Uploads.MaxDelay)
	assert.Equal(t, 30*time.Second, cfg.Services.CallTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Services.Sim.VerifyDelay)
	assert.True(t, cfg.Offer.InterestRate().Equal(decimal.NewFromInt(18)))
	assert.True(t, cfg.Offer.Fee().Equal(decimal.NewFromInt(1000)))
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
uploads:
  max_retries: 5
services:
  sim:
    decision_outcome: pending
webhooks:
  - url: http://localhost:9000/hook
    events: [loan.created]
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Uploads.MaxRetries)
	assert.Equal(t, time.Second, cfg.Uploads.BaseDelay)
	assert.Equal(t, "pending", cfg.Services.Sim.DecisionOutcome)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"loan.created"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "negative retries", yaml: "uploads:\n  max_retries: -1\n", want: "max_retries"},
		{name: "max below base", yaml: "uploads:\n  base_delay: 10s\n  max_delay: 1s\n", want: "max_delay"},
		{name: "outcome", yaml: "services:\n  sim:\n    decision_outcome: maybe\n", want: "decision_outcome"},
		{name: "script", yaml: "services:\n  sim:\n    upload_fail_script: [boom]\n", want: "upload_fail_script"},
		{name: "rate", yaml: "offer:\n  interest_rate_pct: abc\n", want: "interest_rate_pct"},
		{name: "webhook url", yaml: "webhooks:\n  - events: [x]\n", want: "webhooks[0].url"},
		{name: "bad yaml", yaml: "uploads: [", want: "invalid config yaml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadOptionalWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
