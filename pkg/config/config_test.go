package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-project/eje/pkg/contracts"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, contracts.StrategyConservative, cfg.Fallback.DefaultStrategy)
	assert.Equal(t, 0.5, cfg.Fallback.ErrorRateThreshold)
	assert.Equal(t, 1, cfg.Fallback.MinSuccessfulCritics)
	assert.True(t, cfg.Fallback.EnableAuditBundles)
	assert.Equal(t, "dignity", cfg.Governance.RightsHierarchy[0].Name)
	assert.True(t, cfg.Governance.RightsHierarchy[0].Required)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eje.yaml")
	body := `
environment: test
governance_mode: eu_ai_act
fallback:
  default_strategy: majority
  error_rate_threshold: 0.4
  min_successful_critics: 2
  critical_critics: [safety]
  safe_default_verdict: REVIEW
  enable_audit_bundles: true
precedent:
  enabled: true
  backend: vector
  min_similarity: 0.75
  limit: 10
  recency_decay_days: 180
audit:
  db_uri: "file:eje_audit.db"
  enable_signing: true
critics:
  per_critic_timeout_ms: 1000
  global_timeout_ms: 2000
  max_parallelism: 4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, contracts.EnvTest, cfg.Environment)
	assert.Equal(t, "eu_ai_act", cfg.GovernanceMode)
	assert.Equal(t, contracts.StrategyMajority, cfg.Fallback.DefaultStrategy)
	assert.Equal(t, 2, cfg.Fallback.MinSuccessfulCritics)
	assert.Equal(t, map[string]bool{"safety": true}, cfg.Fallback.CriticalSet())
	assert.Equal(t, "vector", cfg.Precedent.Backend)
	assert.Equal(t, float64(180), cfg.Precedent.RecencyDecayDays)
	assert.Equal(t, 4, cfg.Critics.MaxParallelism)
	// Defaults survive where the file is silent.
	assert.Equal(t, 0.8, cfg.Governance.FairnessPenalty)
	assert.Equal(t, 100, cfg.Precedent.CacheSize)
}

func TestEnvOverrides(t *testing.T) {
	seed := strings.Repeat("ab", 32)
	t.Setenv("EJE_GOVERNANCE_MODE", "nist_rmf")
	t.Setenv("EJE_AUDIT_ENABLE_SIGNING", "false")
	t.Setenv("EJE_AUDIT_SIGNING_SEED", seed)
	t.Setenv("EJE_PRECEDENT_BACKEND", "vector")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nist_rmf", cfg.GovernanceMode)
	assert.False(t, cfg.Audit.EnableSigning)
	assert.Equal(t, seed, cfg.Audit.SigningSeed)
	assert.Equal(t, "vector", cfg.Precedent.Backend)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"empty hierarchy", func(c *Config) { c.Governance.RightsHierarchy = nil }},
		{"duplicate right", func(c *Config) {
			c.Governance.RightsHierarchy = append(c.Governance.RightsHierarchy, RightSpec{Name: "dignity"})
		}},
		{"unnamed right", func(c *Config) {
			c.Governance.RightsHierarchy = []RightSpec{{Name: "  "}}
		}},
		{"fairness penalty at 1", func(c *Config) { c.Governance.FairnessPenalty = 1.0 }},
		{"unknown strategy", func(c *Config) { c.Fallback.DefaultStrategy = "coin_flip" }},
		{"error rate above 1", func(c *Config) { c.Fallback.ErrorRateThreshold = 1.5 }},
		{"error safe default", func(c *Config) { c.Fallback.SafeDefaultVerdict = contracts.VerdictError }},
		{"bad backend", func(c *Config) { c.Precedent.Backend = "graph" }},
		{"bad vector driver", func(c *Config) {
			c.Precedent.Backend = "vector"
			c.Precedent.Vector.Driver = "faiss"
		}},
		{"bad embedding provider", func(c *Config) { c.Precedent.Embedding.Provider = "onnx" }},
		{"bad environment", func(c *Config) { c.Environment = "qa" }},
		{"zero decay", func(c *Config) { c.Precedent.RecencyDecayDays = 0 }},
		{"non-hex signing seed", func(c *Config) { c.Audit.SigningSeed = "zz" }},
		{"short signing seed", func(c *Config) { c.Audit.SigningSeed = "abcd" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, contracts.IsKind(err, contracts.ErrConfiguration), "kind = %v", contracts.KindOf(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrConfiguration))
}
