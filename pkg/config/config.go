// Package config loads and validates engine configuration from YAML files
// and EJE_-prefixed environment variables. A loaded Config is treated as an
// immutable snapshot: the engine captures it once per request, so mid-request
// reconfiguration is invisible by construction.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// RightSpec is one entry of the ordered rights hierarchy.
type RightSpec struct {
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required" json:"required"`
	// Condition optionally holds a CEL expression evaluated against a
	// critic report to detect violations of this right. When empty, the
	// flag convention (context.right / context.violation) applies.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// GovernanceConfig configures the rule layer.
type GovernanceConfig struct {
	RightsHierarchy []RightSpec `yaml:"rights_hierarchy" json:"rights_hierarchy"`
	// FairnessPenalty multiplies overall confidence when a fairness
	// violation is flagged. Must sit in (0,1).
	FairnessPenalty float64 `yaml:"fairness_penalty" json:"fairness_penalty"`
	// UncertaintyThreshold escalates when a dedicated uncertainty critic
	// reports a confidence_score strictly below it.
	UncertaintyThreshold float64 `yaml:"uncertainty_threshold" json:"uncertainty_threshold"`
}

// ModeConfig carries per-governance-mode compliance knobs.
type ModeConfig struct {
	DenyThreshold           float64 `yaml:"deny_threshold,omitempty" json:"deny_threshold,omitempty"`
	ReviewThreshold         float64 `yaml:"review_threshold,omitempty" json:"review_threshold,omitempty"`
	AllowThreshold          float64 `yaml:"allow_threshold,omitempty" json:"allow_threshold,omitempty"`
	OversightLevel          string  `yaml:"oversight_level,omitempty" json:"oversight_level,omitempty"`
	ExplainabilityRequired  bool    `yaml:"explainability_required,omitempty" json:"explainability_required,omitempty"`
	AuditFrequency          string  `yaml:"audit_frequency,omitempty" json:"audit_frequency,omitempty"`
	MinExplanationDepth     int     `yaml:"min_explanation_depth,omitempty" json:"min_explanation_depth,omitempty"`
	RequireHumanReview      bool    `yaml:"require_human_review,omitempty" json:"require_human_review,omitempty"`
	RequireRiskAssessment   bool    `yaml:"require_risk_assessment,omitempty" json:"require_risk_assessment,omitempty"`
	RequireImpactAssessment bool    `yaml:"require_impact_assessment,omitempty" json:"require_impact_assessment,omitempty"`
}

// FallbackConfig configures trigger detection and strategy selection.
type FallbackConfig struct {
	DefaultStrategy       contracts.FallbackStrategy `yaml:"default_strategy" json:"default_strategy"`
	ErrorRateThreshold    float64                    `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	TimeoutThresholdMS    float64                    `yaml:"timeout_threshold_ms,omitempty" json:"timeout_threshold_ms,omitempty"`
	MinSuccessfulCritics  int                        `yaml:"min_successful_critics" json:"min_successful_critics"`
	CriticalCritics       []string                   `yaml:"critical_critics,omitempty" json:"critical_critics,omitempty"`
	SafeDefaultVerdict    contracts.Verdict          `yaml:"safe_default_verdict" json:"safe_default_verdict"`
	EnableAuditBundles    bool                       `yaml:"enable_audit_bundles" json:"enable_audit_bundles"`
	ConfidenceFloor       float64                    `yaml:"confidence_floor" json:"confidence_floor"`
}

// PrecedentStoreConfig points the file backend at its JSONL location.
type PrecedentStoreConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// PrecedentVectorConfig selects the external vector backend used when
// precedent.backend is "vector".
type PrecedentVectorConfig struct {
	Driver     string `yaml:"driver" json:"driver"` // "pgvector" | "qdrant"
	DSN        string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	URL        string `yaml:"url,omitempty" json:"url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`
	Dims       int    `yaml:"dims,omitempty" json:"dims,omitempty"`
}

// PrecedentEmbeddingConfig selects the embedding provider behind
// similarity search. The hash provider is deterministic and needs no
// network, so it is the default everywhere except real vector deployments.
type PrecedentEmbeddingConfig struct {
	Provider string `yaml:"provider" json:"provider"` // "hash" | "http"
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	APIKey   string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Dims     int    `yaml:"dims,omitempty" json:"dims,omitempty"`
}

// PrecedentConfig configures the precedent store collaborator.
type PrecedentConfig struct {
	Enabled          bool                     `yaml:"enabled" json:"enabled"`
	Backend          string                   `yaml:"backend" json:"backend"` // "vector" | "file"
	MinSimilarity    float64                  `yaml:"min_similarity" json:"min_similarity"`
	Limit            int                      `yaml:"limit" json:"limit"`
	EmbeddingModel   string                   `yaml:"embedding_model,omitempty" json:"embedding_model,omitempty"`
	Store            PrecedentStoreConfig     `yaml:"store,omitempty" json:"store,omitempty"`
	Vector           PrecedentVectorConfig    `yaml:"vector,omitempty" json:"vector,omitempty"`
	Embedding        PrecedentEmbeddingConfig `yaml:"embedding,omitempty" json:"embedding,omitempty"`
	RecencyDecayDays float64                  `yaml:"recency_decay_days" json:"recency_decay_days"`
	CacheSize        int                      `yaml:"cache_size" json:"cache_size"`
	CacheTTLSeconds  int                      `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
}

// AuditConfig configures the signed audit log.
type AuditConfig struct {
	DBURI         string `yaml:"db_uri,omitempty" json:"db_uri,omitempty"`
	EnableSigning bool   `yaml:"enable_signing" json:"enable_signing"`
	// SigningSeed is the hex-encoded 32-byte master seed behind the chain
	// signatures. Without it every process signs with an ephemeral key and
	// no other process can verify. Prefer EJE_AUDIT_SIGNING_SEED over
	// writing the seed into a file.
	SigningSeed string `yaml:"signing_seed,omitempty" json:"signing_seed,omitempty"`
}

// CriticsConfig configures plugin loading and the runner budget.
type CriticsConfig struct {
	PluginDir           string  `yaml:"plugin_dir,omitempty" json:"plugin_dir,omitempty"`
	PerCriticTimeoutMS  int     `yaml:"per_critic_timeout_ms" json:"per_critic_timeout_ms"`
	GlobalTimeoutMS     int     `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	MaxParallelism      int     `yaml:"max_parallelism" json:"max_parallelism"`
	RetryMaxAttempts    int     `yaml:"retry_max_attempts" json:"retry_max_attempts"`
	RetryBackoffBaseMS  int     `yaml:"retry_backoff_base_ms" json:"retry_backoff_base_ms"`
	BreakerEnabled      bool    `yaml:"breaker_enabled" json:"breaker_enabled"`
	BreakerFailureRatio float64 `yaml:"breaker_failure_ratio" json:"breaker_failure_ratio"`
	DispatchRateRPS     float64 `yaml:"dispatch_rate_rps,omitempty" json:"dispatch_rate_rps,omitempty"`
}

// ArchiveConfig configures long-term evidence bundle archival.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URI     string `yaml:"uri,omitempty" json:"uri,omitempty"` // file://, s3://, gs://
}

// OverrideConfig configures the human override pipeline. Locking is
// in-process unless redis_addr is set; multi-instance deployments need the
// shared lock so racing overrides on one decision serialize.
type OverrideConfig struct {
	RedisAddr     string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty" json:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	LockTTLMS     int    `yaml:"lock_ttl_ms,omitempty" json:"lock_ttl_ms,omitempty"`
	// JWTSecret verifies reviewer identity tokens (HS256). Empty disables
	// token-based reviewer construction.
	JWTSecret string `yaml:"jwt_secret,omitempty" json:"jwt_secret,omitempty"`
}

// Config is the full engine configuration.
type Config struct {
	Environment    contracts.Environment `yaml:"environment" json:"environment"`
	GovernanceMode string                `yaml:"governance_mode" json:"governance_mode"`
	Governance     GovernanceConfig      `yaml:"governance" json:"governance"`
	Modes          map[string]ModeConfig `yaml:"modes,omitempty" json:"modes,omitempty"`
	Fallback       FallbackConfig        `yaml:"fallback" json:"fallback"`
	Precedent      PrecedentConfig       `yaml:"precedent" json:"precedent"`
	Audit          AuditConfig           `yaml:"audit" json:"audit"`
	Critics        CriticsConfig         `yaml:"critics" json:"critics"`
	Archive        ArchiveConfig         `yaml:"archive" json:"archive"`
	Override       OverrideConfig        `yaml:"override,omitempty" json:"override,omitempty"`
	RateLimitRPS   float64               `yaml:"rate_limit_rps,omitempty" json:"rate_limit_rps,omitempty"`
}

// Default returns the engine defaults. Every knob the fallback and
// governance layers read has a safe value here; a zero Config is never used
// directly.
func Default() *Config {
	return &Config{
		Environment:    contracts.EnvDevelopment,
		GovernanceMode: "default",
		Governance: GovernanceConfig{
			RightsHierarchy: []RightSpec{
				{Name: "dignity", Required: true},
				{Name: "autonomy", Required: true},
				{Name: "non_discrimination", Required: true},
				{Name: "safety", Required: false},
				{Name: "fairness", Required: false},
				{Name: "transparency", Required: false},
				{Name: "proportionality", Required: false},
			},
			FairnessPenalty:      0.8,
			UncertaintyThreshold: 0.4,
		},
		Fallback: FallbackConfig{
			DefaultStrategy:      contracts.StrategyConservative,
			ErrorRateThreshold:   0.5,
			MinSuccessfulCritics: 1,
			SafeDefaultVerdict:   contracts.VerdictReview,
			EnableAuditBundles:   true,
			ConfidenceFloor:      0.3,
		},
		Precedent: PrecedentConfig{
			Enabled:       false,
			Backend:       "file",
			MinSimilarity: 0.7,
			Limit:         5,
			Vector: PrecedentVectorConfig{
				Driver:     "pgvector",
				Collection: "eje_precedents",
				Dims:       256,
			},
			Embedding: PrecedentEmbeddingConfig{
				Provider: "hash",
				Dims:     256,
			},
			RecencyDecayDays: 365,
			CacheSize:        100,
			CacheTTLSeconds:  3600,
		},
		Audit: AuditConfig{
			EnableSigning: true,
		},
		Critics: CriticsConfig{
			PerCriticTimeoutMS:  5000,
			GlobalTimeoutMS:     15000,
			MaxParallelism:      0, // 0 means run all N at once
			RetryMaxAttempts:    1, // 1 means no retry
			RetryBackoffBaseMS:  100,
			BreakerFailureRatio: 0.6,
		},
		Override: OverrideConfig{
			LockTTLMS: 10000,
		},
	}
}

// Load reads a YAML config file, overlays environment variables, and
// validates the result. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, contracts.Errorf(contracts.ErrConfiguration, "read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, contracts.Errorf(contracts.ErrConfiguration, "parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EJE_ENVIRONMENT"); v != "" {
		c.Environment = contracts.Environment(v)
	}
	if v := os.Getenv("EJE_GOVERNANCE_MODE"); v != "" {
		c.GovernanceMode = v
	}
	if v := os.Getenv("EJE_AUDIT_DB_URI"); v != "" {
		c.Audit.DBURI = v
	}
	if v := os.Getenv("EJE_AUDIT_ENABLE_SIGNING"); v != "" {
		c.Audit.EnableSigning = v == "true" || v == "1"
	}
	if v := os.Getenv("EJE_AUDIT_SIGNING_SEED"); v != "" {
		c.Audit.SigningSeed = v
	}
	if v := os.Getenv("EJE_FALLBACK_STRATEGY"); v != "" {
		c.Fallback.DefaultStrategy = contracts.FallbackStrategy(v)
	}
	if v := os.Getenv("EJE_PRECEDENT_BACKEND"); v != "" {
		c.Precedent.Backend = v
	}
	if v := os.Getenv("EJE_PRECEDENT_STORE_PATH"); v != "" {
		c.Precedent.Store.Path = v
	}
	if v := os.Getenv("EJE_PRECEDENT_VECTOR_DSN"); v != "" {
		c.Precedent.Vector.DSN = v
	}
	if v := os.Getenv("EJE_PRECEDENT_VECTOR_URL"); v != "" {
		c.Precedent.Vector.URL = v
	}
	if v := os.Getenv("EJE_EMBEDDING_ENDPOINT"); v != "" {
		c.Precedent.Embedding.Provider = "http"
		c.Precedent.Embedding.Endpoint = v
	}
	if v := os.Getenv("EJE_EMBEDDING_API_KEY"); v != "" {
		c.Precedent.Embedding.APIKey = v
	}
	if v := os.Getenv("EJE_PLUGIN_DIR"); v != "" {
		c.Critics.PluginDir = v
	}
	if v := os.Getenv("EJE_ARCHIVE_URI"); v != "" {
		c.Archive.URI = v
		c.Archive.Enabled = true
	}
	if v := os.Getenv("EJE_OVERRIDE_REDIS_ADDR"); v != "" {
		c.Override.RedisAddr = v
	}
	if v := os.Getenv("EJE_OVERRIDE_JWT_SECRET"); v != "" {
		c.Override.JWTSecret = v
	}
	if v := os.Getenv("EJE_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimitRPS = f
		}
	}
}

// Validate rejects malformed configuration before the engine starts.
func (c *Config) Validate() error {
	switch c.Environment {
	case contracts.EnvProduction, contracts.EnvStaging, contracts.EnvDevelopment, contracts.EnvTest:
	default:
		return contracts.Errorf(contracts.ErrConfiguration, "environment %q is not valid", c.Environment)
	}
	if len(c.Governance.RightsHierarchy) == 0 {
		return contracts.NewError(contracts.ErrConfiguration, "governance.rights_hierarchy is empty")
	}
	seen := map[string]bool{}
	for i, r := range c.Governance.RightsHierarchy {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return contracts.Errorf(contracts.ErrConfiguration, "rights_hierarchy[%d] has no name", i)
		}
		if seen[name] {
			return contracts.Errorf(contracts.ErrConfiguration, "rights_hierarchy repeats right %q", name)
		}
		seen[name] = true
	}
	if c.Governance.FairnessPenalty <= 0 || c.Governance.FairnessPenalty >= 1 {
		return contracts.Errorf(contracts.ErrConfiguration, "governance.fairness_penalty %v outside (0,1)", c.Governance.FairnessPenalty)
	}
	switch c.Fallback.DefaultStrategy {
	case contracts.StrategyConservative, contracts.StrategyPermissive, contracts.StrategyEscalate,
		contracts.StrategyFailSafe, contracts.StrategyMajority:
	default:
		return contracts.Errorf(contracts.ErrConfiguration, "fallback.default_strategy %q is not valid", c.Fallback.DefaultStrategy)
	}
	if c.Fallback.ErrorRateThreshold < 0 || c.Fallback.ErrorRateThreshold > 1 {
		return contracts.Errorf(contracts.ErrConfiguration, "fallback.error_rate_threshold %v outside [0,1]", c.Fallback.ErrorRateThreshold)
	}
	if !c.Fallback.SafeDefaultVerdict.IsDecisionVerdict() {
		return contracts.Errorf(contracts.ErrConfiguration, "fallback.safe_default_verdict %q is not a decision verdict", c.Fallback.SafeDefaultVerdict)
	}
	if c.Fallback.MinSuccessfulCritics < 0 {
		return contracts.Errorf(contracts.ErrConfiguration, "fallback.min_successful_critics %d is negative", c.Fallback.MinSuccessfulCritics)
	}
	switch c.Precedent.Backend {
	case "vector", "file":
	default:
		return contracts.Errorf(contracts.ErrConfiguration, "precedent.backend %q is not valid", c.Precedent.Backend)
	}
	if c.Precedent.Backend == "vector" {
		switch c.Precedent.Vector.Driver {
		case "pgvector", "qdrant":
		default:
			return contracts.Errorf(contracts.ErrConfiguration, "precedent.vector.driver %q is not valid", c.Precedent.Vector.Driver)
		}
	}
	switch c.Precedent.Embedding.Provider {
	case "hash", "http":
	default:
		return contracts.Errorf(contracts.ErrConfiguration, "precedent.embedding.provider %q is not valid", c.Precedent.Embedding.Provider)
	}
	if c.Precedent.RecencyDecayDays <= 0 {
		return contracts.Errorf(contracts.ErrConfiguration, "precedent.recency_decay_days %v must be positive", c.Precedent.RecencyDecayDays)
	}
	if c.Audit.SigningSeed != "" {
		seed, err := hex.DecodeString(c.Audit.SigningSeed)
		if err != nil {
			return contracts.Errorf(contracts.ErrConfiguration, "audit.signing_seed is not hex: %v", err)
		}
		if len(seed) != 32 {
			return contracts.Errorf(contracts.ErrConfiguration, "audit.signing_seed decodes to %d bytes, need 32", len(seed))
		}
	}
	if c.Override.LockTTLMS < 0 {
		return contracts.Errorf(contracts.ErrConfiguration, "override.lock_ttl_ms %d is negative", c.Override.LockTTLMS)
	}
	return nil
}

// CriticalSet returns the configured critical critic names as a set.
func (c *FallbackConfig) CriticalSet() map[string]bool {
	set := make(map[string]bool, len(c.CriticalCritics))
	for _, name := range c.CriticalCritics {
		set[name] = true
	}
	return set
}

// DumpYAML serializes the config, used by `eje config` for operators.
func (c *Config) DumpYAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(b), nil
}
