package ratelimit

import (
	"strconv"
	"strings"

	"github.com/fenilsonani/email-server/internal/config"
)

// EffectiveConfig is the resolved pacing configuration for one provider key.
type EffectiveConfig struct {
	MinDelay          int64
	MaxDelay          int64
	InitialDelay      int64
	BackoffMultiplier float64
	RecoveryRate      float64
	SuccessThreshold  int64
	CBThreshold       int64
	CBDuration        int64
}

// defaultEffectiveConfig builds an EffectiveConfig from the global
// rate-limit defaults, tolerating zero-value fields (config.RateLimitConfig
// is normalized on load, but a caller may construct one by hand in tests).
func defaultEffectiveConfig(g config.RateLimitConfig) EffectiveConfig {
	e := EffectiveConfig{
		MinDelay:          g.MinDelay,
		MaxDelay:          g.MaxDelay,
		InitialDelay:      g.InitialDelay,
		BackoffMultiplier: g.BackoffMultiplier,
		RecoveryRate:      g.RecoveryRate,
		SuccessThreshold:  g.SuccessThreshold,
		CBThreshold:       g.CBThreshold,
		CBDuration:        g.CBDuration,
	}
	if e.MinDelay <= 0 {
		e.MinDelay = 1000
	}
	if e.MaxDelay <= 0 {
		e.MaxDelay = 60000
	}
	if e.InitialDelay <= 0 {
		e.InitialDelay = 5000
	}
	if e.BackoffMultiplier <= 1 {
		e.BackoffMultiplier = 1.5
	}
	if e.RecoveryRate <= 0 || e.RecoveryRate >= 1 {
		e.RecoveryRate = 0.5
	}
	if e.SuccessThreshold < 1 {
		e.SuccessThreshold = 10
	}
	if e.CBThreshold < 1 {
		e.CBThreshold = 5
	}
	if e.CBDuration <= 0 {
		e.CBDuration = 60000
	}
	return e
}

// ConfigResolver resolves per-provider effective configuration from global
// defaults layered with optional per-provider overrides, following the
// priority order: exact provider override, alias override, wildcard
// override, global defaults. Each field of an override inherits from the
// global defaults independently (not from the level above it), matching
// §4.2 of the pacing design.
type ConfigResolver struct {
	global    config.RateLimitConfig
	overrides map[string]map[string]interface{}
}

// NewConfigResolver builds a resolver from a loaded RateLimitConfig.
func NewConfigResolver(cfg config.RateLimitConfig) *ConfigResolver {
	return &ConfigResolver{
		global:    cfg,
		overrides: cfg.Providers,
	}
}

// Effective resolves the EffectiveConfig for provider key pk. The first
// matching override section wins, in this order: a section named exactly
// pk, a section named by a known alias that maps to pk, the wildcard "*",
// then "__all__"; with none, the global defaults apply.
func (r *ConfigResolver) Effective(pk string) EffectiveConfig {
	base := defaultEffectiveConfig(r.global)

	if raw, ok := r.overrides[pk]; ok {
		applyOverride(&base, raw)
		return base
	}

	for alias, target := range knownProviderTable {
		if target == pk {
			if raw, ok := r.overrides[alias]; ok {
				applyOverride(&base, raw)
				return base
			}
		}
	}

	if raw, ok := r.overrides["*"]; ok {
		applyOverride(&base, raw)
		return base
	}
	if raw, ok := r.overrides["__all__"]; ok {
		applyOverride(&base, raw)
		return base
	}

	return base
}

// IsEnabled reports whether pk is enabled for adaptive pacing, given the
// original recipient domain (used for suffix matching).
func (r *ConfigResolver) IsEnabled(pk, recipientDomain string) bool {
	if !r.global.Enabled {
		return false
	}
	return IsEnabledForProvider(r.global.EnabledProviders, pk, recipientDomain)
}

// applyOverride mutates base in place, replacing any field present (and
// parseable) in raw. Malformed values are ignored, leaving the global
// default for that field — configuration errors must never abort load.
func applyOverride(base *EffectiveConfig, raw map[string]interface{}) {
	if v, ok := parseInt(raw["min_delay"]); ok {
		base.MinDelay = v
	}
	if v, ok := parseInt(raw["max_delay"]); ok {
		base.MaxDelay = v
	}
	if v, ok := parseInt(raw["initial_delay"]); ok {
		base.InitialDelay = v
	}
	if v, ok := parseFloat(raw["backoff_multiplier"]); ok {
		base.BackoffMultiplier = v
	}
	if v, ok := parseFloat(raw["recovery_rate"]); ok {
		base.RecoveryRate = v
	}
	if v, ok := parseInt(raw["success_threshold"]); ok {
		base.SuccessThreshold = v
	}
	if v, ok := parseInt(raw["circuit_breaker_threshold"]); ok {
		base.CBThreshold = v
	}
	if v, ok := parseInt(raw["circuit_breaker_duration"]); ok {
		base.CBDuration = v
	}

	if base.MinDelay <= 0 {
		base.MinDelay = 1000
	}
	if base.MaxDelay < base.MinDelay {
		base.MaxDelay = base.MinDelay
	}
	if base.InitialDelay < base.MinDelay {
		base.InitialDelay = base.MinDelay
	}
	if base.InitialDelay > base.MaxDelay {
		base.InitialDelay = base.MaxDelay
	}
}

// parseInt tolerantly converts a raw config value to an int64, accepting
// JSON/YAML-decoded ints, floats, and numeric strings. Malformed input
// returns ok=false so the caller keeps the existing default.
func parseInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// parseFloat tolerantly converts a raw config value to a float64.
func parseFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
