// Package engineconfig loads the engine's tunables: viper file + env +
// defaults, unmarshaled into a typed struct. Every configurable numeric
// knob (the Cardinal Vote replay window, the taint threshold, per-profile
// retry policy, the CAS retry bound) lives here instead of as a hardcoded
// literal.
package engineconfig

import (
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalfs/cardinal/internal/types"
)

// RetryPolicy is a profile's mirror-read retry behavior.
type RetryPolicy struct {
	Retries int
	Sleep   time.Duration
}

// Config holds every engine-wide tunable.
type Config struct {
	// ReplayWindowNS (W) bounds the timestamp divergence Cardinal Vote
	// tolerates at equal generation before declaring tampered.
	ReplayWindowNS int64

	// HealDivergenceMultiplier scales ReplayWindowNS into the heal-phase
	// staleness threshold.
	HealDivergenceMultiplier int64

	// TaintThreshold forces RO once the volume's taint counter reaches it.
	TaintThreshold uint64

	// CASRetryBound bounds Auto-Medic's Q-Mask CAS loop.
	CASRetryBound int

	// ReverseAuditDepthLimit bounds the Chronicle's reverse audit walk.
	ReverseAuditDepthLimit int

	// CriticalLogPeriod is the critical-log rate-limit window per volume.
	CriticalLogPeriod time.Duration

	// FutureDilationThreshold / PastSkewThreshold record the epoch drift
	// classification thresholds. types.ClassifyDrift uses its own constants
	// with the same values and does not read these fields.
	FutureDilationThreshold uint64
	PastSkewThreshold       uint64

	// RetryPolicy is keyed by format profile.
	RetryPolicy map[types.Profile]RetryPolicy

	// ZeroScanCortexCapBytes bounds the Cortex snapshot size during Zero-Scan
	// Reconstruction.
	ZeroScanCortexCapBytes int64

	// ThermalCriticalC / ThermalForceROC are the mount thermal-gate
	// thresholds.
	ThermalCriticalC float64
	ThermalForceROC  float64
}

// Default returns the engine's built-in defaults.
func Default() *Config {
	return &Config{
		ReplayWindowNS:           int64(2 * time.Second),
		HealDivergenceMultiplier: 10,
		TaintThreshold:           100,
		CASRetryBound:            100,
		ReverseAuditDepthLimit:   65536,
		CriticalLogPeriod:        5 * time.Second,
		FutureDilationThreshold:  5000,
		PastSkewThreshold:        100,
		ZeroScanCortexCapBytes:   256 * 1024 * 1024,
		ThermalCriticalC:         85.0,
		ThermalForceROC:          75.0,
		RetryPolicy: map[types.Profile]RetryPolicy{
			types.ProfileGaming:     {Retries: 0, Sleep: 0},
			types.ProfileAI:         {Retries: 0, Sleep: 0},
			types.ProfileHyperCloud: {Retries: 0, Sleep: 0},
			types.ProfileUSB:        {Retries: 5, Sleep: 100 * time.Millisecond},
			types.ProfileArchive:    {Retries: 5, Sleep: 100 * time.Millisecond},
			types.ProfileGeneric:    {Retries: 2, Sleep: time.Millisecond},
			types.ProfilePico:       {Retries: 2, Sleep: time.Millisecond},
			types.ProfileSystem:     {Retries: 2, Sleep: time.Millisecond},
		},
	}
}

// Load reads overrides from a config file (if present) plus CARDINAL_*
// environment variables, layered on top of Default().
func Load(configPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("CARDINAL")
	v.AutomaticEnv()

	v.SetDefault("replay_window_ns", cfg.ReplayWindowNS)
	v.SetDefault("taint_threshold", cfg.TaintThreshold)
	v.SetDefault("cas_retry_bound", cfg.CASRetryBound)
	v.SetDefault("reverse_audit_depth_limit", cfg.ReverseAuditDepthLimit)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	cfg.ReplayWindowNS = v.GetInt64("replay_window_ns")
	cfg.TaintThreshold = uint64(v.GetInt64("taint_threshold"))
	cfg.CASRetryBound = v.GetInt("cas_retry_bound")
	cfg.ReverseAuditDepthLimit = v.GetInt("reverse_audit_depth_limit")

	return cfg, nil
}

// RetryFor returns the retry policy for a profile, falling back to the
// generic policy for unrecognized profiles.
func (c *Config) RetryFor(p types.Profile) RetryPolicy {
	if rp, ok := c.RetryPolicy[p]; ok {
		return rp
	}
	return c.RetryPolicy[types.ProfileGeneric]
}
