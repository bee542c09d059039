package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mikeydub/go-barter/env"
	"github.com/mikeydub/go-barter/service/discover"
	"github.com/mikeydub/go-barter/service/valuate"
	"github.com/spf13/viper"
)

// Config configures an Engine. Zero values fall back to the BARTER_
// environment configuration.
type Config struct {
	// Values resolves NFT valuations for loop scoring. When nil, scoring falls
	// back to the valuation hints carried by inventory submissions.
	Values valuate.ValueSource
	// Resolver resolves collection membership the tenant has not declared
	// locally. Optional.
	Resolver valuate.CollectionResolver
	// Overrides replaces individual environment-derived tenant defaults. Zero
	// fields keep the configured value.
	Overrides TenantConfig
}

// TenantConfig holds the per-tenant tuning knobs. Every field is clamped to
// its documented range at load time.
type TenantConfig struct {
	MaxDepth            int
	MaxCyclesPerSCC     int
	MaxSCCConcurrency   int
	LargeSCCThreshold   int
	MaxCollectionFanout int
	DebounceWindow      time.Duration
	ComputeDeadline     time.Duration
	QualityThreshold    float64
	Weights             discover.Weights
	MaxQueuedMutations  int
	SubscriberBuffer    int
	BloomFPR            float64
}

// SetDefaults registers every BARTER_ configuration default. New calls it;
// it is exported so hosts and tests can seed configuration before overriding
// individual keys.
func SetDefaults() {
	viper.SetDefault("BARTER_DEBUG", false)
	viper.SetDefault("BARTER_MAX_DEPTH", 10)
	viper.SetDefault("BARTER_MAX_CYCLES_PER_SCC", 1000)
	viper.SetDefault("BARTER_MAX_SCC_CONCURRENCY", 6)
	viper.SetDefault("BARTER_LARGE_SCC_THRESHOLD", 500)
	viper.SetDefault("BARTER_MAX_COLLECTION_FANOUT", 0)
	viper.SetDefault("BARTER_DEBOUNCE_WINDOW_MS", 25)
	viper.SetDefault("BARTER_COMPUTE_DEADLINE_MS", 30000)
	viper.SetDefault("BARTER_QUALITY_THRESHOLD", 0.5)
	viper.SetDefault("BARTER_WEIGHT_EFFICIENCY", 0.40)
	viper.SetDefault("BARTER_WEIGHT_FAIRNESS", 0.30)
	viper.SetDefault("BARTER_WEIGHT_RELIABILITY", 0.30)
	viper.SetDefault("BARTER_MAX_QUEUED_MUTATIONS", 10000)
	viper.SetDefault("BARTER_SUBSCRIBER_BUFFER", 1024)
	viper.SetDefault("BARTER_BLOOM_FPR", 0.001)

	env.RegisterValidation("BARTER_MAX_DEPTH", "gte=0")
	env.RegisterValidation("BARTER_MAX_CYCLES_PER_SCC", "gte=0")
	env.RegisterValidation("BARTER_QUALITY_THRESHOLD", "gte=0", "lte=1")
	env.RegisterValidation("BARTER_WEIGHT_EFFICIENCY", "gte=0", "lte=1")
	env.RegisterValidation("BARTER_WEIGHT_FAIRNESS", "gte=0", "lte=1")
	env.RegisterValidation("BARTER_WEIGHT_RELIABILITY", "gte=0", "lte=1")
	env.RegisterValidation("BARTER_BLOOM_FPR", "gt=0")

	viper.AutomaticEnv()
}

// loadTenantConfig assembles the effective tenant defaults: environment
// configuration, overlaid with the host's overrides, clamped to the
// documented ranges. Weights that do not sum to 1 are renormalized when the
// drift is float noise and rejected otherwise.
func loadTenantConfig(ctx context.Context, overrides TenantConfig) (TenantConfig, error) {
	cfg := TenantConfig{
		MaxDepth:            env.GetInt(ctx, "BARTER_MAX_DEPTH"),
		MaxCyclesPerSCC:     env.GetInt(ctx, "BARTER_MAX_CYCLES_PER_SCC"),
		MaxSCCConcurrency:   env.GetInt(ctx, "BARTER_MAX_SCC_CONCURRENCY"),
		LargeSCCThreshold:   env.GetInt(ctx, "BARTER_LARGE_SCC_THRESHOLD"),
		MaxCollectionFanout: env.GetInt(ctx, "BARTER_MAX_COLLECTION_FANOUT"),
		DebounceWindow:      time.Duration(env.GetInt(ctx, "BARTER_DEBOUNCE_WINDOW_MS")) * time.Millisecond,
		ComputeDeadline:     time.Duration(env.GetInt(ctx, "BARTER_COMPUTE_DEADLINE_MS")) * time.Millisecond,
		QualityThreshold:    env.GetFloat64(ctx, "BARTER_QUALITY_THRESHOLD"),
		Weights: discover.Weights{
			Efficiency:  env.GetFloat64(ctx, "BARTER_WEIGHT_EFFICIENCY"),
			Fairness:    env.GetFloat64(ctx, "BARTER_WEIGHT_FAIRNESS"),
			Reliability: env.GetFloat64(ctx, "BARTER_WEIGHT_RELIABILITY"),
		},
		MaxQueuedMutations: env.GetInt(ctx, "BARTER_MAX_QUEUED_MUTATIONS"),
		SubscriberBuffer:   env.GetInt(ctx, "BARTER_SUBSCRIBER_BUFFER"),
		BloomFPR:           env.GetFloat64(ctx, "BARTER_BLOOM_FPR"),
	}

	cfg = cfg.apply(overrides)

	cfg.MaxDepth = clampInt(cfg.MaxDepth, 2, 15)
	cfg.MaxCyclesPerSCC = clampInt(cfg.MaxCyclesPerSCC, 100, 10000)
	cfg.MaxSCCConcurrency = clampInt(cfg.MaxSCCConcurrency, 1, 32)
	cfg.LargeSCCThreshold = clampInt(cfg.LargeSCCThreshold, 50, 5000)
	cfg.MaxCollectionFanout = clampInt(cfg.MaxCollectionFanout, 0, math.MaxInt)
	cfg.DebounceWindow = clampDuration(cfg.DebounceWindow, 0, 250*time.Millisecond)
	cfg.ComputeDeadline = clampDuration(cfg.ComputeDeadline, time.Second, 120*time.Second)
	cfg.QualityThreshold = clampFloat(cfg.QualityThreshold, 0, 1)
	cfg.MaxQueuedMutations = clampInt(cfg.MaxQueuedMutations, 1, 1<<20)
	cfg.SubscriberBuffer = clampInt(cfg.SubscriberBuffer, 1, 1<<20)
	cfg.BloomFPR = clampFloat(cfg.BloomFPR, 1e-5, 1e-2)

	sum := cfg.Weights.Sum()
	drift := math.Abs(sum - 1)
	switch {
	case drift == 0:
	case drift < 1e-9:
		cfg.Weights.Efficiency /= sum
		cfg.Weights.Fairness /= sum
		cfg.Weights.Reliability /= sum
	default:
		return TenantConfig{}, fmt.Errorf("score weights must sum to 1, got %v", sum)
	}

	return cfg, nil
}

// apply overlays the non-zero fields of o onto c.
func (c TenantConfig) apply(o TenantConfig) TenantConfig {
	if o.MaxDepth != 0 {
		c.MaxDepth = o.MaxDepth
	}
	if o.MaxCyclesPerSCC != 0 {
		c.MaxCyclesPerSCC = o.MaxCyclesPerSCC
	}
	if o.MaxSCCConcurrency != 0 {
		c.MaxSCCConcurrency = o.MaxSCCConcurrency
	}
	if o.LargeSCCThreshold != 0 {
		c.LargeSCCThreshold = o.LargeSCCThreshold
	}
	if o.MaxCollectionFanout != 0 {
		c.MaxCollectionFanout = o.MaxCollectionFanout
	}
	if o.DebounceWindow != 0 {
		c.DebounceWindow = o.DebounceWindow
	}
	if o.ComputeDeadline != 0 {
		c.ComputeDeadline = o.ComputeDeadline
	}
	if o.QualityThreshold != 0 {
		c.QualityThreshold = o.QualityThreshold
	}
	if o.Weights != (discover.Weights{}) {
		c.Weights = o.Weights
	}
	if o.MaxQueuedMutations != 0 {
		c.MaxQueuedMutations = o.MaxQueuedMutations
	}
	if o.SubscriberBuffer != 0 {
		c.SubscriberBuffer = o.SubscriberBuffer
	}
	if o.BloomFPR != 0 {
		c.BloomFPR = o.BloomFPR
	}
	return c
}

// discoverConfig projects the tenant knobs onto the pipeline's config.
func (c TenantConfig) discoverConfig() discover.OrchestratorConfig {
	return discover.OrchestratorConfig{
		Config: discover.Config{
			MaxDepth:          c.MaxDepth,
			MaxCyclesPerSCC:   c.MaxCyclesPerSCC,
			MaxSCCConcurrency: c.MaxSCCConcurrency,
			LargeSCCThreshold: c.LargeSCCThreshold,
			Weights:           c.Weights,
			QualityThreshold:  c.QualityThreshold,
		},
		DebounceWindow:  c.DebounceWindow,
		ComputeDeadline: c.ComputeDeadline,
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
