// Package config provides configuration loading and validation for the
// kestrel GC core. Supports YAML files with environment variable
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a kestrel GC instance.
type Config struct {
	GC            GCConfig            `yaml:"gc"`
	Finalizer     FinalizerConfig     `yaml:"finalizer"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// GCConfig holds the tunables from spec.md §6: the upper bound on
// concurrent markers, whether mutators may cooperatively mark, the size
// of the dedicated auxiliary worker pool, and the compile-time
// single-threaded switch.
type GCConfig struct {
	// MaxParallelism bounds the number of concurrent markers (main +
	// aux + cooperating mutators).
	MaxParallelism uint `yaml:"maxParallelism" env:"KESTREL_GC_MAX_PARALLELISM"`

	// MutatorsCooperate enables cooperative marking: a mutator that
	// reaches its safepoint after the mark dispatcher has begun the
	// current epoch's traversal contributes its own roots and helps
	// drain the shared queue instead of just parking, shortening the
	// STW window. Orchestrator.NewMutator and Reconfigure both consult
	// this to wire (or unwire) each mutator's MarkHelper.
	MutatorsCooperate bool `yaml:"mutatorsCooperate" env:"KESTREL_GC_MUTATORS_COOPERATE"`

	// AuxGCThreads is the number of dedicated mark worker goroutines.
	AuxGCThreads uint `yaml:"auxGCThreads" env:"KESTREL_GC_AUX_THREADS"`

	// GCMarkSingleThreaded selects the STMS degenerate case: when true,
	// AuxGCThreads must be zero and the dispatcher runs mark on the
	// main GC goroutine alone.
	GCMarkSingleThreaded bool `yaml:"gcMarkSingleThreaded" env:"KESTREL_GC_MARK_SINGLE_THREADED"`

	// ConcurrentWeakSweep enables the optional weak-reference barrier
	// path described in spec.md §4.B.
	ConcurrentWeakSweep bool `yaml:"concurrentWeakSweep" env:"KESTREL_GC_CONCURRENT_WEAK_SWEEP"`

	// MarkBatchSize controls how many references a worker pulls from
	// the shared mark queue per batch.
	MarkBatchSize int `yaml:"markBatchSize" env:"KESTREL_GC_MARK_BATCH_SIZE"`
}

// FinalizerConfig configures the finalizer processor.
type FinalizerConfig struct {
	// TaskQueueCapacity bounds the buffered channel backing
	// ScheduleTasks; a full queue blocks the caller until the
	// finalizer goroutine drains it.
	TaskQueueCapacity int `yaml:"taskQueueCapacity" env:"KESTREL_FINALIZER_QUEUE_CAPACITY"`
}

// ObservabilityConfig configures logging and metrics.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"KESTREL_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"KESTREL_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"KESTREL_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults: parallel marking with
// two auxiliary workers, cooperative marking enabled, no weak-ref barrier.
func Default() *Config {
	return &Config{
		GC: GCConfig{
			MaxParallelism:       4,
			MutatorsCooperate:    true,
			AuxGCThreads:         2,
			GCMarkSingleThreaded: false,
			ConcurrentWeakSweep:  false,
			MarkBatchSize:        64,
		},
		Finalizer: FinalizerConfig{
			TaskQueueCapacity: 256,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// DefaultSingleThreaded returns a Config for the Same-Thread Mark & Sweep
// degenerate case: no auxiliary workers, no cooperative marking.
func DefaultSingleThreaded() *Config {
	cfg := Default()
	cfg.GC.AuxGCThreads = 0
	cfg.GC.MutatorsCooperate = false
	cfg.GC.GCMarkSingleThreaded = true
	cfg.GC.MaxParallelism = 1
	return cfg
}

// Load reads a YAML config file at path, starting from Default() so any
// field the file omits keeps its default value, then applies environment
// variable overrides named by each field's `env` tag.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupUint("KESTREL_GC_MAX_PARALLELISM"); ok {
		cfg.GC.MaxParallelism = v
	}
	if v, ok := lookupBool("KESTREL_GC_MUTATORS_COOPERATE"); ok {
		cfg.GC.MutatorsCooperate = v
	}
	if v, ok := lookupUint("KESTREL_GC_AUX_THREADS"); ok {
		cfg.GC.AuxGCThreads = v
	}
	if v, ok := lookupBool("KESTREL_GC_MARK_SINGLE_THREADED"); ok {
		cfg.GC.GCMarkSingleThreaded = v
	}
	if v, ok := lookupBool("KESTREL_GC_CONCURRENT_WEAK_SWEEP"); ok {
		cfg.GC.ConcurrentWeakSweep = v
	}
	if v, ok := lookupInt("KESTREL_GC_MARK_BATCH_SIZE"); ok {
		cfg.GC.MarkBatchSize = v
	}
	if v, ok := lookupInt("KESTREL_FINALIZER_QUEUE_CAPACITY"); ok {
		cfg.Finalizer.TaskQueueCapacity = v
	}
	if v, ok := os.LookupEnv("KESTREL_METRICS_ADDR"); ok {
		cfg.Observability.MetricsAddr = v
	}
	if v, ok := os.LookupEnv("KESTREL_LOG_LEVEL"); ok {
		cfg.Observability.LogLevel = v
	}
	if v, ok := os.LookupEnv("KESTREL_LOG_FORMAT"); ok {
		cfg.Observability.LogFormat = v
	}
}

func lookupUint(name string) (uint, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(v), true
}

func lookupInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupBool(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
