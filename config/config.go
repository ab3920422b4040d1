// Package config loads, validates, and hot-reloads the compiler and
// executor's tunable parameters from a YAML document. The compiler and
// executor are meant to be driven by an operator-tunable planner
// process rather than recompiled, so a running Watcher re-validates and
// atomically swaps the active configuration on every edit, rejecting
// (and logging, never applying) an invalid one.
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/planforge/planforge/telemetry"
)

// CompilerConfig mirrors compiler.Config's tunables in wire form.
type CompilerConfig struct {
	ConcurrencyLimit int                `yaml:"concurrency_limit" validate:"required,min=1"`
	DeadlineMs       float64            `yaml:"deadline_ms" validate:"required,gt=0"`
	RateLimits       map[string]float64 `yaml:"rate_limits,omitempty"`
	RateBursts       map[string]float64 `yaml:"rate_bursts,omitempty"`
}

// ExecutionConfig mirrors executor.ExecutionConfig's tunables in wire
// form, with the documented defaults applied by Parse.
type ExecutionConfig struct {
	ConcurrencyLimit        int     `yaml:"concurrency_limit" validate:"required,min=1"`
	LockTimeoutS            float64 `yaml:"lock_timeout_s" validate:"gte=0"`
	BackoffBaseS            float64 `yaml:"backoff_base_s" validate:"gte=0"`
	MaxBackoffS             float64 `yaml:"max_backoff_s" validate:"gte=0"`
	Jitter                  float64 `yaml:"jitter" validate:"gte=0,lte=1"`
	CircuitBreakerWindow    int     `yaml:"circuit_breaker_window" validate:"gte=0"`
	CircuitBreakerThreshold float64 `yaml:"circuit_breaker_threshold" validate:"gte=0,lte=1"`
	Seed                    int64   `yaml:"seed,omitempty"`
}

// Document is the top-level YAML shape: compiler and executor sections.
// The rate-limit tables live in the compiler section.
type Document struct {
	Compiler CompilerConfig  `yaml:"compiler" validate:"required"`
	Executor ExecutionConfig `yaml:"executor" validate:"required"`
}

var defaultValidator = validator.New()

// applyDefaults fills the documented zero-value defaults for fields a
// YAML document is allowed to omit.
func (d *Document) applyDefaults() {
	if d.Executor.LockTimeoutS == 0 {
		d.Executor.LockTimeoutS = 2.0
	}
	if d.Executor.BackoffBaseS == 0 {
		d.Executor.BackoffBaseS = 0.1
	}
	if d.Executor.MaxBackoffS == 0 {
		d.Executor.MaxBackoffS = 2.0
	}
	if d.Executor.CircuitBreakerWindow == 0 {
		d.Executor.CircuitBreakerWindow = 10
	}
	if d.Executor.CircuitBreakerThreshold == 0 {
		d.Executor.CircuitBreakerThreshold = 0.5
	}
}

// Load reads and validates a YAML config document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates a YAML config document already in memory.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	doc.applyDefaults()
	if err := defaultValidator.Struct(&doc); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &doc, nil
}

func durationOf(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// LockTimeout, BackoffBase, and MaxBackoff convert the document's
// second-denominated fields into time.Duration for executor.ExecutionConfig.
func (c ExecutionConfig) LockTimeout() time.Duration { return durationOf(c.LockTimeoutS) }
func (c ExecutionConfig) BackoffBase() time.Duration { return durationOf(c.BackoffBaseS) }
func (c ExecutionConfig) MaxBackoff() time.Duration  { return durationOf(c.MaxBackoffS) }

// Watcher holds the currently active, validated Document and keeps it in
// sync with a file on disk via fsnotify, exposing the latest value
// through Current without blocking readers against in-progress reloads.
type Watcher struct {
	path    string
	logger  telemetry.Logger
	current atomic.Pointer[Document]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher loads path once, failing if the initial document is
// invalid, then returns a Watcher primed with that document.
func NewWatcher(path string, logger telemetry.Logger) (*Watcher, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(doc)
	return w, nil
}

// Current returns the most recently validated Document.
func (w *Watcher) Current() *Document {
	return w.current.Load()
}

// Watch blocks, re-validating and atomically swapping Current on every
// write to the watched file, until ctx is cancelled. A write producing
// an invalid document is logged and discarded; the previously active
// document remains in effect.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "config watcher error", "error", err)
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			doc, err := Load(w.path)
			if err != nil {
				w.logger.Warn(ctx, "rejected invalid config reload", "path", w.path, "error", err)
				continue
			}
			w.current.Store(doc)
			w.logger.Info(ctx, "config reloaded", "path", w.path)
		}
	}
}
