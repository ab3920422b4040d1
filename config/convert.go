package config

import (
	"github.com/planforge/planforge/compiler"
	"github.com/planforge/planforge/executor"
)

// ToCompilerConfig converts the wire-form CompilerConfig into
// compiler.Config.
func (c CompilerConfig) ToCompilerConfig() compiler.Config {
	return compiler.Config{
		ConcurrencyLimit: c.ConcurrencyLimit,
		DeadlineMs:       c.DeadlineMs,
		RateLimits:       c.RateLimits,
		RateBursts:       c.RateBursts,
	}
}

// ToExecutionConfig converts the wire-form ExecutionConfig into
// executor.ExecutionConfig.
func (c ExecutionConfig) ToExecutionConfig() executor.ExecutionConfig {
	return executor.ExecutionConfig{
		ConcurrencyLimit:        c.ConcurrencyLimit,
		LockTimeout:             c.LockTimeout(),
		BackoffBase:             c.BackoffBase(),
		MaxBackoff:              c.MaxBackoff(),
		Jitter:                  c.Jitter,
		CircuitBreakerWindow:    c.CircuitBreakerWindow,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		Seed:                    c.Seed,
	}
}
