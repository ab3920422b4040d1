package executor

import "sync"

// CircuitBreaker tracks the last window outcomes for a single tool and
// opens once the window fills and the failure rate reaches threshold.
// There is no half-open probing: once open, the breaker stays open until
// an operator calls Reset.
type CircuitBreaker struct {
	mu        sync.Mutex
	window    int
	threshold float64
	history   []bool
	open      bool
}

// NewCircuitBreaker constructs a breaker over the given rolling window
// size and failure-rate threshold.
func NewCircuitBreaker(window int, threshold float64) *CircuitBreaker {
	return &CircuitBreaker{window: window, threshold: threshold}
}

// Record appends an outcome to the rolling window, evaluating the
// open/closed state once the window is full.
func (b *CircuitBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, success)
	if len(b.history) > b.window {
		b.history = b.history[1:]
	}
	if len(b.history) == b.window {
		failures := 0
		for _, ok := range b.history {
			if !ok {
				failures++
			}
		}
		failureRate := float64(failures) / float64(b.window)
		if failureRate >= b.threshold {
			b.open = true
		}
	}
}

// Allow reports whether a new invocation may proceed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

// Reset clears the breaker's history and closes it. Recovery requires
// this explicit external call.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
	b.open = false
}
