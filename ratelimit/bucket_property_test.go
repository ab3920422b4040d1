package ratelimit_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/planforge/planforge/ratelimit"
)

// TestBucketRefillProperties checks that HasTokenAt/ConsumeAt never expose
// more tokens than capacity allows and never let the token count rewind
// when observed at a non-decreasing sequence of timestamps.
func TestBucketRefillProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("capacity bounds the number of consecutive successful consumes at a fixed instant", prop.ForAll(
		func(capacity float64, t float64) bool {
			b := ratelimit.NewBucket(0, capacity)
			successes := 0
			for i := 0; i < int(capacity)+5; i++ {
				if b.ConsumeAt(t) {
					successes++
				}
			}
			return successes <= int(capacity)
		},
		gen.Float64Range(1, 50),
		gen.Float64Range(0, 1000),
	))

	properties.Property("observing at an earlier or equal timestamp never increases available tokens", prop.ForAll(
		func(rate, capacity, t1, dt float64) bool {
			t2 := t1 + dt
			b := ratelimit.NewBucket(rate, capacity)
			b.ConsumeAt(t2)
			before := availableTokens(b, t2)
			// t1 <= t2, so this observation must be a no-op refill.
			b.HasTokenAt(t1)
			after := availableTokens(b, t2)
			return after == before
		},
		gen.Float64Range(0, 10),
		gen.Float64Range(1, 50),
		gen.Float64Range(0, 1000),
		gen.Float64Range(0, 1000),
	))

	properties.Property("refilling for longer never yields fewer tokens than refilling for less time", prop.ForAll(
		func(rate, capacity, t, extra float64) bool {
			bShort := ratelimit.NewBucket(rate, capacity)
			bLong := ratelimit.NewBucket(rate, capacity)

			bShort.ConsumeAt(0)
			bLong.ConsumeAt(0)

			shortHasToken := bShort.HasTokenAt(t)
			longHasToken := bLong.HasTokenAt(t + extra)

			// If the shorter wait already exposes a token, waiting longer
			// (monotone refill, same rate) must too.
			return !shortHasToken || longHasToken
		},
		gen.Float64Range(0, 10),
		gen.Float64Range(1, 50),
		gen.Float64Range(0, 1000),
		gen.Float64Range(0, 1000),
	))

	properties.TestingRun(t)
}

// availableTokens reports whether a token is available at t without
// mutating state beyond what HasTokenAt itself performs (lazy refill to t).
func availableTokens(b *ratelimit.Bucket, t float64) bool {
	return b.HasTokenAt(t)
}
