package executor

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/Mindburn-Labs/wmag/pkg/registry"
)

// backoffDelay computes the wait before the next attempt: exponential in
// the attempt number, capped, with deterministic jitter derived from the
// seed so the schedule is reproducible per step.
func backoffDelay(p registry.RetryPolicy, attempt int, seed string) time.Duration {
	base := time.Duration(p.BaseDelayMS) * time.Millisecond
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := time.Duration(p.MaxDelayMS) * time.Millisecond
	if max <= 0 {
		max = 5 * time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if !p.Jitter {
		return d
	}
	// Jitter in [0.75, 1.25) of the delay.
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d", seed, attempt)
	frac := float64(h.Sum64()%1000) / 1000.0
	d = time.Duration(float64(d) * (0.75 + frac/2))
	if d > max {
		d = max
	}
	return d
}
