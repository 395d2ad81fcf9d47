package outbox

import "time"

const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// BackoffDelay is how long to wait after the tries-th failed attempt before the
// next one: base, 2*base, 4*base ... capped at max. Zero tries means no wait.
func BackoffDelay(tries int, base, max time.Duration) time.Duration {
	if tries <= 0 {
		return 0
	}
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	d := base
	for i := 1; i < tries; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
