package resilience

import "time"

// Job retry backoff bounds.
const (
	JobBackoffBase = time.Minute
	JobBackoffMax  = 30 * time.Minute
)

// JobBackoff returns how far a failed job's executeAfter is pushed forward
// after its attempt-th failed execution: min(2^attempt minutes, 30 minutes).
// Attempts below 1 are treated as 1.
func JobBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^5 minutes already exceeds the cap; avoid shifting into overflow.
	if attempt >= 5 {
		return JobBackoffMax
	}
	d := JobBackoffBase << uint(attempt)
	if d > JobBackoffMax {
		return JobBackoffMax
	}
	return d
}

// BackoffPolicy maps a 1-based attempt number to a retry delay.
type BackoffPolicy func(attempt int) time.Duration
