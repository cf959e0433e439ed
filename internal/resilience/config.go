package resilience

import (
	"time"
)

// FromAttempts returns the default retry configuration with the given number
// of attempts. Values below one mean a single attempt.
func FromAttempts(attempts int, initialBackoff time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = max(attempts, 1)
	if initialBackoff > 0 {
		cfg.InitialBackoff = initialBackoff
	}
	return cfg
}
