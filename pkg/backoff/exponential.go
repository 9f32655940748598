package backoff

import (
	"math"
	"math/rand"
	"time"
)

// maxDelay caps the computed delay so large attempt counts cannot overflow.
const maxDelay = 6 * time.Hour

// CalculateRetryDelay calculates the retry delay using exponential backoff with jitter.
// attempt is the number of the attempt about to be made (the first retry is attempt 2).
func CalculateRetryDelay(attempt int, baseRetryDelay time.Duration) time.Duration {
	if attempt <= 1 {
		return 0 // No delay for the first attempt or invalid input
	}
	if baseRetryDelay <= 0 {
		return 0
	}

	// Calculate base delay: 2^(attempt-2) * baseDelay
	backoff := math.Pow(2, float64(attempt-2)) * float64(baseRetryDelay)
	baseDelayCalc := maxDelay
	if backoff < float64(maxDelay) {
		baseDelayCalc = time.Duration(backoff)
	}

	// Jitter: +/- 20% of the base delay
	jitterRange := float64(baseDelayCalc) * 0.2
	jitter := time.Duration(rand.Float64()*2*jitterRange - jitterRange)

	finalDelay := baseDelayCalc + jitter
	if finalDelay < 0 {
		finalDelay = 0
	}
	return finalDelay
}
