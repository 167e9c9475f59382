package mqtt

import (
	"testing"
	"time"
)

func TestReconnectBackoff_Bounds(t *testing.T) {
	b := reconnectBackoff()

	// Attempt 0 is the delay before the first attempt: no wait.
	if d := b(0); d != 0 {
		t.Errorf("backoff(0) = %v, want 0", d)
	}

	// The delay is randomized, so sample each attempt a number of times
	// and check that every sample stays inside the configured bounds.
	for attempt := 1; attempt <= 20; attempt++ {
		var maxSeen time.Duration
		for i := 0; i < 100; i++ {
			d := b(attempt)
			if d < reconnectMinDelay {
				t.Fatalf("backoff(%d) = %v, below minimum %v", attempt, d, reconnectMinDelay)
			}
			if d > reconnectMaxDelay {
				t.Fatalf("backoff(%d) = %v, above maximum %v", attempt, d, reconnectMaxDelay)
			}
			if d > maxSeen {
				maxSeen = d
			}
		}
		// Early attempts must not already sit at the ceiling.
		if attempt == 1 && maxSeen > reconnectInitialMaxDelay {
			t.Errorf("backoff(1) reached %v, want at most %v", maxSeen, reconnectInitialMaxDelay)
		}
	}
}
