package alert

import (
	"sync"
	"time"
)

// Defaults for the repeated-failure detector.
const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 10 * time.Minute
)

// RuleRepeatedFailures is the rule name attached to alerts raised by the
// FailureTracker. It is not part of the pattern rule set: the tracker is
// stateful, pattern rules are not.
const RuleRepeatedFailures = "repeated_failures"

// FailureTracker counts failed events per actor over a sliding window and
// reports when the count crosses a threshold. A single tracker is shared
// by the append fan-out, so it is safe for concurrent use.
type FailureTracker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	byActor   map[string][]time.Time
}

// NewFailureTracker creates a tracker that fires once an actor accumulates
// threshold failures within window. Non-positive arguments fall back to the
// package defaults.
func NewFailureTracker(threshold int, window time.Duration) *FailureTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}
	return &FailureTracker{
		threshold: threshold,
		window:    window,
		byActor:   make(map[string][]time.Time),
	}
}

// Observe records a failed event for the actor at the given time. It returns
// the failure count inside the window and whether this observation crossed
// the threshold. The crossing fires exactly when the count reaches the
// threshold, so a burst of failures raises one alert, not one per failure.
func (t *FailureTracker) Observe(actor string, at time.Time) (count int, crossed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := at.Add(-t.window)
	kept := t.byActor[actor][:0]
	for _, ts := range t.byActor[actor] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, at)
	t.byActor[actor] = kept

	return len(kept), len(kept) == t.threshold
}

// Window returns the tracker's sliding window size.
func (t *FailureTracker) Window() time.Duration {
	return t.window
}
