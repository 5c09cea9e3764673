package domain

import "time"

// ThrottleWindow is the fixed accounting period of one
// (recipient, channel, priority bucket) combination.
type ThrottleWindow struct {
	RecipientID    string
	Channel        Channel
	PriorityBucket Priority
	WindowStart    time.Time
	Count          int
}

// IdempotencyEntry caches the result of the first send for a key.
type IdempotencyEntry struct {
	Key       string          `json:"key"`
	Result    *DispatchResult `json:"result,omitempty"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Pending reports whether the key is reserved but no result was stored yet.
func (e *IdempotencyEntry) Pending() bool {
	return e != nil && e.Result == nil
}
