package domain

import (
	"fmt"
	"strings"
	"time"
)

// OutcomeStatus is the result of one channel attempt.
type OutcomeStatus string

const (
	OutcomeSent              OutcomeStatus = "sent"
	OutcomeFailed            OutcomeStatus = "failed"
	OutcomeSkippedConsent    OutcomeStatus = "skipped_consent"
	OutcomeSkippedThrottle   OutcomeStatus = "skipped_throttle"
	OutcomeSkippedQuietHours OutcomeStatus = "skipped_quiet_hours"
)

func (s OutcomeStatus) String() string { return string(s) }

func (s OutcomeStatus) IsValid() bool {
	switch s {
	case OutcomeSent, OutcomeFailed, OutcomeSkippedConsent, OutcomeSkippedThrottle, OutcomeSkippedQuietHours:
		return true
	}
	return false
}

// IsDeferrable reports whether the skip clears on its own (quiet hours, throttle window).
func (s OutcomeStatus) IsDeferrable() bool {
	return s == OutcomeSkippedQuietHours || s == OutcomeSkippedThrottle
}

// Failure reasons recorded on outcomes.
const (
	ReasonMissingContactInfo = "missing_contact_info"
	ReasonInvalidRecipient   = "invalid_recipient"
	ReasonProviderError      = "provider_error"
	ReasonChannelUnavailable = "channel_unavailable"
	ReasonOptedOut           = "opted_out"
	ReasonNotOptedIn         = "not_opted_in"
	ReasonQuietHours         = "quiet_hours"
	ReasonThrottled          = "throttled"
	ReasonLookupFailed       = "lookup_failed"
)

// DeliveryOutcome is immutable once written and appended to the store.
type DeliveryOutcome struct {
	ID                string        `json:"id"`
	RequestID         string        `json:"requestId"`
	Channel           Channel       `json:"channel"`
	Status            OutcomeStatus `json:"status"`
	Reason            string        `json:"reason,omitempty"`
	Error             string        `json:"error,omitempty"`
	ProviderMessageID string        `json:"providerMessageId,omitempty"`
	RetryNotBefore    *time.Time    `json:"retryNotBefore,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
}

// RequestStatus is the terminal state of a request.
type RequestStatus string

const (
	StatusSent          RequestStatus = "SENT"
	StatusPartiallySent RequestStatus = "PARTIALLY_SENT"
	StatusFailed        RequestStatus = "FAILED"
	StatusDeferred      RequestStatus = "DEFERRED"
	// StatusQueued marks an accepted request waiting on the work queue.
	StatusQueued        RequestStatus = "QUEUED"
	// StatusRequeued marks a deferred request handed back to the work queue.
	StatusRequeued      RequestStatus = "REQUEUED"
	// StatusDuplicate marks a request whose idempotency key was held by
	// another in-flight request.
	StatusDuplicate     RequestStatus = "DUPLICATE"
)

func (s RequestStatus) String() string { return string(s) }

func (s RequestStatus) IsValid() bool {
	switch s {
	case StatusSent, StatusPartiallySent, StatusFailed, StatusDeferred, StatusQueued, StatusRequeued, StatusDuplicate:
		return true
	}
	return false
}

func ParseRequestStatusFromString(s string) (RequestStatus, error) {
	st := RequestStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// DeferReason explains why a request was deferred.
type DeferReason string

const (
	DeferNone       DeferReason = ""
	DeferQuietHours DeferReason = "quiet_hours"
	DeferThrottle   DeferReason = "throttle"
	DeferBatch      DeferReason = "batch"
)

// DispatchResult is what a submission returns and what the idempotency ledger caches.
type DispatchResult struct {
	RequestID   string            `json:"requestId"`
	Status      RequestStatus     `json:"status"`
	DeferReason DeferReason       `json:"deferReason,omitempty"`
	NotBefore   *time.Time        `json:"notBefore,omitempty"`
	Outcomes    []DeliveryOutcome `json:"outcomes"`
	Cached      bool              `json:"cached,omitempty"`
}

// SucceededChannel returns the first channel recorded as sent.
func (r *DispatchResult) SucceededChannel() (Channel, bool) {
	if r == nil {
		return "", false
	}
	for _, o := range r.Outcomes {
		if o.Status == OutcomeSent {
			return o.Channel, true
		}
	}
	return "", false
}

// RequestRecord is the persisted view of a request and its latest status.
type RequestRecord struct {
	Request     NotificationRequest
	Status      RequestStatus
	DeferReason DeferReason
	NotBefore   *time.Time
	UpdatedAt   time.Time
}
