package reporting

import "time"

// DeliverySummary describes the outbound pipeline. A growing OldestPendingAge
// with a flat Sent count means the worker or the provider is stuck.
type DeliverySummary struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`

	FailureRate float64 `json:"failure_rate"`

	OldestPendingAt         *time.Time `json:"oldest_pending_at,omitempty"`
	OldestPendingAgeSeconds int        `json:"oldest_pending_age_seconds"`
	Stuck                   bool       `json:"stuck"`

	GeneratedAt time.Time `json:"generated_at"`
}

// EngagementSummary covers what the bot handed to staff.
type EngagementSummary struct {
	NeedsHuman      int            `json:"needs_human"`
	LeadsTotal      int            `json:"leads_total"`
	LeadsByInterest map[string]int `json:"leads_by_interest"`
}
