package model

import "time"

// AvailabilityRule is one recurring weekly interval on a provider's
// calendar, expressed in minutes of day. Rules for the same day may
// overlap; the slot resolver merges them.
type AvailabilityRule struct {
	ID          string
	ProviderID  string
	DayOfWeek   int // 1=Mon .. 7=Sun
	StartMinute int
	EndMinute   int
	Enabled     bool
	CreatedAt   time.Time
}

// ProviderSettings carries per-provider booking parameters. A missing row
// means defaults apply.
type ProviderSettings struct {
	ProviderID           string
	FeeCents             int64
	Currency             string
	SlotStepMinutes      int
	PaymentWindowMinutes int
}
