package registry

import "time"

// Status is the last subscription status observed from Stripe for a customer.
// It is a cache of provider state, never authoritative: the billing resolver
// result wins at decision time.
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnknown  Status = "unknown"
)

// ParseStatus normalizes a provider status string. Anything unrecognized maps
// to StatusUnknown rather than failing.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// Link associates one Stripe customer with at most one Discord account.
type Link struct {
	StripeCustomerID string    `json:"stripe_customer_id"`
	DiscordUserID    string    `json:"discord_user_id"` // empty until linked
	LastKnownStatus  Status    `json:"last_known_status"`
	LastKnownTier    string    `json:"last_known_tier"` // Stripe price ID, may be empty
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Linked reports whether the record has an associated Discord account.
func (l *Link) Linked() bool {
	return l != nil && l.DiscordUserID != ""
}

// LinkOutcome is the result of a LinkMember call.
type LinkOutcome int

const (
	// LinkOutcomeLinked means an existing record now carries the member id
	// (including the idempotent re-link case).
	LinkOutcomeLinked LinkOutcome = iota
	// LinkOutcomeCreated means no record existed and one was created.
	LinkOutcomeCreated
	// LinkOutcomeConflict means the customer or the member is already bound
	// to a different counterpart; nothing was written.
	LinkOutcomeConflict
)

func (o LinkOutcome) String() string {
	switch o {
	case LinkOutcomeLinked:
		return "linked"
	case LinkOutcomeCreated:
		return "created"
	case LinkOutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}
