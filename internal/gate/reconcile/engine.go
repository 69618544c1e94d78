// Package reconcile converges live Discord role membership toward the state
// derived from Stripe subscriptions. It owns the two flows that mutate grants:
// the interactive account-link transaction and the periodic sweep.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/lmoretti/guildgate/internal/gate/entitlement"
	"github.com/lmoretti/guildgate/internal/gate/registry"
	gstripe "github.com/lmoretti/guildgate/internal/gate/stripe"
)

// Typed outcomes of the interactive link flow. These are user-facing:
// the bot renders them as rejection messages.
var (
	// ErrNoSuchCustomer means no Stripe customer exists for the email.
	ErrNoSuchCustomer = errors.New("no billing customer found for that email")
	// ErrNoActiveEntitlement means the customer exists but holds no entitled
	// subscription.
	ErrNoActiveEntitlement = errors.New("no active subscription for that email")
	// ErrConflictingLink means the subscription is already bound to a
	// different Discord account. Security-relevant: audited separately.
	ErrConflictingLink = errors.New("subscription already linked to another account")
	// ErrBillingUnavailable mirrors the resolver's transient-failure result;
	// the user may simply retry.
	ErrBillingUnavailable = gstripe.ErrBillingUnavailable
)

// Resolver answers billing questions. Implemented by gate/stripe.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, customerID string) (gstripe.Resolution, error)
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
}

// MappingSource provides the current tier mapping. Implementations may swap
// the mapping at runtime (hot-reloaded tier tables); the engine reads it
// fresh for every link and every sweep record.
type MappingSource interface {
	Mapping() entitlement.Mapping
}

// StaticMapping is a MappingSource with a fixed mapping.
type StaticMapping entitlement.Mapping

func (s StaticMapping) Mapping() entitlement.Mapping { return entitlement.Mapping(s) }

// Registry is the durable subscriber-link store.
type Registry interface {
	AllLinked() ([]*registry.Link, error)
	CountLinked() (int, error)
	GetByDiscordUserID(discordUserID string) (*registry.Link, error)
	UpsertStatus(customerID string, status registry.Status, tier string) error
	LinkMember(customerID, memberID string, status registry.Status, tier string) (registry.LinkOutcome, error)
}

// Actuator applies grant mutations against the live community platform.
// Implemented by gate/discord.Actuator.
type Actuator interface {
	// Ready reports whether the platform connection is established and the
	// guild handles are resolved. The sweep refuses to run before that.
	Ready() bool
	// MemberGrants returns the member's live role IDs. found is false when
	// the member is not in the guild.
	MemberGrants(memberID string) (grants []string, found bool, err error)
	Add(memberID, grantID string) error
	Remove(memberID, grantID string) error
}

// AuditSink receives human-readable admin messages. Notify carries routine
// status; Audit carries security-relevant conflicts.
type AuditSink interface {
	Notify(msg string)
	Audit(msg string)
}

// Config holds the engine's timing knobs.
type Config struct {
	// Interval is the time between full sweeps.
	Interval time.Duration
	// Pace is the delay between platform-mutating calls. A deliberate
	// throttle for Discord rate limits, not an incidental sleep.
	Pace time.Duration
}

const (
	defaultInterval = 10 * time.Minute
	defaultPace     = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Pace <= 0 {
		c.Pace = defaultPace
	}
	return c
}

// Engine orchestrates reconciliation. Construct with New; all collaborators
// are required except audit, which may be nil (messages are dropped).
type Engine struct {
	resolver Resolver
	registry Registry
	tiers    MappingSource
	actuator Actuator
	audit    AuditSink
	cfg      Config

	sleep func(time.Duration) // injectable for tests

	running chan struct{} // 1-slot semaphore: sweeps never overlap
}

// New creates an Engine.
func New(resolver Resolver, reg Registry, tiers MappingSource, actuator Actuator, audit AuditSink, cfg Config) *Engine {
	if audit == nil {
		audit = nopAudit{}
	}
	return &Engine{
		resolver: resolver,
		registry: reg,
		tiers:    tiers,
		actuator: actuator,
		audit:    audit,
		cfg:      cfg.withDefaults(),
		sleep:    time.Sleep,
		running:  make(chan struct{}, 1),
	}
}

type nopAudit struct{}

func (nopAudit) Notify(string) {}
func (nopAudit) Audit(string)  {}

func (e *Engine) pace() {
	e.sleep(e.cfg.Pace)
}
