package reconcile

import (
	"context"
	"fmt"

	"github.com/lmoretti/guildgate/internal/gate/gatemetrics"
	"github.com/lmoretti/guildgate/internal/gate/registry"
	"github.com/rs/zerolog/log"
)

// Link runs the interactive account-link transaction for one member: resolve
// the claimed email to a customer, verify entitlement, bind the identities,
// and grant the mapped roles. Granting is additive only; a first link must
// never strip roles the member already holds.
//
// It returns the granted role IDs on success, or one of the package's typed
// errors (ErrNoSuchCustomer, ErrBillingUnavailable, ErrNoActiveEntitlement,
// ErrConflictingLink).
func (e *Engine) Link(ctx context.Context, memberID, email string) ([]string, error) {
	outcome := "error"
	defer func() {
		gatemetrics.LinkAttemptsTotal.WithLabelValues(outcome).Inc()
	}()

	customerID, err := e.resolver.FindCustomerByEmail(ctx, email)
	if err != nil {
		outcome = "billing_unavailable"
		return nil, err
	}
	if customerID == "" {
		outcome = "no_customer"
		return nil, ErrNoSuchCustomer
	}

	res, err := e.resolver.Resolve(ctx, customerID)
	if err != nil {
		outcome = "billing_unavailable"
		return nil, err
	}

	mapping := e.tiers.Mapping()
	if !mapping.IsEntitled(res.Status) {
		outcome = "not_entitled"
		return nil, ErrNoActiveEntitlement
	}

	grants := mapping.Grants(res.Status, res.Tier)

	linkOutcome, err := e.registry.LinkMember(customerID, memberID, res.Status, res.Tier)
	if err != nil {
		return nil, fmt.Errorf("link member: %w", err)
	}
	if linkOutcome == registry.LinkOutcomeConflict {
		outcome = "conflict"
		e.audit.Audit(fmt.Sprintf("Failed re-link attempt: member %s tried to claim customer %s, which is bound to another account.", memberID, customerID))
		log.Warn().
			Str("member_id", memberID).
			Str("customer_id", customerID).
			Msg("Link rejected: customer bound to another member")
		return nil, ErrConflictingLink
	}

	if n, err := e.registry.CountLinked(); err == nil {
		gatemetrics.LinkedSubscribers.Set(float64(n))
	}

	for _, grantID := range grants {
		err := e.actuator.Add(memberID, grantID)
		e.pace()
		if err != nil {
			// The link itself stands; the sweep retries the grant next cycle.
			gatemetrics.GrantOperationsTotal.WithLabelValues("add", "error").Inc()
			log.Error().Err(err).
				Str("member_id", memberID).
				Str("role_id", grantID).
				Msg("Failed to add role after link")
			continue
		}
		gatemetrics.GrantOperationsTotal.WithLabelValues("add", "ok").Inc()
	}

	outcome = "ok"
	e.audit.Notify(fmt.Sprintf("Linked member %s to customer %s (%s, tier %s).", memberID, customerID, res.Status, res.Tier))
	log.Info().
		Str("member_id", memberID).
		Str("customer_id", customerID).
		Str("status", string(res.Status)).
		Str("tier", res.Tier).
		Strs("roles", grants).
		Msg("Account linked")
	return grants, nil
}

// MemberLink returns the registry record bound to the member, or nil when
// the member has never linked. The cached status may lag the next sweep.
func (e *Engine) MemberLink(memberID string) (*registry.Link, error) {
	link, err := e.registry.GetByDiscordUserID(memberID)
	if err != nil {
		return nil, fmt.Errorf("look up member link: %w", err)
	}
	return link, nil
}
