package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lmoretti/guildgate/internal/gate/gatemetrics"
	"github.com/lmoretti/guildgate/internal/gate/registry"
	gstripe "github.com/lmoretti/guildgate/internal/gate/stripe"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SweepStats summarizes one reconciliation pass.
type SweepStats struct {
	Processed int // records fully evaluated
	Skipped   int // resolution failure, member absent, or not ready
	Added     int // roles granted
	Removed   int // roles revoked
	Failures  int // per-record or per-operation errors
}

// Run starts the sweep loop: one pass immediately, then one per interval.
// It blocks until ctx is cancelled. A new pass does not start until the
// prior one completes.
func (e *Engine) Run(ctx context.Context) {
	log.Info().
		Dur("interval", e.cfg.Interval).
		Dur("pace", e.cfg.Pace).
		Msg("Reconciliation sweep loop started")

	e.trySweep(ctx)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciliation sweep loop stopped")
			return
		case <-ticker.C:
			e.trySweep(ctx)
		}
	}
}

// trySweep runs a sweep unless one is already in flight. Panics from
// anywhere in the pass stop here: the sweep goroutine must outlive any
// single bad pass.
func (e *Engine) trySweep(ctx context.Context) {
	select {
	case e.running <- struct{}{}:
	default:
		log.Warn().Msg("Sweep still in progress, skipping this tick")
		return
	}
	defer func() { <-e.running }()
	defer func() {
		if r := recover(); r != nil {
			gatemetrics.SweepsTotal.WithLabelValues("panic").Inc()
			log.Error().Interface("panic", r).Msg("Panic during sweep")
		}
	}()

	if _, err := e.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("Sweep failed")
	}
}

// Sweep performs one full reconciliation pass over all linked subscribers.
// Individual record failures never abort the pass; the top-level error is
// reserved for being unable to read the registry at all.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	start := time.Now()
	sweepID := ulid.Make().String()
	logger := log.With().Str("sweep_id", sweepID).Logger()

	defer func() {
		gatemetrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	if !e.actuator.Ready() {
		logger.Warn().Msg("Platform not ready, skipping sweep")
		gatemetrics.SweepsTotal.WithLabelValues("not_ready").Inc()
		return stats, nil
	}

	links, err := e.registry.AllLinked()
	if err != nil {
		gatemetrics.SweepsTotal.WithLabelValues("error").Inc()
		return stats, fmt.Errorf("read linked subscribers: %w", err)
	}
	gatemetrics.LinkedSubscribers.Set(float64(len(links)))

	for _, link := range links {
		if ctx.Err() != nil {
			logger.Info().Msg("Sweep cancelled")
			break
		}
		e.reconcileRecord(ctx, logger, link, &stats)
	}

	gatemetrics.SweepsTotal.WithLabelValues("ok").Inc()
	logger.Info().
		Int("processed", stats.Processed).
		Int("skipped", stats.Skipped).
		Int("added", stats.Added).
		Int("removed", stats.Removed).
		Int("failures", stats.Failures).
		Dur("elapsed", time.Since(start)).
		Msg("Sweep complete")
	return stats, nil
}

// reconcileRecord converges one subscriber. Panics and errors are contained
// here so one bad record cannot take down the rest of the pass.
func (e *Engine) reconcileRecord(ctx context.Context, logger zerolog.Logger, link *registry.Link, stats *SweepStats) {
	defer func() {
		if r := recover(); r != nil {
			stats.Failures++
			logger.Error().
				Interface("panic", r).
				Str("customer_id", link.StripeCustomerID).
				Msg("Panic while reconciling record")
		}
	}()

	res, err := e.resolver.Resolve(ctx, link.StripeCustomerID)
	if err != nil {
		// Could not determine is not the same as not entitled: keep the
		// previous status, touch nothing, retry next cycle.
		if errors.Is(err, gstripe.ErrBillingUnavailable) {
			gatemetrics.ResolutionFailuresTotal.Inc()
		}
		stats.Skipped++
		logger.Warn().Err(err).
			Str("customer_id", link.StripeCustomerID).
			Msg("Billing resolution failed, retaining previous status")
		return
	}

	if res.Status != link.LastKnownStatus || res.Tier != link.LastKnownTier {
		if err := e.registry.UpsertStatus(link.StripeCustomerID, res.Status, res.Tier); err != nil {
			stats.Failures++
			logger.Error().Err(err).
				Str("customer_id", link.StripeCustomerID).
				Msg("Failed to write back status")
			// Grant convergence still proceeds from the fresh resolution.
		}
	}

	mapping := e.tiers.Mapping()
	desired := mapping.Grants(res.Status, res.Tier)

	live, found, err := e.actuator.MemberGrants(link.DiscordUserID)
	if err != nil {
		stats.Failures++
		logger.Error().Err(err).
			Str("member_id", link.DiscordUserID).
			Msg("Failed to read member roles")
		return
	}
	if !found {
		// Member left the guild; not a failure.
		stats.Skipped++
		return
	}

	liveSet := make(map[string]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}

	if len(desired) > 0 {
		// Entitled: add missing grants only. Roles outside the desired set
		// are left alone, even stale tier roles. Removal is reserved for
		// unambiguous loss of entitlement.
		for _, grantID := range desired {
			if liveSet[grantID] {
				continue
			}
			e.applyGrant(logger, link.DiscordUserID, grantID, true, stats)
		}
	} else {
		// Not entitled: remove every managed role the member holds.
		for _, grantID := range mapping.Catalog() {
			if !liveSet[grantID] {
				continue
			}
			e.applyGrant(logger, link.DiscordUserID, grantID, false, stats)
		}
	}

	stats.Processed++
}

func (e *Engine) applyGrant(logger zerolog.Logger, memberID, grantID string, add bool, stats *SweepStats) {
	action := "remove"
	apply := e.actuator.Remove
	if add {
		action = "add"
		apply = e.actuator.Add
	}

	// Every attempt hits the platform, so every attempt is throttled.
	defer e.pace()

	if err := apply(memberID, grantID); err != nil {
		stats.Failures++
		gatemetrics.GrantOperationsTotal.WithLabelValues(action, "error").Inc()
		logger.Error().Err(err).
			Str("member_id", memberID).
			Str("role_id", grantID).
			Str("action", action).
			Msg("Role mutation failed")
		return
	}

	gatemetrics.GrantOperationsTotal.WithLabelValues(action, "ok").Inc()
	if add {
		stats.Added++
		e.audit.Notify(fmt.Sprintf("Role %s added to member %s.", grantID, memberID))
	} else {
		stats.Removed++
		e.audit.Notify(fmt.Sprintf("Role %s removed from member %s (subscription inactive).", grantID, memberID))
	}
}
