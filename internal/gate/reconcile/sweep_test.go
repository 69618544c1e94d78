package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lmoretti/guildgate/internal/gate/registry"
	gstripe "github.com/lmoretti/guildgate/internal/gate/stripe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linkedRecord(reg *fakeRegistry, customerID, memberID string, status registry.Status, tier string) {
	reg.links[customerID] = &registry.Link{
		StripeCustomerID: customerID,
		DiscordUserID:    memberID,
		LastKnownStatus:  status,
		LastKnownTier:    tier,
	}
}

func TestSweepMonotonicAdd(t *testing.T) {
	// Live {role_t1, role_base}, desired {role_t2, role_base} (entitled top
	// tier): exactly add(role_t2), no removes. Stale roles are left alone.
	resolver := &fakeResolver{
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusActive, Tier: "price_t2"}},
	}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_1", "discord_1", registry.StatusActive, "price_t2")
	act := newFakeActuator()
	act.members["discord_1"] = []string{"role_t1", "role_base"}
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, act.ops, 1)
	assert.Equal(t, grantOp{"add", "discord_1", "role_t2"}, act.ops[0])
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, 0, stats.Removed)
	assert.Equal(t, 1, stats.Processed)
}

func TestSweepGatedRemove(t *testing.T) {
	// Not entitled: remove every managed role held, nothing else, no adds.
	resolver := &fakeResolver{
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusCanceled, Tier: "price_t1"}},
	}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_1", "discord_1", registry.StatusCanceled, "price_t1")
	act := newFakeActuator()
	act.members["discord_1"] = []string{"role_t1", "role_base", "role_unmanaged"}
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)

	removes := opsByAction(act.ops, "remove")
	require.Len(t, removes, 2)
	removed := map[string]bool{}
	for _, op := range removes {
		removed[op.grantID] = true
	}
	assert.True(t, removed["role_t1"])
	assert.True(t, removed["role_base"])
	assert.False(t, removed["role_unmanaged"], "roles outside the catalog are never touched")
	assert.Empty(t, opsByAction(act.ops, "add"))
	assert.Equal(t, 2, stats.Removed)
}

func TestSweepResolutionFailureSkipsRecord(t *testing.T) {
	resolver := &fakeResolver{
		resolveErr: map[string]error{"cus_1": fmt.Errorf("%w: timeout", gstripe.ErrBillingUnavailable)},
	}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_1", "discord_1", registry.StatusActive, "price_t1")
	act := newFakeActuator()
	act.members["discord_1"] = nil
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)

	assert.Empty(t, act.ops, "no grant operations when billing is unreachable")
	assert.Empty(t, reg.upserts, "cached status untouched")
	assert.Equal(t, registry.StatusActive, reg.links["cus_1"].LastKnownStatus)
	assert.Equal(t, 1, stats.Skipped)
}

func TestSweepFailureDoesNotBlockOtherRecords(t *testing.T) {
	resolver := &fakeResolver{
		resolveErr: map[string]error{"cus_bad": errors.New("boom")},
		resolutions: map[string]gstripe.Resolution{
			"cus_good": {Status: registry.StatusActive, Tier: "price_t1"},
		},
	}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_bad", "discord_bad", registry.StatusActive, "price_t1")
	linkedRecord(reg, "cus_good", "discord_good", registry.StatusActive, "price_t1")
	act := newFakeActuator()
	act.members["discord_bad"] = nil
	act.members["discord_good"] = nil
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)

	adds := opsByAction(act.ops, "add")
	require.Len(t, adds, 1)
	assert.Equal(t, "discord_good", adds[0].memberID)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Skipped)
}

func TestSweepStatusWriteThrough(t *testing.T) {
	resolver := &fakeResolver{
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusCanceled, Tier: "price_t1"}},
	}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_1", "discord_1", registry.StatusActive, "price_t1")
	act := newFakeActuator()
	act.members["discord_1"] = nil
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	_, err := e.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, reg.upserts, 1)
	assert.Equal(t, "cus_1:canceled:price_t1", reg.upserts[0])
}

func TestSweepNoWriteWhenStatusUnchanged(t *testing.T) {
	resolver := &fakeResolver{
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusActive, Tier: "price_t1"}},
	}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_1", "discord_1", registry.StatusActive, "price_t1")
	act := newFakeActuator()
	act.members["discord_1"] = []string{"role_t1"}
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	_, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reg.upserts)
	assert.Empty(t, act.ops, "already converged")
}

func TestSweepMemberAbsentSkipped(t *testing.T) {
	resolver := &fakeResolver{
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusActive, Tier: "price_t1"}},
	}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_1", "discord_gone", registry.StatusActive, "price_t1")
	act := newFakeActuator() // no member entry: absent from guild
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, act.ops)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Failures, "absence is not a failure")
}

func TestSweepNotReady(t *testing.T) {
	resolver := &fakeResolver{}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_1", "discord_1", registry.StatusActive, "price_t1")
	act := newFakeActuator()
	act.ready = false
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, act.ops)
	assert.Equal(t, 0, stats.Processed)
}

func TestSweepCanceledFlipEndToEnd(t *testing.T) {
	// Customer previously active flips to canceled between sweeps: the next
	// sweep removes every managed role held and adds nothing.
	resolver := &fakeResolver{
		resolutions: map[string]gstripe.Resolution{"cus_2": {Status: registry.StatusActive, Tier: "price_t2"}},
	}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_2", "discord_2", registry.StatusActive, "price_t2")
	act := newFakeActuator()
	act.members["discord_2"] = nil
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	_, err := e.Sweep(context.Background())
	require.NoError(t, err)
	adds := opsByAction(act.ops, "add")
	require.Len(t, adds, 2, "first sweep grants top tier + base")

	// Flip to canceled.
	resolver.resolutions["cus_2"] = gstripe.Resolution{Status: registry.StatusCanceled, Tier: "price_t2"}
	act.ops = nil

	_, err = e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, opsByAction(act.ops, "add"))
	removes := opsByAction(act.ops, "remove")
	assert.Len(t, removes, 2, "both granted roles revoked")
	assert.Equal(t, registry.StatusCanceled, reg.links["cus_2"].LastKnownStatus)
}

func TestSweepRemoveFailureCountsAndContinues(t *testing.T) {
	resolver := &fakeResolver{
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusCanceled, Tier: ""}},
	}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_1", "discord_1", registry.StatusCanceled, "")
	act := newFakeActuator()
	act.members["discord_1"] = []string{"role_t1", "role_t2"}
	act.removeErr = map[string]error{"role_t1": errors.New("forbidden")}
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 1, stats.Failures)
}

func TestTrySweepSkipsWhenRunning(t *testing.T) {
	resolver := &fakeResolver{}
	reg := newFakeRegistry()
	act := newFakeActuator()
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	// Occupy the semaphore as an in-flight sweep would.
	e.running <- struct{}{}
	e.trySweep(context.Background())
	assert.Empty(t, act.ops)
	<-e.running

	// Released: the next tick sweeps normally.
	linkedRecord(reg, "cus_1", "discord_1", registry.StatusActive, "price_t1")
	resolver.resolutions = map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusActive, Tier: "price_t1"}}
	act.members["discord_1"] = nil
	e.trySweep(context.Background())
	assert.Len(t, act.ops, 1)
}

// explodingRegistry panics on the sweep's first registry read.
type explodingRegistry struct {
	*fakeRegistry
}

func (explodingRegistry) AllLinked() ([]*registry.Link, error) {
	panic("registry exploded")
}

func TestTrySweepContainsPanic(t *testing.T) {
	reg := explodingRegistry{newFakeRegistry()}
	e := New(&fakeResolver{}, reg, StaticMapping(testMapping()), newFakeActuator(), &fakeAudit{}, Config{Interval: time.Minute, Pace: time.Millisecond})
	e.sleep = func(time.Duration) {}

	// Must return normally instead of propagating the panic up the
	// sweep goroutine.
	e.trySweep(context.Background())

	// The in-flight slot is released, so the next tick still sweeps.
	select {
	case e.running <- struct{}{}:
		<-e.running
	default:
		t.Fatal("sweep slot still held after a panicking pass")
	}
	e.trySweep(context.Background())
}

func TestSweepPacesFailedMutations(t *testing.T) {
	// Non-entitled member holding a catalog role, but the removal call
	// fails: the throttle must still apply to the attempted mutation.
	resolver := &fakeResolver{}
	reg := newFakeRegistry()
	linkedRecord(reg, "cus_1", "discord_1", registry.StatusActive, "price_t1")
	act := newFakeActuator()
	act.members["discord_1"] = []string{"role_t1"}
	act.removeErr = map[string]error{"role_t1": errors.New("forbidden")}
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	paced := 0
	e.sleep = func(time.Duration) { paced++ }

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, paced)
}
