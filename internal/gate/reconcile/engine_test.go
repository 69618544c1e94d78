package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lmoretti/guildgate/internal/gate/entitlement"
	"github.com/lmoretti/guildgate/internal/gate/registry"
	gstripe "github.com/lmoretti/guildgate/internal/gate/stripe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	resolutions map[string]gstripe.Resolution
	resolveErr  map[string]error
	emailIndex  map[string]string
	emailErr    error
}

func (f *fakeResolver) Resolve(ctx context.Context, customerID string) (gstripe.Resolution, error) {
	if err := f.resolveErr[customerID]; err != nil {
		return gstripe.Resolution{}, err
	}
	res, ok := f.resolutions[customerID]
	if !ok {
		return gstripe.Resolution{Status: registry.StatusCanceled}, nil
	}
	return res, nil
}

func (f *fakeResolver) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	if f.emailErr != nil {
		return "", f.emailErr
	}
	return f.emailIndex[email], nil
}

type fakeRegistry struct {
	links    map[string]*registry.Link
	upserts  []string // "customer:status:tier"
	upsertER error
	getErr   error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{links: make(map[string]*registry.Link)}
}

func (f *fakeRegistry) AllLinked() ([]*registry.Link, error) {
	var out []*registry.Link
	for _, l := range f.links {
		if l.Linked() {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRegistry) CountLinked() (int, error) {
	n := 0
	for _, l := range f.links {
		if l.Linked() {
			n++
		}
	}
	return n, nil
}

func (f *fakeRegistry) GetByDiscordUserID(discordUserID string) (*registry.Link, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, l := range f.links {
		if l.DiscordUserID == discordUserID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRegistry) UpsertStatus(customerID string, status registry.Status, tier string) error {
	if f.upsertER != nil {
		return f.upsertER
	}
	f.upserts = append(f.upserts, fmt.Sprintf("%s:%s:%s", customerID, status, tier))
	l, ok := f.links[customerID]
	if !ok {
		l = &registry.Link{StripeCustomerID: customerID}
		f.links[customerID] = l
	}
	l.LastKnownStatus = status
	l.LastKnownTier = tier
	return nil
}

func (f *fakeRegistry) LinkMember(customerID, memberID string, status registry.Status, tier string) (registry.LinkOutcome, error) {
	for id, l := range f.links {
		if l.DiscordUserID == memberID && id != customerID {
			return registry.LinkOutcomeConflict, nil
		}
	}
	l, ok := f.links[customerID]
	if !ok {
		f.links[customerID] = &registry.Link{
			StripeCustomerID: customerID,
			DiscordUserID:    memberID,
			LastKnownStatus:  status,
			LastKnownTier:    tier,
		}
		return registry.LinkOutcomeCreated, nil
	}
	if l.DiscordUserID != "" && l.DiscordUserID != memberID {
		return registry.LinkOutcomeConflict, nil
	}
	l.DiscordUserID = memberID
	l.LastKnownStatus = status
	l.LastKnownTier = tier
	return registry.LinkOutcomeLinked, nil
}

type grantOp struct {
	action   string
	memberID string
	grantID  string
}

type fakeActuator struct {
	ready     bool
	members   map[string][]string // missing key = member absent from guild
	ops       []grantOp
	addErr    map[string]error // keyed by grant id
	removeErr map[string]error
	grantsErr error
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{ready: true, members: make(map[string][]string)}
}

func (f *fakeActuator) Ready() bool { return f.ready }

func (f *fakeActuator) MemberGrants(memberID string) ([]string, bool, error) {
	if f.grantsErr != nil {
		return nil, false, f.grantsErr
	}
	roles, ok := f.members[memberID]
	return roles, ok, nil
}

func (f *fakeActuator) Add(memberID, grantID string) error {
	if err := f.addErr[grantID]; err != nil {
		return err
	}
	f.ops = append(f.ops, grantOp{"add", memberID, grantID})
	f.members[memberID] = append(f.members[memberID], grantID)
	return nil
}

func (f *fakeActuator) Remove(memberID, grantID string) error {
	if err := f.removeErr[grantID]; err != nil {
		return err
	}
	f.ops = append(f.ops, grantOp{"remove", memberID, grantID})
	return nil
}

type fakeAudit struct {
	notices []string
	audits  []string
}

func (f *fakeAudit) Notify(msg string) { f.notices = append(f.notices, msg) }
func (f *fakeAudit) Audit(msg string)  { f.audits = append(f.audits, msg) }

func testMapping() entitlement.Mapping {
	return entitlement.NewMapping(map[string]string{
		"price_t1": "role_t1",
		"price_t2": "role_t2",
	}, "price_t2", "role_base")
}

func newTestEngine(resolver *fakeResolver, reg *fakeRegistry, act *fakeActuator, audit *fakeAudit) *Engine {
	e := New(resolver, reg, StaticMapping(testMapping()), act, audit, Config{Interval: time.Minute, Pace: time.Millisecond})
	e.sleep = func(time.Duration) {}
	return e
}

func opsByAction(ops []grantOp, action string) []grantOp {
	var out []grantOp
	for _, op := range ops {
		if op.action == action {
			out = append(out, op)
		}
	}
	return out
}

// --- Link flow ---

func TestLinkSuccess(t *testing.T) {
	resolver := &fakeResolver{
		emailIndex:  map[string]string{"user@example.com": "cus_1"},
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusActive, Tier: "price_t1"}},
	}
	reg := newFakeRegistry()
	act := newFakeActuator()
	act.members["discord_1"] = nil
	audit := &fakeAudit{}
	e := newTestEngine(resolver, reg, act, audit)

	grants, err := e.Link(context.Background(), "discord_1", "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"role_t1"}, grants)

	link := reg.links["cus_1"]
	require.NotNil(t, link)
	assert.Equal(t, "discord_1", link.DiscordUserID)
	assert.Equal(t, registry.StatusActive, link.LastKnownStatus)

	require.Len(t, act.ops, 1)
	assert.Equal(t, grantOp{"add", "discord_1", "role_t1"}, act.ops[0])
	assert.Len(t, audit.notices, 1)
}

func TestLinkTopTierGrantsBaseRole(t *testing.T) {
	resolver := &fakeResolver{
		emailIndex:  map[string]string{"vip@example.com": "cus_2"},
		resolutions: map[string]gstripe.Resolution{"cus_2": {Status: registry.StatusActive, Tier: "price_t2"}},
	}
	act := newFakeActuator()
	e := newTestEngine(resolver, newFakeRegistry(), act, &fakeAudit{})

	grants, err := e.Link(context.Background(), "discord_2", "vip@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"role_base", "role_t2"}, grants)
	assert.Len(t, opsByAction(act.ops, "add"), 2)
	assert.Empty(t, opsByAction(act.ops, "remove"))
}

func TestLinkNoSuchCustomer(t *testing.T) {
	resolver := &fakeResolver{emailIndex: map[string]string{}}
	e := newTestEngine(resolver, newFakeRegistry(), newFakeActuator(), &fakeAudit{})

	_, err := e.Link(context.Background(), "discord_1", "stranger@example.com")
	assert.ErrorIs(t, err, ErrNoSuchCustomer)
}

func TestLinkBillingUnavailable(t *testing.T) {
	resolver := &fakeResolver{emailErr: fmt.Errorf("%w: down", gstripe.ErrBillingUnavailable)}
	e := newTestEngine(resolver, newFakeRegistry(), newFakeActuator(), &fakeAudit{})

	_, err := e.Link(context.Background(), "discord_1", "user@example.com")
	assert.ErrorIs(t, err, ErrBillingUnavailable)
}

func TestLinkNotEntitled(t *testing.T) {
	resolver := &fakeResolver{
		emailIndex:  map[string]string{"user@example.com": "cus_1"},
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusCanceled, Tier: "price_t1"}},
	}
	reg := newFakeRegistry()
	e := newTestEngine(resolver, reg, newFakeActuator(), &fakeAudit{})

	_, err := e.Link(context.Background(), "discord_1", "user@example.com")
	assert.ErrorIs(t, err, ErrNoActiveEntitlement)
	assert.Empty(t, reg.links, "no registry writes on rejection")
}

func TestLinkConflictAudited(t *testing.T) {
	resolver := &fakeResolver{
		emailIndex:  map[string]string{"user@example.com": "cus_1"},
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusActive, Tier: "price_t1"}},
	}
	reg := newFakeRegistry()
	reg.links["cus_1"] = &registry.Link{
		StripeCustomerID: "cus_1",
		DiscordUserID:    "discord_original",
		LastKnownStatus:  registry.StatusActive,
	}
	act := newFakeActuator()
	audit := &fakeAudit{}
	e := newTestEngine(resolver, reg, act, audit)

	_, err := e.Link(context.Background(), "discord_intruder", "user@example.com")
	assert.ErrorIs(t, err, ErrConflictingLink)
	assert.Equal(t, "discord_original", reg.links["cus_1"].DiscordUserID, "original binding unchanged")
	assert.Empty(t, act.ops, "no grant operations on conflict")
	assert.Len(t, audit.audits, 1, "conflict goes to the audit sink")
	assert.Empty(t, audit.notices)
}

func TestLinkIdempotentRelink(t *testing.T) {
	resolver := &fakeResolver{
		emailIndex:  map[string]string{"user@example.com": "cus_1"},
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusActive, Tier: "price_t1"}},
	}
	reg := newFakeRegistry()
	e := newTestEngine(resolver, reg, newFakeActuator(), &fakeAudit{})

	_, err := e.Link(context.Background(), "discord_1", "user@example.com")
	require.NoError(t, err)
	_, err = e.Link(context.Background(), "discord_1", "user@example.com")
	assert.NoError(t, err, "same pair links twice without conflict")
}

func TestLinkGrantFailureDoesNotFailLink(t *testing.T) {
	resolver := &fakeResolver{
		emailIndex:  map[string]string{"vip@example.com": "cus_2"},
		resolutions: map[string]gstripe.Resolution{"cus_2": {Status: registry.StatusActive, Tier: "price_t2"}},
	}
	act := newFakeActuator()
	act.addErr = map[string]error{"role_base": errors.New("missing permission")}
	reg := newFakeRegistry()
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	grants, err := e.Link(context.Background(), "discord_2", "vip@example.com")
	require.NoError(t, err)
	assert.Len(t, grants, 2)
	assert.Len(t, act.ops, 1, "the other role is still applied")
	assert.NotNil(t, reg.links["cus_2"], "registry binding stands")
}

func TestLinkPacesFailedGrants(t *testing.T) {
	resolver := &fakeResolver{
		emailIndex:  map[string]string{"user@example.com": "cus_1"},
		resolutions: map[string]gstripe.Resolution{"cus_1": {Status: registry.StatusActive, Tier: "price_t2"}},
	}
	reg := newFakeRegistry()
	act := newFakeActuator()
	act.members["discord_1"] = nil
	act.addErr = map[string]error{"role_t2": errors.New("missing permission")}
	e := newTestEngine(resolver, reg, act, &fakeAudit{})

	paced := 0
	e.sleep = func(time.Duration) { paced++ }

	grants, err := e.Link(context.Background(), "discord_1", "user@example.com")
	require.NoError(t, err)
	// Top tier maps to two grants; one add fails, both attempts are paced.
	assert.Len(t, grants, 2)
	assert.Equal(t, 2, paced)
}

func TestMemberLink(t *testing.T) {
	reg := newFakeRegistry()
	reg.links["cus_1"] = &registry.Link{
		StripeCustomerID: "cus_1",
		DiscordUserID:    "discord_1",
		LastKnownStatus:  registry.StatusActive,
		LastKnownTier:    "price_t1",
	}
	e := newTestEngine(&fakeResolver{}, reg, newFakeActuator(), &fakeAudit{})

	link, err := e.MemberLink("discord_1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "cus_1", link.StripeCustomerID)
	assert.Equal(t, registry.StatusActive, link.LastKnownStatus)

	link, err = e.MemberLink("discord_unknown")
	require.NoError(t, err)
	assert.Nil(t, link)

	reg.getErr = errors.New("db closed")
	_, err = e.MemberLink("discord_1")
	require.Error(t, err)
}
