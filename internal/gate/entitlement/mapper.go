// Package entitlement maps billing state to the set of Discord roles a
// subscriber should hold. It is pure: no I/O, no clock, no side effects.
package entitlement

import (
	"sort"

	"github.com/lmoretti/guildgate/internal/gate/registry"
)

// DefaultEntitledStatuses is the default set of statuses that confer access.
// past_due is included deliberately as a grace window: a failed charge does
// not instantly revoke access.
var DefaultEntitledStatuses = []registry.Status{
	registry.StatusActive,
	registry.StatusTrialing,
	registry.StatusPastDue,
}

// Mapping is the static tier-to-role table plus the entitled-status set.
// Populated once from configuration and treated as immutable.
type Mapping struct {
	// Entitled is the set of statuses that confer access.
	Entitled map[registry.Status]bool
	// TierRoles maps a Stripe price ID to the Discord role it grants.
	TierRoles map[string]string
	// TopTier is the price ID of the highest tier. Its subscribers receive
	// the base role in addition to the tier role.
	TopTier string
	// BaseRole is the legacy/base role ID. May be empty if unconfigured.
	BaseRole string
}

// NewMapping builds a Mapping with the default entitled-status set.
func NewMapping(tierRoles map[string]string, topTier, baseRole string) Mapping {
	entitled := make(map[registry.Status]bool, len(DefaultEntitledStatuses))
	for _, s := range DefaultEntitledStatuses {
		entitled[s] = true
	}
	return Mapping{
		Entitled:  entitled,
		TierRoles: tierRoles,
		TopTier:   topTier,
		BaseRole:  baseRole,
	}
}

// IsEntitled reports whether the status confers access.
func (m Mapping) IsEntitled(status registry.Status) bool {
	return m.Entitled[status]
}

// Grants returns the set of role IDs a subscriber with the given status and
// tier should hold. Not entitled yields an empty set. A tier absent from the
// table is treated as grandfathered into the top tier rather than denied,
// since legacy products predate the tiering scheme.
func (m Mapping) Grants(status registry.Status, tier string) []string {
	if !m.Entitled[status] {
		return nil
	}

	roleID, known := m.TierRoles[tier]
	switch {
	case known && tier == m.TopTier:
		return dedupe(roleID, m.BaseRole)
	case known:
		return dedupe(roleID)
	default:
		return dedupe(m.TierRoles[m.TopTier], m.BaseRole)
	}
}

// Catalog returns every role ID the mapping manages. The sweep's revoke path
// removes exactly these and never touches roles outside the catalog.
func (m Mapping) Catalog() []string {
	ids := make([]string, 0, len(m.TierRoles)+1)
	for _, roleID := range m.TierRoles {
		ids = append(ids, roleID)
	}
	ids = append(ids, m.BaseRole)
	return dedupe(ids...)
}

// dedupe filters empty IDs and duplicates, returning a sorted slice so the
// result is deterministic for callers and tests.
func dedupe(ids ...string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
