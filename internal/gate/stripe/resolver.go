package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lmoretti/guildgate/internal/gate/registry"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// ErrBillingUnavailable marks a lookup that failed because the billing
// provider could not be reached or errored. Callers must never conflate it
// with a legitimate canceled result: doing so would mass-revoke access on a
// transient Stripe outage.
var ErrBillingUnavailable = errors.New("billing provider unavailable")

const (
	defaultResolveTimeout = 10 * time.Second
	subscriptionPageLimit = 20
)

// Resolution is the aggregate entitlement state for one customer.
type Resolution struct {
	Status registry.Status
	Tier   string // Stripe price ID of the selected subscription, may be empty
}

// Resolver answers "what is this customer's subscription state right now" by
// querying Stripe. It is a pure query surface: no mutation, no caching.
type Resolver struct {
	entitled map[registry.Status]bool
	timeout  time.Duration

	// Stripe API calls are injectable so tests run without the network.
	listSubscriptions func(params *stripelib.SubscriptionListParams) ([]*stripelib.Subscription, error)
	listCustomers     func(params *stripelib.CustomerListParams) ([]*stripelib.Customer, error)
}

// NewResolver creates a Resolver. entitled is the set of statuses that count
// as entitled for the selection rule; nil uses the default set.
func NewResolver(entitled map[registry.Status]bool, timeout time.Duration) *Resolver {
	if entitled == nil {
		entitled = map[registry.Status]bool{
			registry.StatusActive:   true,
			registry.StatusTrialing: true,
			registry.StatusPastDue:  true,
		}
	}
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	return &Resolver{
		entitled:          entitled,
		timeout:           timeout,
		listSubscriptions: listSubscriptionsAPI,
		listCustomers:     listCustomersAPI,
	}
}

// Resolve returns the aggregate status and tier for customerID.
//
// Selection rule: the first record in provider-returned order whose status is
// entitled wins. If none is entitled, the most recently returned record's
// status and tier are reported. A customer with no subscription records at all
// resolves to (canceled, "").
func (r *Resolver) Resolve(ctx context.Context, customerID string) (Resolution, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Resolution{}, fmt.Errorf("customer id is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Context = ctx
	params.Limit = stripelib.Int64(subscriptionPageLimit)

	subs, err := r.listSubscriptions(params)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: list subscriptions for %s: %v", ErrBillingUnavailable, customerID, err)
	}

	if len(subs) == 0 {
		return Resolution{Status: registry.StatusCanceled}, nil
	}

	for _, sub := range subs {
		status := registry.ParseStatus(string(sub.Status))
		if r.entitled[status] {
			return Resolution{Status: status, Tier: firstPriceID(sub)}, nil
		}
	}

	// No entitled record: report the most recent one as-is.
	return Resolution{
		Status: registry.ParseStatus(string(subs[0].Status)),
		Tier:   firstPriceID(subs[0]),
	}, nil
}

// FindCustomerByEmail returns the first Stripe customer whose email matches
// exactly, or "" if none exists.
func (r *Resolver) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("email is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	params := &stripelib.CustomerListParams{Email: stripelib.String(email)}
	params.Context = ctx
	params.Limit = stripelib.Int64(1)

	customers, err := r.listCustomers(params)
	if err != nil {
		return "", fmt.Errorf("%w: find customer by email: %v", ErrBillingUnavailable, err)
	}
	if len(customers) == 0 {
		return "", nil
	}
	return customers[0].ID, nil
}

func firstPriceID(sub *stripelib.Subscription) string {
	if sub == nil || sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func listSubscriptionsAPI(params *stripelib.SubscriptionListParams) ([]*stripelib.Subscription, error) {
	var subs []*stripelib.Subscription
	iter := subscription.List(params)
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func listCustomersAPI(params *stripelib.CustomerListParams) ([]*stripelib.Customer, error) {
	var customers []*stripelib.Customer
	iter := customer.List(params)
	for iter.Next() {
		customers = append(customers, iter.Customer())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}
