package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lmoretti/guildgate/internal/gate/gatemetrics"
	"github.com/lmoretti/guildgate/internal/gate/registry"
	"github.com/lmoretti/guildgate/internal/logging"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// StatusResolver resolves a customer's aggregate subscription state.
type StatusResolver interface {
	Resolve(ctx context.Context, customerID string) (Resolution, error)
}

// StatusStore records the latest observed status for a customer.
type StatusStore interface {
	UpsertStatus(customerID string, status registry.Status, tier string) error
}

// WebhookHandler handles incoming Stripe webhook events. Subscription
// lifecycle events trigger a status refresh: the aggregate state is
// re-resolved from Stripe and written through to the link registry. The
// handler never grants or revokes roles; that is the sweep's job.
type WebhookHandler struct {
	secret   string
	resolver StatusResolver
	store    StatusStore
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, resolver StatusResolver, store StatusStore) *WebhookHandler {
	return &WebhookHandler{
		secret:   secret,
		resolver: resolver,
		store:    store,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		gatemetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		gatemetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	ctx, _ := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-Id"))
	if err := h.handleEvent(ctx, &event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Str("request_id", logging.RequestID(ctx)).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.refreshCustomer(ctx, event, sub)

	default:
		log.Debug().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (h *WebhookHandler) refreshCustomer(ctx context.Context, event *stripelib.Event, sub SubscriptionEvent) error {
	customerID := strings.TrimSpace(sub.Customer)
	if customerID == "" {
		log.Info().
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook ignored (no customer id)")
		return nil
	}

	// The event payload carries one subscription; the customer may hold
	// several. Re-resolve the aggregate instead of trusting the single record.
	res, err := h.resolver.Resolve(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrBillingUnavailable) {
			gatemetrics.ResolutionFailuresTotal.Inc()
		}
		// Non-2xx makes Stripe redeliver the event.
		return fmt.Errorf("resolve aggregate status: %w", err)
	}

	if err := h.store.UpsertStatus(customerID, res.Status, res.Tier); err != nil {
		return fmt.Errorf("record status: %w", err)
	}

	log.Info().
		Str("customer_id", customerID).
		Str("status", string(res.Status)).
		Str("tier", res.Tier).
		Str("type", string(event.Type)).
		Str("request_id", logging.RequestID(ctx)).
		Msg("Subscriber status refreshed from webhook")
	return nil
}

// SubscriptionEvent is a minimal representation of a Stripe subscription event.
type SubscriptionEvent struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gate.stripe: encode webhook response")
	}
}
