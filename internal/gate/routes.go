package gate

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lmoretti/guildgate/internal/gate/registry"
	gstripe "github.com/lmoretti/guildgate/internal/gate/stripe"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *Config
	Registry *registry.LinkRegistry
	Resolver gstripe.StatusResolver
	Version  string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	// Liveness and readiness probes, unauthenticated.
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(deps.Registry))

	mux.Handle("/metrics", promhttp.Handler())

	// Stripe webhook (signature-authenticated)
	webhookHandler := gstripe.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Resolver, deps.Registry)
	webhookLimiter := NewIPRateLimiter(60, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))
}

// handleHealthz returns 200 "ok" unconditionally (liveness probe).
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz checks database connectivity (readiness probe).
func handleReadyz(reg *registry.LinkRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := reg.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
