// Package gate wires the subscription reconciliation service together:
// configuration, HTTP surface, Discord bot, and the sweep engine.
package gate

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/errgroup"

	"github.com/lmoretti/guildgate/internal/gate/discord"
	"github.com/lmoretti/guildgate/internal/gate/reconcile"
	"github.com/lmoretti/guildgate/internal/gate/registry"
	gstripe "github.com/lmoretti/guildgate/internal/gate/stripe"
	"github.com/lmoretti/guildgate/internal/logging"
)

// Run starts the gate service with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "guildgate",
	})

	log.Info().Str("version", version).Msg("Starting Guildgate")

	if err := os.MkdirAll(cfg.GateDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	reg, err := registry.NewLinkRegistry(cfg.GateDir())
	if err != nil {
		return fmt.Errorf("open link registry: %w", err)
	}
	defer reg.Close()

	tiers, err := NewTierSource(cfg)
	if err != nil {
		return fmt.Errorf("load tier mapping: %w", err)
	}

	stripelib.Key = cfg.StripeAPIKey
	resolver := gstripe.NewResolver(tiers.Mapping().Entitled, 0)

	bot, err := discord.NewBot(discord.Config{
		Token:          cfg.DiscordToken,
		GuildID:        cfg.DiscordGuildID,
		AdminChannelID: cfg.DiscordAdminChannelID,
	})
	if err != nil {
		return fmt.Errorf("create discord bot: %w", err)
	}

	engine := reconcile.New(
		resolver,
		reg,
		tiers,
		discord.NewActuator(bot),
		discord.NewAdminNotifier(bot),
		reconcile.Config{Interval: cfg.SweepInterval, Pace: cfg.MutationPace},
	)
	bot.SetLinker(engine)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:   cfg,
		Registry: reg,
		Resolver: resolver,
		Version:  version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bot.Open(); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}
	defer bot.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		engine.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return tiers.Watch(ctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Gate listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Guildgate stopped")
	return err
}
