package gate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmoretti/guildgate/internal/gate/registry"
)

// Config holds all configuration for the gate service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	StripeAPIKey        string
	StripeWebhookSecret string

	DiscordToken          string
	DiscordGuildID        string
	DiscordAdminChannelID string // optional; audit messages are log-only if empty

	SweepInterval time.Duration
	MutationPace  time.Duration

	// Tier mapping. TierRolesFile takes precedence over TierRoles when set
	// and is hot-reloaded.
	TierRoles     string // inline JSON {"price_id": "role_id", ...}
	TierRolesFile string
	TopTier       string
	BaseRole      string

	EntitledStatuses []registry.Status

	LogLevel  string
	LogFormat string
}

// GateDir returns the directory for the service's own data (registry DB, etc).
func (c *Config) GateDir() string {
	return filepath.Join(c.DataDir, "gate")
}

// LoadConfig loads gate configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("GUILDGATE_PORT", 8470)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("GUILDGATE_SWEEP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	mutationPace, err := envOrDefaultDuration("GUILDGATE_MUTATION_PACE", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:     envOrDefault("GUILDGATE_DATA_DIR", "/data"),
		BindAddress: envOrDefault("GUILDGATE_BIND_ADDRESS", "0.0.0.0"),
		Port:        port,

		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),

		DiscordToken:          strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		DiscordGuildID:        strings.TrimSpace(os.Getenv("DISCORD_GUILD_ID")),
		DiscordAdminChannelID: strings.TrimSpace(os.Getenv("DISCORD_ADMIN_CHANNEL_ID")),

		SweepInterval: sweepInterval,
		MutationPace:  mutationPace,

		TierRoles:     strings.TrimSpace(os.Getenv("GUILDGATE_TIER_ROLES")),
		TierRolesFile: strings.TrimSpace(os.Getenv("GUILDGATE_TIER_ROLES_FILE")),
		TopTier:       strings.TrimSpace(os.Getenv("GUILDGATE_TOP_TIER")),
		BaseRole:      strings.TrimSpace(os.Getenv("GUILDGATE_BASE_ROLE")),

		EntitledStatuses: parseStatusList(os.Getenv("GUILDGATE_ENTITLED_STATUSES")),

		LogLevel:  envOrDefault("GUILDGATE_LOG_LEVEL", "info"),
		LogFormat: envOrDefault("GUILDGATE_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate gate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.DiscordToken == "" {
		missing = append(missing, "DISCORD_BOT_TOKEN")
	}
	if c.DiscordGuildID == "" {
		missing = append(missing, "DISCORD_GUILD_ID")
	}
	if c.TierRoles == "" && c.TierRolesFile == "" {
		missing = append(missing, "GUILDGATE_TIER_ROLES or GUILDGATE_TIER_ROLES_FILE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("GUILDGATE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("GUILDGATE_SWEEP_INTERVAL must be greater than 0, got %s", c.SweepInterval)
	}
	if c.MutationPace < 0 {
		return fmt.Errorf("GUILDGATE_MUTATION_PACE must not be negative, got %s", c.MutationPace)
	}
	return nil
}

// parseStatusList parses a comma-separated entitled-status override.
// An empty value means the default set.
func parseStatusList(raw string) []registry.Status {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var statuses []registry.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		statuses = append(statuses, registry.ParseStatus(part))
	}
	return statuses
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
