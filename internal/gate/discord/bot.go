// Package discord adapts the reconciliation engine to a live Discord guild
// through bwmarrin/discordgo: role mutations, the DM link command, and the
// admin audit channel.
package discord

import (
	"fmt"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// GuildContext holds the platform handles resolved once after connection.
// Immutable after Ready; its absence means "not yet connected".
type GuildContext struct {
	GuildID        string
	AdminChannelID string
}

// Config for the bot connection.
type Config struct {
	Token          string
	GuildID        string
	AdminChannelID string // optional; audit messages are log-only if empty
}

// Bot owns the Discord session. The grant actuator and the audit sink hang
// off it; the link command handler is attached with SetLinker after the
// engine exists (the engine needs the actuator first).
type Bot struct {
	session *discordgo.Session
	cfg     Config

	guild  atomic.Pointer[GuildContext]
	linker LinkService
}

// NewBot creates the session and registers handlers. Open starts it.
func NewBot(cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	b := &Bot{session: session, cfg: cfg}
	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	return b, nil
}

// SetLinker attaches the interactive link flow handler.
func (b *Bot) SetLinker(linker LinkService) {
	b.linker = linker
}

// Open connects to the gateway. Blocks only for the handshake.
func (b *Bot) Open() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	return b.session.Close()
}

// Ready reports whether the guild handles are resolved.
func (b *Bot) Ready() bool {
	return b.guild.Load() != nil
}

// Guild returns the resolved guild context, or nil before Ready.
func (b *Bot) Guild() *GuildContext {
	return b.guild.Load()
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	guild, err := s.Guild(b.cfg.GuildID)
	if err != nil {
		log.Error().Err(err).
			Str("guild_id", b.cfg.GuildID).
			Msg("Configured guild not reachable; reconciliation stays disabled")
		return
	}

	b.guild.Store(&GuildContext{
		GuildID:        b.cfg.GuildID,
		AdminChannelID: b.cfg.AdminChannelID,
	})

	log.Info().
		Str("user", r.User.Username).
		Str("guild", guild.Name).
		Int("roles", len(guild.Roles)).
		Msg("Discord connected")
}
