package discord

import (
	"github.com/rs/zerolog/log"
)

// AdminNotifier posts human-readable status and audit messages to the admin
// log channel. Without a configured channel the messages are log-only.
type AdminNotifier struct {
	bot *Bot
}

// NewAdminNotifier creates the notifier.
func NewAdminNotifier(b *Bot) *AdminNotifier {
	return &AdminNotifier{bot: b}
}

// Notify posts a routine status message.
func (n *AdminNotifier) Notify(msg string) {
	n.post("🟢 " + msg)
}

// Audit posts a security-relevant message, visually distinct from routine
// status so conflicts stand out in the channel.
func (n *AdminNotifier) Audit(msg string) {
	n.post("🟡 **Security:** " + msg)
}

func (n *AdminNotifier) post(content string) {
	guild := n.bot.Guild()
	if guild == nil || guild.AdminChannelID == "" {
		log.Info().Str("admin_message", content).Msg("Admin channel not configured, message logged only")
		return
	}
	if _, err := n.bot.session.ChannelMessageSend(guild.AdminChannelID, content); err != nil {
		log.Error().Err(err).Msg("Failed to post admin message")
	}
}
