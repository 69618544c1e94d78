package discord

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmoretti/guildgate/internal/gate/reconcile"
	"github.com/lmoretti/guildgate/internal/gate/registry"
	"github.com/rs/zerolog/log"
)

// LinkService is the interactive link flow. Implemented by reconcile.Engine.
type LinkService interface {
	Link(ctx context.Context, memberID, email string) ([]string, error)
	MemberLink(memberID string) (*registry.Link, error)
}

const (
	linkCommand       = "!link"
	statusCommand     = "!status"
	linkTimeout       = 30 * time.Second
	linkUsageReply    = "Use: `!link youremail@example.com`"
	linkOKReply       = "Account linked! Premium access activated."
	linkFailedReply   = "Something went wrong while linking your account. Please try again later."
	statusFailedReply = "Something went wrong while checking your subscription. Please try again later."
	notLinkedReply    = "No subscription is linked to this account. Use `!link youremail@example.com` to link one."
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	// Commands are DM-only.
	if m.GuildID != "" {
		return
	}

	var reply string
	switch lower := strings.ToLower(m.Content); {
	case strings.HasPrefix(lower, linkCommand):
		reply = b.handleLinkCommand(context.Background(), m.Author.ID, m.Content)
	case strings.HasPrefix(lower, statusCommand):
		reply = b.handleStatusCommand(m.Author.ID)
	default:
		return
	}

	if _, err := s.ChannelMessageSend(m.ChannelID, reply); err != nil {
		log.Error().Err(err).Str("user_id", m.Author.ID).Msg("Failed to send command reply")
	}
}

// handleStatusCommand reports the caller's cached link state.
func (b *Bot) handleStatusCommand(authorID string) string {
	if b.linker == nil {
		return statusFailedReply
	}

	link, err := b.linker.MemberLink(authorID)
	if err != nil {
		log.Error().Err(err).Str("user_id", authorID).Msg("Status command failed")
		return statusFailedReply
	}
	if link == nil {
		return notLinkedReply
	}
	if link.LastKnownTier != "" {
		return fmt.Sprintf("Your subscription is linked (status %s, tier %s).", link.LastKnownStatus, link.LastKnownTier)
	}
	return fmt.Sprintf("Your subscription is linked (status %s).", link.LastKnownStatus)
}

// handleLinkCommand parses and executes a link command, returning the reply
// text for the user. Separated from the gateway glue for tests.
func (b *Bot) handleLinkCommand(ctx context.Context, authorID, content string) string {
	parts := strings.Fields(content)
	if len(parts) != 2 {
		return linkUsageReply
	}

	email := strings.ToLower(parts[1])
	if !emailPattern.MatchString(email) {
		return "That doesn't look like a valid email address."
	}

	if b.linker == nil {
		return linkFailedReply
	}

	ctx, cancel := context.WithTimeout(ctx, linkTimeout)
	defer cancel()

	_, err := b.linker.Link(ctx, authorID, email)
	switch {
	case err == nil:
		return linkOKReply
	case errors.Is(err, reconcile.ErrNoSuchCustomer):
		return "No customer found with that email. Use the same email you paid with."
	case errors.Is(err, reconcile.ErrNoActiveEntitlement):
		return "Email found, but there is no active subscription on it."
	case errors.Is(err, reconcile.ErrConflictingLink):
		return "This subscription is already linked to another Discord account. Contact support if that's unexpected."
	case errors.Is(err, reconcile.ErrBillingUnavailable):
		return "The billing service is temporarily unavailable. Please try again in a few minutes."
	default:
		log.Error().Err(err).Str("user_id", authorID).Msg("Link command failed")
		return linkFailedReply
	}
}
