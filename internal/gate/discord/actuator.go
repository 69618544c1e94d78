package discord

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// guildSession is the slice of discordgo.Session the actuator needs.
type guildSession interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// Actuator applies role grants against the live guild. Calls are idempotent:
// adding a role the member holds, or removing one they lack, is a no-op.
type Actuator struct {
	session guildSession
	ready   func() bool
	guildID string
}

// NewActuator creates an Actuator bound to the bot's session and readiness.
func NewActuator(b *Bot) *Actuator {
	return &Actuator{
		session: b.session,
		ready:   b.Ready,
		guildID: b.cfg.GuildID,
	}
}

// Ready reports whether the guild connection is established.
func (a *Actuator) Ready() bool {
	return a.ready()
}

// MemberGrants returns the member's live role IDs. found is false when the
// member is not in the guild, which is not an error.
func (a *Actuator) MemberGrants(memberID string) ([]string, bool, error) {
	member, err := a.session.GuildMember(a.guildID, memberID)
	if err != nil {
		if isUnknownMember(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch member %s: %w", memberID, err)
	}
	return member.Roles, true, nil
}

// Add grants a role. No-op if the member already holds it.
func (a *Actuator) Add(memberID, grantID string) error {
	has, found, err := a.hasRole(memberID, grantID)
	if err != nil {
		return err
	}
	if !found || has {
		return nil
	}
	if err := a.session.GuildMemberRoleAdd(a.guildID, memberID, grantID); err != nil {
		return fmt.Errorf("add role %s to %s: %w", grantID, memberID, err)
	}
	log.Info().Str("member_id", memberID).Str("role_id", grantID).Msg("Role added")
	return nil
}

// Remove revokes a role. No-op if the member does not hold it.
func (a *Actuator) Remove(memberID, grantID string) error {
	has, found, err := a.hasRole(memberID, grantID)
	if err != nil {
		return err
	}
	if !found || !has {
		return nil
	}
	if err := a.session.GuildMemberRoleRemove(a.guildID, memberID, grantID); err != nil {
		return fmt.Errorf("remove role %s from %s: %w", grantID, memberID, err)
	}
	log.Info().Str("member_id", memberID).Str("role_id", grantID).Msg("Role removed")
	return nil
}

func (a *Actuator) hasRole(memberID, roleID string) (has, found bool, err error) {
	roles, found, err := a.MemberGrants(memberID)
	if err != nil || !found {
		return false, found, err
	}
	for _, id := range roles {
		if id == roleID {
			return true, true, nil
		}
	}
	return false, true, nil
}

func isUnknownMember(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code == discordgo.ErrCodeUnknownMember ||
			restErr.Message.Code == discordgo.ErrCodeUnknownUser
	}
	return false
}
