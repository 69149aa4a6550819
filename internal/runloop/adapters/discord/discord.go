// Package discord wraps a discordgo session so that inbound messages
// become runloop Tasks via a Source1, and AgentResults are posted back as
// channel replies through the same ChannelRegistry contract used by the
// WebSocket gateway.
package discord

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

// Source adapts a discordgo.Session's MessageCreate handler into a
// Source1: each inbound message is forwarded to receiver rather than
// dispatched directly, so it is subject to the same mode-scoping and
// fan-in as any other port.
type Source struct {
	id        string
	session   *discordgo.Session
	receiver  *runloop.Source1Receiver
	botUserID string
	cancelled bool
	remove    func()
}

// messagePayload is what Handle expects on the PortMessage.
type messagePayload struct {
	ChannelID string
	AuthorID  string
	Content   string
}

// NewSource creates a discord Source1 bound to an authenticated session.
// Open must be called separately by the composition root.
func NewSource(id string, session *discordgo.Session) *Source {
	return &Source{id: id, session: session}
}

func (s *Source) ID() string            { return s.id }
func (s *Source) Modes() []runloop.Mode { return []runloop.Mode{runloop.ModeCommon} }
func (s *Source) IsValid() bool         { return !s.cancelled }

func (s *Source) Cancel() {
	s.cancelled = true
	if s.remove != nil {
		s.remove()
	}
}

// Attach registers the message handler and keeps receiver for forwarding.
// Call after session.Open().
func (s *Source) Attach(receiver *runloop.Source1Receiver) {
	s.receiver = receiver
	s.botUserID = ""
	if s.session.State != nil && s.session.State.User != nil {
		s.botUserID = s.session.State.User.ID
	}

	s.remove = s.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if s.botUserID != "" && m.Author != nil && m.Author.ID == s.botUserID {
			return
		}
		msg := runloop.NewPortMessage(s.id, messagePayload{
			ChannelID: m.ChannelID,
			AuthorID:  authorID(m),
			Content:   m.Content,
		})
		if !receiver.Send(msg) {
			slog.Warn("discord: receiver channel full, dropping message", "channel", m.ChannelID)
		}
	})
}

func authorID(m *discordgo.MessageCreate) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}

// Handle turns a forwarded Discord message into an agent:execute Task,
// modeling Discord as a chat channel rather than a new TaskSource.
func (s *Source) Handle(_ context.Context, msg runloop.PortMessage) ([]*runloop.Task, error) {
	payload, ok := msg.Payload.(messagePayload)
	if !ok {
		return nil, nil
	}

	task := runloop.NewTask("agent:execute", map[string]string{
		"content": payload.Content,
		"author":  payload.AuthorID,
	}).
		WithSource(runloop.TaskSourceWebSocket).
		WithReplyTo(runloop.ReplyAddress{ChannelID: "discord", Target: payload.ChannelID})

	return []*runloop.Task{task}, nil
}

// ChannelRegistry delivers AgentResult output back to a Discord channel by
// posting a message via the session, satisfying runloop.ChannelRegistry.
type ChannelRegistry struct {
	session *discordgo.Session
}

// NewChannelRegistry wraps session for outbound delivery.
func NewChannelRegistry(session *discordgo.Session) *ChannelRegistry {
	return &ChannelRegistry{session: session}
}

func (c *ChannelRegistry) Send(_ context.Context, replyTo runloop.ReplyAddress, result *runloop.AgentResult) error {
	if replyTo.ChannelID != "discord" {
		return nil
	}
	text := result.Output
	if result.Error != "" {
		text = "error: " + result.Error
	}
	_, err := c.session.ChannelMessageSend(replyTo.Target, text)
	return err
}
