// Package conversation rebuilds a participant's thread from the message log
// and decides where it stands in the consent protocol.
package conversation

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/pkg/models"
)

// Status is the protocol stage of a conversation
type Status string

const (
	// StatusDeclined means the participant answered no
	StatusDeclined Status = "declined"
	// StatusSkip means the last message is ours and nothing is owed
	StatusSkip Status = "skip"
	// StatusNeedsClarification means the consent answer was neither yes nor no
	StatusNeedsClarification Status = "needs_clarification"
	// StatusNeedsHandoff means the participant just agreed
	StatusNeedsHandoff Status = "needs_handoff"
	// StatusConsented means the dialogue is past consent
	StatusConsented Status = "consented"
)

var (
	agreeTokens   = map[string]bool{"yes": true, "sure": true, "y": true, "ok": true}
	declineTokens = map[string]bool{"no": true, "n": true, "nope": true}
)

// Conversation is a derived, ordered view of one participant's messages.
// Its status is computed once and then cached.
type Conversation struct {
	Participant models.Participant

	messages    []models.Message
	initialText string
	status      Status
	repaired    bool
}

// New builds a conversation from msgs, which must already be ordered by
// CreatedUTC. Moderator-channel messages that arrive after the handoff are
// dropped. initialText is used to rebuild a missing initial message.
func New(p models.Participant, msgs []models.Message, initialText string) *Conversation {
	return &Conversation{
		Participant: p,
		messages:    Clean(msgs),
		initialText: initialText,
	}
}

// Clean drops modmail messages that come strictly after the first handoff
// message. Handoff messages and direct messages are always kept.
func Clean(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	handedOff := false
	for _, m := range msgs {
		if m.Type == models.TypeHandoff {
			handedOff = true
			out = append(out, m)
			continue
		}
		if handedOff && m.IsModmail {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Messages returns the conversation's messages, including a rebuilt initial
// message once Status has run.
func (c *Conversation) Messages() []models.Message {
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages
func (c *Conversation) Len() int {
	return len(c.messages)
}

// Last returns the newest message. ok is false for an empty conversation.
func (c *Conversation) Last() (models.Message, bool) {
	if len(c.messages) == 0 {
		return models.Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Repaired reports whether a missing initial message was rebuilt
func (c *Conversation) Repaired() bool {
	return c.repaired
}

// Status classifies the conversation. The result is cached on first call.
func (c *Conversation) Status() Status {
	c.repair()

	if c.status != "" {
		return c.status
	}
	c.status = classify(c.messages)
	return c.status
}

func (c *Conversation) repair() {
	if c.repaired || (len(c.messages) > 0 && c.messages[0].Type == models.TypeInitial) {
		return
	}

	initial := models.Message{
		UserID:    c.Participant.ID,
		Type:      models.TypeInitial,
		Text:      c.initialText,
		Subreddit: c.Participant.Subreddit,
		IsModmail: true,
		Condition: c.Participant.Condition,
	}
	if len(c.messages) > 0 {
		first := c.messages[0]
		initial.UserID = first.UserID
		initial.Subreddit = first.Subreddit
		initial.Condition = first.Condition
	}

	log.Error().Str("user_id", initial.UserID).Msg("Initial message appears to be missing, rebuilt from template")
	c.messages = append([]models.Message{initial}, c.messages...)
	c.repaired = true
}

func classify(msgs []models.Message) Status {
	n := len(msgs)
	if n == 0 || msgs[n-1].Type != models.TypeUser {
		return StatusSkip
	}
	if n >= 2 {
		switch msgs[n-2].Type {
		case models.TypeInitial, models.TypeClarifying:
			token := ReplyToken(msgs[n-1].Text)
			log.Debug().Str("token", token).Msg("Consent answer")
			switch {
			case agreeTokens[token]:
				return StatusNeedsHandoff
			case declineTokens[token]:
				return StatusDeclined
			default:
				return StatusNeedsClarification
			}
		}
	}
	return StatusConsented
}

// ReplyToken normalizes a consent answer to its first word: surrounding
// quotes and whitespace are trimmed and the result is lowercased. An empty
// answer yields "".
func ReplyToken(text string) string {
	text = strings.ToLower(text)
	text = strings.Trim(text, "\"' \n\t\r")
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// NeedsHandoff reports whether p gets a handoff acknowledgement on the
// contact channel. Only the default strategy switches channels, so only it
// sends one there in addition to the first-consented message.
func NeedsHandoff(p models.Participant) bool {
	return p.Strategy == models.StrategyDefault
}
