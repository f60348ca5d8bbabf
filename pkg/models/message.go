package models

import (
	"fmt"
	"strings"
	"time"
)

// MessageType identifies who produced a message and at which protocol stage
type MessageType string

const (
	TypeInitial        MessageType = "initial"
	TypeClarifying     MessageType = "clarifying"
	TypeHandoff        MessageType = "handoff"
	TypeFirstConsented MessageType = "first_consented"
	TypeAIReply        MessageType = "ai_reply"
	TypeUser           MessageType = "user"
)

// legacyTypes maps spellings written by older runs onto the current names
var legacyTypes = map[string]MessageType{
	"ai_reply":                TypeAIReply,
	"first_consented_message": TypeFirstConsented,
}

// ParseMessageType parses a stored message type, accepting legacy spellings
func ParseMessageType(s string) (MessageType, error) {
	raw := strings.TrimSpace(s)
	switch t := MessageType(raw); t {
	case TypeInitial, TypeClarifying, TypeHandoff, TypeFirstConsented, TypeAIReply, TypeUser:
		return t, nil
	}
	if t, ok := legacyTypes[strings.ToLower(raw)]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// Message is one row of the conversation log. It is compared field by field
// when deduplicating, so every field must stay comparable.
type Message struct {
	UserID     string
	Type       MessageType
	Text       string
	CreatedUTC float64
	Subreddit  string
	Ref        string // channel-native conversation or message id, empty when unknown
	IsModmail  bool
	Condition  string
}

// Timestamp converts a time to the float seconds used by CreatedUTC
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// NewOutbound builds a message sent by the bot to participant p
func NewOutbound(p Participant, t MessageType, text, ref string, modmail bool, at time.Time) Message {
	return Message{
		UserID:     p.ID,
		Type:       t,
		Text:       text,
		CreatedUTC: Timestamp(at),
		Subreddit:  p.Subreddit,
		Ref:        ref,
		IsModmail:  modmail,
		Condition:  p.Condition,
	}
}
