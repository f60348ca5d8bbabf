// Package delivery defines the channels messages travel over and how their
// failures are classified.
package delivery

import (
	"context"

	"github.com/toxictalk/pkg/models"
)

// ChannelKind names a channel variant
type ChannelKind string

const (
	// Direct is the private one-to-one message channel
	Direct ChannelKind = "direct"
	// Modmail is the moderator channel of a community
	Modmail ChannelKind = "modmail"
)

// Inbound is an unread item returned by Poll
type Inbound struct {
	Author     string
	Subject    string
	Body       string
	Ref        string // conversation id for modmail, message id for direct
	ParentID   string // empty when the message does not reply to one of ours
	Subreddit  string // owning community for modmail, empty for direct
	CreatedUTC float64
	IsModmail  bool
}

// Channel is one delivery variant. Sends return the outbound message stamped
// with the send time and the channel's native reference; the caller appends
// it to the log.
type Channel interface {
	Kind() ChannelKind

	// SendNew starts a new thread with p
	SendNew(ctx context.Context, p models.Participant, subject, body string, t models.MessageType) (models.Message, error)

	// SendReply answers target, which must have been received on this channel
	SendReply(ctx context.Context, target models.Message, p models.Participant, body string, t models.MessageType) (models.Message, error)

	// Archive closes the thread ref belongs to. Failures are logged only.
	Archive(ctx context.Context, ref models.Message)

	// Poll returns unread inbound items without acknowledging them
	Poll(ctx context.Context) ([]Inbound, error)

	// Ack marks items as handled once they are safely stored
	Ack(ctx context.Context, items []Inbound) error
}

// Gateway holds both channel variants and picks one per message
type Gateway struct {
	Direct  Channel
	Modmail Channel
}

// NewGateway creates a gateway over the two variants
func NewGateway(direct, modmail Channel) *Gateway {
	return &Gateway{Direct: direct, Modmail: modmail}
}

// For returns the channel a reply to msg must go through
func (g *Gateway) For(msg models.Message) Channel {
	if msg.IsModmail {
		return g.Modmail
	}
	return g.Direct
}

// ForInitial returns the channel that carries the first contact for a strategy
func (g *Gateway) ForInitial(s models.Strategy) Channel {
	if s.InitialViaModmail() {
		return g.Modmail
	}
	return g.Direct
}

// Channels returns both variants, modmail first
func (g *Gateway) Channels() []Channel {
	return []Channel{g.Modmail, g.Direct}
}
