package reddit

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/delivery"
	"github.com/toxictalk/pkg/models"
)

// modmail conversation state for archived threads
const stateArchived = 2

// ModmailChannel talks to participants through subreddit modmail
type ModmailChannel struct {
	client *Client
}

// NewModmailChannel creates the modmail channel
func NewModmailChannel(c *Client) *ModmailChannel {
	return &ModmailChannel{client: c}
}

// Kind implements delivery.Channel
func (m *ModmailChannel) Kind() delivery.ChannelKind {
	return delivery.Modmail
}

type modmailAuthor struct {
	Name string `json:"name"`
}

type modmailConversation struct {
	ID      string          `json:"id"`
	State   int             `json:"state"`
	Authors []modmailAuthor `json:"authors"`
	Owner   struct {
		DisplayName string `json:"displayName"`
	} `json:"owner"`
	ObjIDs []struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	} `json:"objIds"`
}

type modmailMessage struct {
	ID           string        `json:"id"`
	Author       modmailAuthor `json:"author"`
	BodyMarkdown string        `json:"bodyMarkdown"`
	Date         string        `json:"date"`
}

type conversationResponse struct {
	Conversation modmailConversation `json:"conversation"`
}

type conversationList struct {
	Conversations   map[string]modmailConversation `json:"conversations"`
	ConversationIDs []string                       `json:"conversationIds"`
	Messages        map[string]modmailMessage      `json:"messages"`
}

// SendNew implements delivery.Channel. The new thread is archived right away
// so it only resurfaces when the participant answers.
func (m *ModmailChannel) SendNew(ctx context.Context, p models.Participant, subject, body string, t models.MessageType) (models.Message, error) {
	form := url.Values{
		"body":           {body},
		"subject":        {subject},
		"srName":         {p.Subreddit},
		"to":             {p.Name},
		"isAuthorHidden": {"false"},
	}
	resp, err := m.client.post(ctx, "/api/mod/conversations", form)
	if err != nil {
		return models.Message{}, classify(delivery.Modmail, err, true)
	}

	var cr conversationResponse
	if err := decode(resp, &cr); err != nil {
		log.Warn().Err(err).Str("to", p.Name).Msg("Sent modmail but could not read the conversation id")
	}
	msg := models.NewOutbound(p, t, body, cr.Conversation.ID, true, m.client.cfg.Now())
	log.Info().Str("to", p.Name).Str("conversation", cr.Conversation.ID).Str("type", string(t)).Msg("Sent modmail")

	m.archive(ctx, cr.Conversation.ID)
	return msg, nil
}

// SendReply implements delivery.Channel
func (m *ModmailChannel) SendReply(ctx context.Context, target models.Message, p models.Participant, body string, t models.MessageType) (models.Message, error) {
	if target.Ref == "" {
		return models.Message{}, delivery.NewFailure(delivery.PlatformRejected, delivery.Modmail, errEmptyRef)
	}
	form := url.Values{
		"body":           {body},
		"isAuthorHidden": {"false"},
		"isInternal":     {"false"},
	}
	if _, err := m.client.post(ctx, "/api/mod/conversations/"+url.PathEscape(target.Ref), form); err != nil {
		return models.Message{}, classify(delivery.Modmail, err, false)
	}
	log.Info().Str("to", p.Name).Str("conversation", target.Ref).Str("type", string(t)).Msg("Sent modmail reply")

	msg := models.NewOutbound(p, t, body, target.Ref, true, m.client.cfg.Now())
	m.archive(ctx, target.Ref)
	return msg, nil
}

// Archive implements delivery.Channel
func (m *ModmailChannel) Archive(ctx context.Context, ref models.Message) {
	if !ref.IsModmail {
		log.Warn().Str("user_id", ref.UserID).Msg("Cannot archive a conversation that is not in modmail")
		return
	}
	m.archive(ctx, ref.Ref)
}

func (m *ModmailChannel) archive(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if _, err := m.client.post(ctx, "/api/mod/conversations/"+url.PathEscape(id)+"/archive", url.Values{}); err != nil {
		log.Error().Err(err).Str("conversation", id).Msg("Failed to archive modmail conversation")
	}
}

func (m *ModmailChannel) list(ctx context.Context, state string) (*conversationList, error) {
	body, err := m.client.get(ctx, "/api/mod/conversations", url.Values{
		"entity": {"all"},
		"state":  {state},
		"sort":   {"recent"},
		"limit":  {"100"},
	})
	if err != nil {
		return nil, err
	}
	var cl conversationList
	if err := decode(body, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

func (cl *conversationList) messagesOf(c modmailConversation) []modmailMessage {
	var out []modmailMessage
	for _, obj := range c.ObjIDs {
		if obj.Key != "messages" {
			continue
		}
		if msg, ok := cl.Messages[obj.ID]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// Poll implements delivery.Channel. It returns the latest message of every
// recent conversation the bot started and the participant answered last.
// Threads where the bot spoke last are archived along the way, as are
// filtered threads the bot took part in.
func (m *ModmailChannel) Poll(ctx context.Context) ([]delivery.Inbound, error) {
	me := m.client.Username()
	cutoff := m.client.cfg.Now().Add(-m.client.cfg.ModmailMaxAge)

	cl, err := m.list(ctx, "all")
	if err != nil {
		return nil, fmt.Errorf("poll modmail: %w", err)
	}

	var out []delivery.Inbound
	for _, id := range cl.ConversationIDs {
		conv, ok := cl.Conversations[id]
		if !ok {
			continue
		}
		msgs := cl.messagesOf(conv)
		if len(msgs) == 0 {
			continue
		}
		first, last := msgs[0], msgs[len(msgs)-1]

		at, err := time.Parse(time.RFC3339Nano, last.Date)
		if err != nil {
			log.Warn().Str("conversation", id).Str("date", last.Date).Msg("Unparseable modmail date, skipping")
			continue
		}
		// conversations are sorted by recency
		if at.Before(cutoff) {
			log.Debug().Str("conversation", id).Msg("Reached modmail older than the polling window")
			break
		}

		if last.Author.Name == me && conv.State != stateArchived {
			m.archive(ctx, conv.ID)
		}
		if first.Author.Name != me || last.Author.Name == me {
			log.Debug().
				Str("conversation", id).
				Str("first_author", first.Author.Name).
				Str("last_author", last.Author.Name).
				Msg("Skipping modmail conversation")
			continue
		}

		out = append(out, delivery.Inbound{
			Author:     last.Author.Name,
			Body:       last.BodyMarkdown,
			Ref:        conv.ID,
			Subreddit:  conv.Owner.DisplayName,
			CreatedUTC: models.Timestamp(at),
			IsModmail:  true,
		})
	}

	m.archiveFiltered(ctx, me)
	return out, nil
}

// archiveFiltered archives conversations the platform filtered out of the
// normal listing
func (m *ModmailChannel) archiveFiltered(ctx context.Context, me string) {
	cl, err := m.list(ctx, "filtered")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list filtered modmail")
		return
	}
	for _, id := range cl.ConversationIDs {
		conv, ok := cl.Conversations[id]
		if !ok {
			continue
		}
		for _, a := range conv.Authors {
			if a.Name == me {
				log.Info().Str("conversation", id).Msg("Archiving filtered modmail conversation")
				m.archive(ctx, id)
				break
			}
		}
	}
}

// Ack implements delivery.Channel by archiving the answered conversations
func (m *ModmailChannel) Ack(ctx context.Context, items []delivery.Inbound) error {
	for _, it := range items {
		m.archive(ctx, it.Ref)
	}
	return nil
}
