package reddit

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/delivery"
	"github.com/toxictalk/pkg/models"
)

// DirectChannel sends private messages from the bot account
type DirectChannel struct {
	client *Client
}

// NewDirectChannel creates the direct-message channel
func NewDirectChannel(c *Client) *DirectChannel {
	return &DirectChannel{client: c}
}

// Kind implements delivery.Channel
func (d *DirectChannel) Kind() delivery.ChannelKind {
	return delivery.Direct
}

// SendNew implements delivery.Channel. Compose does not return the id of
// the new message, so the stamped message carries no reference.
func (d *DirectChannel) SendNew(ctx context.Context, p models.Participant, subject, body string, t models.MessageType) (models.Message, error) {
	form := url.Values{
		"api_type": {"json"},
		"to":       {p.Name},
		"subject":  {subject},
		"text":     {body},
	}
	if _, err := d.client.post(ctx, "/api/compose", form); err != nil {
		return models.Message{}, classify(delivery.Direct, err, true)
	}
	log.Info().Str("to", p.Name).Str("type", string(t)).Msg("Sent direct message")
	return models.NewOutbound(p, t, body, "", false, d.client.cfg.Now()), nil
}

type commentResponse struct {
	JSON struct {
		Data struct {
			Things []struct {
				Kind string `json:"kind"`
				Data struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"data"`
			} `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

// SendReply implements delivery.Channel
func (d *DirectChannel) SendReply(ctx context.Context, target models.Message, p models.Participant, body string, t models.MessageType) (models.Message, error) {
	if target.Ref == "" {
		return models.Message{}, delivery.NewFailure(delivery.PlatformRejected, delivery.Direct, errEmptyRef)
	}
	form := url.Values{
		"api_type": {"json"},
		"thing_id": {fullname(target.Ref)},
		"text":     {body},
	}
	resp, err := d.client.post(ctx, "/api/comment", form)
	if err != nil {
		return models.Message{}, classify(delivery.Direct, err, false)
	}

	ref := ""
	var cr commentResponse
	if decode(resp, &cr) == nil && len(cr.JSON.Data.Things) > 0 {
		ref = cr.JSON.Data.Things[0].Data.ID
		if ref == "" {
			ref = stripKind(cr.JSON.Data.Things[0].Data.Name)
		}
	}
	log.Info().Str("to", p.Name).Str("type", string(t)).Msg("Sent direct reply")
	return models.NewOutbound(p, t, body, ref, false, d.client.cfg.Now()), nil
}

// Archive implements delivery.Channel. Direct threads have no archive.
func (d *DirectChannel) Archive(ctx context.Context, ref models.Message) {
	log.Debug().Str("user_id", ref.UserID).Msg("Direct messages cannot be archived, skipping")
}

type listing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data struct {
				ID         string  `json:"id"`
				Name       string  `json:"name"`
				Author     string  `json:"author"`
				Subject    string  `json:"subject"`
				Body       string  `json:"body"`
				CreatedUTC float64 `json:"created_utc"`
				ParentID   *string `json:"parent_id"`
				Subreddit  *string `json:"subreddit"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// Poll implements delivery.Channel. Only private messages are returned;
// comment replies and other inbox items are ignored.
func (d *DirectChannel) Poll(ctx context.Context) ([]delivery.Inbound, error) {
	body, err := d.client.get(ctx, "/message/unread", url.Values{"limit": {"100"}})
	if err != nil {
		return nil, fmt.Errorf("poll inbox: %w", err)
	}
	var l listing
	if err := decode(body, &l); err != nil {
		return nil, fmt.Errorf("poll inbox: %w", err)
	}

	var out []delivery.Inbound
	for _, child := range l.Data.Children {
		if child.Kind != "t4" {
			continue
		}
		m := child.Data
		if m.Author == "" {
			// messages sent on behalf of a subreddit carry no author
			sub := ""
			if m.Subreddit != nil {
				sub = *m.Subreddit
			}
			log.Info().Str("subreddit", sub).Msg("Unread message without an author, skipping")
			continue
		}
		in := delivery.Inbound{
			Author:     m.Author,
			Subject:    m.Subject,
			Body:       m.Body,
			Ref:        m.ID,
			CreatedUTC: m.CreatedUTC,
		}
		if m.ParentID != nil {
			in.ParentID = *m.ParentID
		}
		out = append(out, in)
	}
	return out, nil
}

// Ack implements delivery.Channel by marking the messages read
func (d *DirectChannel) Ack(ctx context.Context, items []delivery.Inbound) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, fullname(it.Ref))
	}
	if _, err := d.client.post(ctx, "/api/read_message", url.Values{"id": {strings.Join(ids, ",")}}); err != nil {
		return fmt.Errorf("mark %d messages read: %w", len(ids), err)
	}
	return nil
}
