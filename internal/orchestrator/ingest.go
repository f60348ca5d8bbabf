package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/delivery"
	"github.com/toxictalk/pkg/models"
)

// Ingest polls both channels and appends replies from known participants to
// the log. Items are acknowledged only after the append succeeded; a failing
// channel is logged and skipped.
func (r *Run) Ingest(ctx context.Context) error {
	for _, ch := range r.deps.Gateway.Channels() {
		if ch == nil {
			continue
		}
		items, err := ch.Poll(ctx)
		if err != nil {
			log.Error().Err(err).Str("channel", string(ch.Kind())).Msg("Failed to poll channel")
			continue
		}

		msgs, handled, err := r.inbound(ctx, items)
		if err != nil {
			return err
		}
		if err := r.deps.Log.Append(ctx, msgs...); err != nil {
			return fmt.Errorf("append %s messages: %w", ch.Kind(), err)
		}
		r.result.Ingested += len(msgs)
		r.logger.Log("Ingested %d of %d %s items", len(msgs), len(items), ch.Kind())

		if len(handled) > 0 {
			if err := ch.Ack(ctx, handled); err != nil {
				log.Warn().Err(err).Str("channel", string(ch.Kind())).Msg("Failed to acknowledge inbound items")
			}
		}
	}
	return nil
}

// inbound turns polled items into user messages. It returns the items that
// may be acknowledged: everything turned into a message or a candidate, and
// direct messages that will never be ingested. Modmail from unknown senders
// stays unread for the human moderators.
func (r *Run) inbound(ctx context.Context, items []delivery.Inbound) ([]models.Message, []delivery.Inbound, error) {
	var msgs []models.Message
	var handled []delivery.Inbound

	for _, item := range items {
		acked := false
		if !item.IsModmail && r.content.InviteKeyword != "" && item.Subject == r.content.InviteKeyword {
			c := models.Candidate{Author: item.Author, Subreddit: InviteSubreddit, ToxicComments: item.Body}
			if err := r.deps.Candidates.AppendCandidate(ctx, c); err != nil {
				return nil, nil, fmt.Errorf("add invited candidate %s: %w", item.Author, err)
			}
			log.Info().Str("author", item.Author).Msg("Added invited user to the outreach pool")
			handled = append(handled, item)
			acked = true
		}

		skip := func() {
			if !item.IsModmail && !acked {
				handled = append(handled, item)
			}
		}

		if !item.IsModmail && item.ParentID == "" {
			log.Info().Str("author", item.Author).Str("subject", item.Subject).Msg("Message is not a reply, skipping")
			skip()
			continue
		}

		id, ok := r.deps.Registry.IDForName(item.Author)
		if !ok {
			log.Info().Str("author", item.Author).Str("ref", item.Ref).Msg("Sender is not a participant, skipping")
			skip()
			continue
		}
		p, err := r.deps.Registry.Get(id)
		if err != nil {
			return nil, nil, err
		}

		subreddit := p.Subreddit
		if item.IsModmail {
			subreddit = item.Subreddit
		}
		msgs = append(msgs, models.Message{
			UserID:     p.ID,
			Type:       models.TypeUser,
			Text:       item.Body,
			CreatedUTC: item.CreatedUTC,
			Subreddit:  subreddit,
			Ref:        item.Ref,
			IsModmail:  item.IsModmail,
			Condition:  p.Condition,
		})
		if !acked {
			handled = append(handled, item)
		}
	}
	return msgs, handled, nil
}
