// Package messagelog keeps the append-only transcript of every message
// exchanged with every participant.
package messagelog

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/storage"
	"github.com/toxictalk/pkg/models"
)

// Log is the in-memory view of the message store. Appends are deduplicated
// against every row already seen, so re-appending an identical message is a
// no-op.
type Log struct {
	store storage.MessageStore
	rows  []models.Message
	seen  map[models.Message]struct{}
}

// New creates an empty log over store. Call Load before use.
func New(store storage.MessageStore) *Log {
	return &Log{
		store: store,
		seen:  make(map[models.Message]struct{}),
	}
}

// Load reads every stored row. A missing store is an empty log.
func (l *Log) Load(ctx context.Context) error {
	rows, err := l.store.LoadMessages(ctx)
	if err != nil {
		return fmt.Errorf("load message log: %w", err)
	}
	l.rows = l.rows[:0]
	l.seen = make(map[models.Message]struct{}, len(rows))
	for _, m := range rows {
		l.rows = append(l.rows, m)
		l.seen[m] = struct{}{}
	}
	log.Debug().Int("messages", len(l.rows)).Msg("Loaded message log")
	return nil
}

// Append persists msgs that are not exact duplicates of a stored row or of
// an earlier message in the same call. Near duplicates that differ in any
// field, the timestamp included, are kept.
func (l *Log) Append(ctx context.Context, msgs ...models.Message) error {
	fresh := make([]models.Message, 0, len(msgs))
	batch := make(map[models.Message]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := l.seen[m]; ok {
			continue
		}
		if _, ok := batch[m]; ok {
			continue
		}
		batch[m] = struct{}{}
		fresh = append(fresh, m)
	}

	if dropped := len(msgs) - len(fresh); dropped > 0 {
		log.Debug().Int("duplicates", dropped).Msg("Skipped messages already in the log")
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := l.store.AppendMessages(ctx, fresh); err != nil {
		return fmt.Errorf("append %d messages: %w", len(fresh), err)
	}
	for _, m := range fresh {
		l.rows = append(l.rows, m)
		l.seen[m] = struct{}{}
	}
	return nil
}

// Len returns the number of stored rows
func (l *Log) Len() int {
	return len(l.rows)
}

// All returns a copy of every row in append order
func (l *Log) All() []models.Message {
	out := make([]models.Message, len(l.rows))
	copy(out, l.rows)
	return out
}

// ForUser returns the user's messages ordered by CreatedUTC. Messages with
// equal timestamps keep their append order.
func (l *Log) ForUser(userID string) []models.Message {
	var out []models.Message
	for _, m := range l.rows {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedUTC < out[j].CreatedUTC
	})
	return out
}

// PendingUsers returns, in order of first appearance in the log, the users
// whose latest message came from them. Users for which exclude returns true
// are left out.
func (l *Log) PendingUsers(exclude func(userID string) bool) []string {
	type latest struct {
		at    float64
		index int
		typ   models.MessageType
	}
	last := make(map[string]latest)
	var order []string

	for i, m := range l.rows {
		cur, ok := last[m.UserID]
		if !ok {
			order = append(order, m.UserID)
		}
		// ties go to the later row, matching a stable sort
		if !ok || m.CreatedUTC >= cur.at {
			last[m.UserID] = latest{at: m.CreatedUTC, index: i, typ: m.Type}
		}
	}

	var pending []string
	for _, id := range order {
		if last[id].typ != models.TypeUser {
			continue
		}
		if exclude != nil && exclude(id) {
			continue
		}
		pending = append(pending, id)
	}
	return pending
}
