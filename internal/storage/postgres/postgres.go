// Package postgres stores the message log, the participant registry and the
// blacklist in PostgreSQL. The outreach pool and rule cache stay file based
// because they are prepared and inspected by hand.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/storage"
	"github.com/toxictalk/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    message_type TEXT NOT NULL,
    text TEXT NOT NULL,
    created_utc DOUBLE PRECISION NOT NULL,
    subreddit TEXT NOT NULL DEFAULT '',
    conversation_or_message_id TEXT NOT NULL DEFAULT '',
    is_modmail BOOLEAN NOT NULL DEFAULT FALSE,
    condition TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS messages_user_id_idx ON messages (user_id);

CREATE TABLE IF NOT EXISTS participants (
    id BIGSERIAL PRIMARY KEY,
    author TEXT NOT NULL,
    author_id TEXT NOT NULL,
    condition TEXT NOT NULL,
    subreddit TEXT NOT NULL DEFAULT '',
    toxic_comments TEXT NOT NULL DEFAULT '',
    messaging_strategy TEXT NOT NULL,
    openai_model TEXT NOT NULL DEFAULT '',
    first_consented_msg TEXT NOT NULL DEFAULT '',
    initial_message TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS blacklist (
    identifier TEXT PRIMARY KEY
);
`

// Store implements the message, participant and blacklist stores
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to url and makes sure the schema exists
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to postgres: %v", storage.ErrStorageUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", storage.ErrStorageUnavailable, err)
	}
	s := &Store{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the connection pool, e.g. for advisory locks
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates missing tables
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: create schema: %v", storage.ErrStorageUnavailable, err)
	}
	return nil
}

// LoadMessages implements storage.MessageStore. Rows come back in insertion
// order, which the log relies on to break timestamp ties.
func (s *Store) LoadMessages(ctx context.Context) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, message_type, text, created_utc, subreddit,
	        conversation_or_message_id, is_modmail, condition
	        FROM messages ORDER BY id`)
	if err != nil {
		return nil, unavailable("load messages", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var mt string
		if err := rows.Scan(&m.UserID, &mt, &m.Text, &m.CreatedUTC, &m.Subreddit, &m.Ref, &m.IsModmail, &m.Condition); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Type, err = models.ParseMessageType(mt); err != nil {
			return nil, fmt.Errorf("message of user %s: %w", m.UserID, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load messages", err)
	}
	return msgs, nil
}

// AppendMessages implements storage.MessageStore. The batch is written in one
// transaction so a failed append leaves no partial rows behind.
func (s *Store) AppendMessages(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range msgs {
			batch.Queue(`INSERT INTO messages (user_id, message_type, text, created_utc, subreddit,
			        conversation_or_message_id, is_modmail, condition)
			        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				m.UserID, string(m.Type), m.Text, m.CreatedUTC, m.Subreddit, m.Ref, m.IsModmail, m.Condition)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return unavailable("append messages", err)
		}
		return nil
	})
}

// LoadParticipants implements storage.ParticipantStore
func (s *Store) LoadParticipants(ctx context.Context) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx, `SELECT author, author_id, condition, subreddit, toxic_comments,
	        messaging_strategy, openai_model, first_consented_msg, initial_message
	        FROM participants ORDER BY id`)
	if err != nil {
		return nil, unavailable("load participants", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		var strategy string
		if err := rows.Scan(&p.Name, &p.ID, &p.Condition, &p.Subreddit, &p.ToxicComments,
			&strategy, &p.Model, &p.FirstConsentedVariant, &p.InitialVariant); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if p.Strategy, err = models.ParseStrategy(strategy); err != nil {
			return nil, fmt.Errorf("participant %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load participants", err)
	}
	return out, nil
}

// AppendParticipant implements storage.ParticipantStore
func (s *Store) AppendParticipant(ctx context.Context, p models.Participant) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO participants (author, author_id, condition, subreddit,
	        toxic_comments, messaging_strategy, openai_model, first_consented_msg, initial_message)
	        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.Name, p.ID, p.Condition, p.Subreddit, p.ToxicComments, string(p.Strategy),
		p.Model, p.FirstConsentedVariant, p.InitialVariant)
	if err != nil {
		return unavailable("append participant", err)
	}
	return nil
}

// LoadBlacklist implements storage.BlacklistStore
func (s *Store) LoadBlacklist(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT identifier FROM blacklist ORDER BY identifier`)
	if err != nil {
		return nil, unavailable("load bad accounts", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("load bad accounts", err)
	}
	return ids, nil
}

// SaveBlacklist implements storage.BlacklistStore. Entries are never
// removed, so saving only inserts what is missing.
func (s *Store) SaveBlacklist(ctx context.Context, identifiers []string) error {
	if len(identifiers) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO blacklist (identifier)
	        SELECT unnest($1::text[]) ON CONFLICT (identifier) DO NOTHING`, identifiers)
	if err != nil {
		return unavailable("save bad accounts", err)
	}
	log.Debug().Int("entries", len(identifiers)).Msg("Saved bad accounts to postgres")
	return nil
}

// NewBackend wires the database stores together with the file-based
// candidate pool and rules cache
func NewBackend(s *Store, files storage.FilePaths) *storage.Backend {
	fb := storage.NewFileBackend(files)
	return &storage.Backend{
		Messages:     s,
		Participants: s,
		Blacklist:    s,
		Candidates:   fb.Candidates,
		Rules:        fb.Rules,
		Close:        s.Close,
	}
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", storage.ErrStorageUnavailable, op, err)
}
