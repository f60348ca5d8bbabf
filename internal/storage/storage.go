// Package storage persists the message log, the participant registry and the
// blacklist. The default backend is a set of flat files compatible with the
// analysis scripts that read them; internal/storage/postgres provides a
// database-backed alternative.
package storage

import (
	"context"
	"errors"

	"github.com/toxictalk/pkg/models"
)

// ErrStorageUnavailable is returned when durable storage cannot be read or
// written. Callers treat it as fatal for the invocation.
var ErrStorageUnavailable = errors.New("storage unavailable")

// MessageStore holds the append-only conversation log
type MessageStore interface {
	LoadMessages(ctx context.Context) ([]models.Message, error)
	AppendMessages(ctx context.Context, msgs []models.Message) error
}

// ParticipantStore holds contacted participants
type ParticipantStore interface {
	LoadParticipants(ctx context.Context) ([]models.Participant, error)
	AppendParticipant(ctx context.Context, p models.Participant) error
}

// BlacklistStore holds identifiers that must never be contacted again
type BlacklistStore interface {
	LoadBlacklist(ctx context.Context) ([]string, error)
	SaveBlacklist(ctx context.Context, identifiers []string) error
}

// CandidateStore is the outreach pool
type CandidateStore interface {
	LoadCandidates(ctx context.Context) ([]models.Candidate, error)
	AppendCandidate(ctx context.Context, c models.Candidate) error
}

// RulesStore caches subreddit rules
type RulesStore interface {
	LoadRules(ctx context.Context) (map[string]string, error)
	AppendRules(ctx context.Context, subreddit, rules string) error
}

// Backend bundles the stores a run needs
type Backend struct {
	Messages     MessageStore
	Participants ParticipantStore
	Blacklist    BlacklistStore
	Candidates   CandidateStore
	Rules        RulesStore
	Close        func()
}
