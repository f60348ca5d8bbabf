// Package registry tracks contacted participants and the accounts that must
// never be contacted again.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/storage"
	"github.com/toxictalk/pkg/models"
)

// ErrParticipantNotFound means a message references a user that was never
// registered. It indicates corrupted state and is fatal for the invocation.
var ErrParticipantNotFound = errors.New("participant not found")

// Registry indexes participants by id and by name
type Registry struct {
	participants storage.ParticipantStore
	blacklist    storage.BlacklistStore

	byID      map[string]models.Participant
	byName    map[string]string
	blocked   map[string]struct{}
	blockList []string
}

// New creates an empty registry. Call Load before use.
func New(participants storage.ParticipantStore, blacklist storage.BlacklistStore) *Registry {
	return &Registry{
		participants: participants,
		blacklist:    blacklist,
		byID:         make(map[string]models.Participant),
		byName:       make(map[string]string),
		blocked:      make(map[string]struct{}),
	}
}

// Load reads participants and the blacklist. When an id appears more than
// once the last row wins.
func (r *Registry) Load(ctx context.Context) error {
	ps, err := r.participants.LoadParticipants(ctx)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	r.byID = make(map[string]models.Participant, len(ps))
	r.byName = make(map[string]string, len(ps))
	for _, p := range ps {
		if p.ID == "" {
			return fmt.Errorf("load participants: participant %q has no id", p.Name)
		}
		if _, dup := r.byID[p.ID]; dup {
			log.Warn().Str("author_id", p.ID).Msg("Duplicate participant row, keeping the last one")
		}
		r.byID[p.ID] = p
		r.byName[p.Name] = p.ID
	}

	ids, err := r.blacklist.LoadBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}
	r.blocked = make(map[string]struct{}, len(ids))
	r.blockList = r.blockList[:0]
	for _, id := range ids {
		if _, ok := r.blocked[id]; ok {
			continue
		}
		r.blocked[id] = struct{}{}
		r.blockList = append(r.blockList, id)
	}

	log.Debug().
		Int("participants", len(r.byID)).
		Int("blacklisted", len(r.blockList)).
		Msg("Loaded participant registry")
	return nil
}

// Get returns the participant with the given id
func (r *Registry) Get(id string) (models.Participant, error) {
	p, ok := r.byID[id]
	if !ok {
		return models.Participant{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	return p, nil
}

// IDForName resolves a display name to a participant id
func (r *Registry) IDForName(name string) (string, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Contacted reports whether a user with this name was already registered
func (r *Registry) Contacted(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Len returns the number of registered participants
func (r *Registry) Len() int {
	return len(r.byID)
}

// Add persists a new participant and indexes it
func (r *Registry) Add(ctx context.Context, p models.Participant) error {
	if p.ID == "" || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("add participant: name and id are required")
	}
	if _, err := models.ParseStrategy(string(p.Strategy)); err != nil {
		return fmt.Errorf("add participant %s: %w", p.Name, err)
	}
	if err := r.participants.AppendParticipant(ctx, p); err != nil {
		return fmt.Errorf("add participant %s: %w", p.Name, err)
	}
	r.byID[p.ID] = p
	r.byName[p.Name] = p.ID
	return nil
}

// Blacklist adds identifiers (names or ids) and rewrites the stored list.
// Empty and already listed identifiers are ignored.
func (r *Registry) Blacklist(ctx context.Context, identifiers ...string) error {
	var added []string
	seen := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		if _, ok := r.blocked[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil
	}

	// memory only changes once the new list is stored
	next := make([]string, 0, len(r.blockList)+len(added))
	next = append(append(next, r.blockList...), added...)
	if err := r.blacklist.SaveBlacklist(ctx, next); err != nil {
		return fmt.Errorf("save blacklist: %w", err)
	}
	for _, id := range added {
		r.blocked[id] = struct{}{}
	}
	r.blockList = next
	log.Info().Strs("identifiers", identifiers).Msg("Blacklisted account")
	return nil
}

// IsBlacklisted reports whether a name or id is on the blacklist
func (r *Registry) IsBlacklisted(identifier string) bool {
	_, ok := r.blocked[identifier]
	return ok
}

// IsParticipantBlacklisted checks both the participant's id and name
func (r *Registry) IsParticipantBlacklisted(p models.Participant) bool {
	return r.IsBlacklisted(p.ID) || r.IsBlacklisted(p.Name)
}
