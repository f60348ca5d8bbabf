package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/toxictalk/pkg/models"
)

var messageColumns = []string{
	"user_id", "message_type", "text", "created_utc", "subreddit",
	"conversation_or_message_id", "is_modmail", "condition",
}

var participantColumns = []string{
	"author", "author_id", "condition", "subreddit", "toxic_comments",
	"messaging_strategy", "openai_model", "first_consented_msg", "initial_message",
}

var candidateColumns = []string{"author", "subreddit", "toxic_comments"}

var rulesColumns = []string{"subreddit", "rules"}

// MessageFile stores the conversation log as CSV
type MessageFile struct {
	Path string
}

// LoadMessages implements MessageStore
func (f *MessageFile) LoadMessages(ctx context.Context) ([]models.Message, error) {
	t, err := readCSV(f.Path)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require(messageColumns...); err != nil {
		return nil, fmt.Errorf("conversations file %s: %w", f.Path, err)
	}

	msgs := make([]models.Message, 0, len(t.rows))
	for i, row := range t.rows {
		mt, err := models.ParseMessageType(t.get(row, "message_type"))
		if err != nil {
			return nil, fmt.Errorf("conversations file %s row %d: %w", f.Path, i+2, err)
		}
		created, err := strconv.ParseFloat(strings.TrimSpace(t.get(row, "created_utc")), 64)
		if err != nil {
			return nil, fmt.Errorf("conversations file %s row %d: bad created_utc: %w", f.Path, i+2, err)
		}
		modmail, err := parseBool(t.get(row, "is_modmail"))
		if err != nil {
			return nil, fmt.Errorf("conversations file %s row %d: bad is_modmail: %w", f.Path, i+2, err)
		}
		msgs = append(msgs, models.Message{
			UserID:     t.get(row, "user_id"),
			Type:       mt,
			Text:       t.get(row, "text"),
			CreatedUTC: created,
			Subreddit:  t.get(row, "subreddit"),
			Ref:        nullable(t.get(row, "conversation_or_message_id")),
			IsModmail:  modmail,
			Condition:  t.get(row, "condition"),
		})
	}
	return msgs, nil
}

// AppendMessages implements MessageStore
func (f *MessageFile) AppendMessages(ctx context.Context, msgs []models.Message) error {
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []string{
			m.UserID,
			string(m.Type),
			m.Text,
			strconv.FormatFloat(m.CreatedUTC, 'f', -1, 64),
			m.Subreddit,
			m.Ref,
			formatBool(m.IsModmail),
			m.Condition,
		})
	}
	return appendCSV(f.Path, messageColumns, rows)
}

// ParticipantFile stores the participant registry as CSV keyed by author_id
type ParticipantFile struct {
	Path string
}

// LoadParticipants implements ParticipantStore
func (f *ParticipantFile) LoadParticipants(ctx context.Context) ([]models.Participant, error) {
	t, err := readCSV(f.Path)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require("author", "author_id", "condition", "messaging_strategy"); err != nil {
		return nil, fmt.Errorf("participants file %s: %w", f.Path, err)
	}

	out := make([]models.Participant, 0, len(t.rows))
	for i, row := range t.rows {
		strategy, err := models.ParseStrategy(t.get(row, "messaging_strategy"))
		if err != nil {
			return nil, fmt.Errorf("participants file %s row %d: %w", f.Path, i+2, err)
		}
		out = append(out, models.Participant{
			Name:                  t.get(row, "author"),
			ID:                    t.get(row, "author_id"),
			Condition:             t.get(row, "condition"),
			Strategy:              strategy,
			Subreddit:             t.get(row, "subreddit"),
			ToxicComments:         t.get(row, "toxic_comments"),
			Model:                 t.get(row, "openai_model"),
			FirstConsentedVariant: t.get(row, "first_consented_msg"),
			InitialVariant:        t.get(row, "initial_message"),
		})
	}
	return out, nil
}

// AppendParticipant implements ParticipantStore
func (f *ParticipantFile) AppendParticipant(ctx context.Context, p models.Participant) error {
	return appendCSV(f.Path, participantColumns, [][]string{{
		p.Name,
		p.ID,
		p.Condition,
		p.Subreddit,
		p.ToxicComments,
		string(p.Strategy),
		p.Model,
		p.FirstConsentedVariant,
		p.InitialVariant,
	}})
}

// CandidateFile is the CSV pool of users to contact
type CandidateFile struct {
	Path string
}

// LoadCandidates implements CandidateStore. Unlike the log, a missing pool is
// an error: there is nothing sensible to do without it.
func (f *CandidateFile) LoadCandidates(ctx context.Context) ([]models.Candidate, error) {
	if _, err := os.Stat(f.Path); err != nil {
		return nil, fmt.Errorf("candidate file %s: %w", f.Path, err)
	}
	t, err := readCSV(f.Path)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require("author"); err != nil {
		return nil, fmt.Errorf("candidate file %s: %w", f.Path, err)
	}

	out := make([]models.Candidate, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, models.Candidate{
			Author:        strings.TrimSpace(t.get(row, "author")),
			Subreddit:     t.get(row, "subreddit"),
			ToxicComments: t.get(row, "toxic_comments"),
		})
	}
	return out, nil
}

// AppendCandidate implements CandidateStore
func (f *CandidateFile) AppendCandidate(ctx context.Context, c models.Candidate) error {
	return appendCSV(f.Path, candidateColumns, [][]string{{c.Author, c.Subreddit, c.ToxicComments}})
}

// RulesFile caches subreddit rules as CSV
type RulesFile struct {
	Path string
}

// LoadRules implements RulesStore
func (f *RulesFile) LoadRules(ctx context.Context) (map[string]string, error) {
	t, err := readCSV(f.Path)
	if err != nil {
		return nil, err
	}
	rules := make(map[string]string, len(t.rows))
	for _, row := range t.rows {
		rules[t.get(row, "subreddit")] = t.get(row, "rules")
	}
	return rules, nil
}

// AppendRules implements RulesStore
func (f *RulesFile) AppendRules(ctx context.Context, subreddit, rules string) error {
	return appendCSV(f.Path, rulesColumns, [][]string{{subreddit, rules}})
}

// BlacklistFile stores bad accounts as a JSON array of strings
type BlacklistFile struct {
	Path string
}

// LoadBlacklist implements BlacklistStore. A file left truncated by an
// interrupted write is repaired rather than treated as fatal.
func (f *BlacklistFile) LoadBlacklist(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorageUnavailable, f.Path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err == nil {
		return ids, nil
	}

	repaired, rerr := jsonrepair.JSONRepair(string(data))
	if rerr != nil {
		return nil, fmt.Errorf("bad accounts file %s is not valid JSON: %w", f.Path, rerr)
	}
	if err := json.Unmarshal([]byte(repaired), &ids); err != nil {
		return nil, fmt.Errorf("bad accounts file %s is not a JSON string array: %w", f.Path, err)
	}
	log.Warn().Str("path", f.Path).Int("entries", len(ids)).Msg("Repaired malformed bad accounts file")
	return ids, nil
}

// SaveBlacklist implements BlacklistStore. The list is written to a
// temporary file and renamed into place.
func (f *BlacklistFile) SaveBlacklist(ctx context.Context, identifiers []string) error {
	if identifiers == nil {
		identifiers = []string{}
	}
	data, err := json.Marshal(identifiers)
	if err != nil {
		return fmt.Errorf("encode bad accounts: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create directory for %s: %v", ErrStorageUnavailable, f.Path, err)
	}
	tmp, err := os.CreateTemp(dir, ".bad_accounts-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrStorageUnavailable, tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrStorageUnavailable, tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrStorageUnavailable, tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrStorageUnavailable, f.Path, err)
	}
	return nil
}

// FilePaths locates the flat files
type FilePaths struct {
	Conversations string
	ToContact     string
	Participants  string
	Subreddits    string
	BadAccounts   string
}

// NewFileBackend builds a Backend over flat files
func NewFileBackend(paths FilePaths) *Backend {
	return &Backend{
		Messages:     &MessageFile{Path: paths.Conversations},
		Participants: &ParticipantFile{Path: paths.Participants},
		Blacklist:    &BlacklistFile{Path: paths.BadAccounts},
		Candidates:   &CandidateFile{Path: paths.ToContact},
		Rules:        &RulesFile{Path: paths.Subreddits},
		Close:        func() {},
	}
}

func parseBool(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// formatBool matches the capitalised form pandas writes
func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// nullable maps the spellings a missing id takes in older files to ""
func nullable(s string) string {
	switch strings.TrimSpace(s) {
	case "", "None", "nan", "NaN":
		return ""
	}
	return s
}
