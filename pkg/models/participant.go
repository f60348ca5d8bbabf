package models

import (
	"fmt"
	"strings"
)

// Strategy selects which channels carry the initial contact and the handoff
type Strategy string

const (
	// StrategyDefault contacts via modmail and continues over direct messages
	StrategyDefault Strategy = "default"
	// StrategyModmail keeps the whole conversation in modmail
	StrategyModmail Strategy = "modmail"
	// StrategyDM keeps the whole conversation in direct messages
	StrategyDM Strategy = "dm"
)

// ParseStrategy validates a stored messaging strategy
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.TrimSpace(s)); st {
	case StrategyDefault, StrategyModmail, StrategyDM:
		return st, nil
	}
	return "", fmt.Errorf("unknown messaging strategy %q", s)
}

// InitialViaModmail reports whether the first contact goes through modmail
func (s Strategy) InitialViaModmail() bool {
	return s != StrategyDM
}

// ConditionControl is the arm that never talks to the completion service
const ConditionControl = "control"

// Participant is a contacted user and their experimental assignment
type Participant struct {
	Name                  string
	ID                    string
	Condition             string
	Strategy              Strategy
	Subreddit             string
	ToxicComments         string
	Model                 string
	FirstConsentedVariant string
	InitialVariant        string
}

// IsControl reports whether the participant is in the control arm
func (p Participant) IsControl() bool {
	return p.Condition == ConditionControl
}

// Candidate is a not yet contacted user from the outreach pool
type Candidate struct {
	Author        string
	Subreddit     string
	ToxicComments string
}

// DeletedAuthor is the placeholder name the platform uses for removed accounts
const DeletedAuthor = "[deleted]"
