package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ExchangeStatus tracks the exchange lifecycle.
type ExchangeStatus string

const (
	ExchangeStatusPending   ExchangeStatus = "pending"
	ExchangeStatusMatched   ExchangeStatus = "matched"
	ExchangeStatusAccepted  ExchangeStatus = "accepted"
	ExchangeStatusCompleted ExchangeStatus = "completed"
	ExchangeStatusExpired   ExchangeStatus = "expired"
)

// ParseExchangeStatus converts a stored or user supplied status string.
func ParseExchangeStatus(s string) (ExchangeStatus, error) {
	switch st := ExchangeStatus(s); st {
	case ExchangeStatusPending, ExchangeStatusMatched, ExchangeStatusAccepted,
		ExchangeStatusCompleted, ExchangeStatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown exchange status %q", s)
}

// Terminal reports whether no further writes are accepted in this status.
func (s ExchangeStatus) Terminal() bool {
	return s == ExchangeStatusCompleted || s == ExchangeStatusExpired
}

// HasCounterparty reports whether an exchange in this status must carry a
// matched counterparty.
func (s ExchangeStatus) HasCounterparty() bool {
	return s == ExchangeStatusMatched || s == ExchangeStatusAccepted || s == ExchangeStatusCompleted
}

// HasRatingDeadline reports whether the rating window has been opened.
func (s ExchangeStatus) HasRatingDeadline() bool {
	return s == ExchangeStatusAccepted || s == ExchangeStatusCompleted
}

// Party identifies one side of an exchange. It doubles as the index of the
// rating slot that party fills in.
type Party int

const (
	PartyInitiator Party = iota
	PartyCounterparty
)

// Other returns the opposite side.
func (p Party) Other() Party {
	if p == PartyInitiator {
		return PartyCounterparty
	}
	return PartyInitiator
}

func (p Party) String() string {
	if p == PartyInitiator {
		return "initiator"
	}
	return "counterparty"
}

// ParseParty accepts "initiator" or "counterparty".
func ParseParty(s string) (Party, error) {
	switch s {
	case "initiator":
		return PartyInitiator, nil
	case "counterparty":
		return PartyCounterparty, nil
	}
	return 0, fmt.Errorf("unknown party %q", s)
}

// Rating is a 1..5 score one participant gives the other. Zero means unrated.
type Rating uint8

const (
	RatingNone Rating = 0
	RatingMin  Rating = 1
	RatingMax  Rating = 5
)

// Valid reports whether r is a submittable rating.
func (r Rating) Valid() bool { return r >= RatingMin && r <= RatingMax }

// ReputationDelta maps a received rating onto a signed score change:
// 1 -> -2, 3 -> 0, 5 -> +2.
func (r Rating) ReputationDelta() int64 {
	if !r.Valid() {
		return 0
	}
	return int64(r) - 3
}

// Exchange is a single staked trade of off-chain resources.
type Exchange struct {
	ID                      int64
	Initiator               common.Address
	Counterparty            common.Address // zero until matched
	Requirement             string
	Stake                   *uint256.Int // per participant, smallest unit
	InitiatorContent        string
	CounterpartyContent     string
	InitiatorDescription    string
	CounterpartyDescription string
	Status                  ExchangeStatus
	CreatedAt               time.Time
	MatchDeadline           time.Time
	RatingDeadline          *time.Time
	Ratings                 [2]Rating // [0] given by initiator, [1] given by counterparty
	// KeyGrants hold each party's content key wrapped to the other party.
	KeyGrants [2][]byte
	Version   int64
	UpdatedAt time.Time
}

// HasCounterparty reports whether a counterparty is attached.
func (e *Exchange) HasCounterparty() bool {
	return e.Counterparty != (common.Address{})
}

// Participant returns the identity on side p.
func (e *Exchange) Participant(p Party) common.Address {
	if p == PartyInitiator {
		return e.Initiator
	}
	return e.Counterparty
}

// PartyOf resolves who is a participant of the exchange.
func (e *Exchange) PartyOf(who common.Address) (Party, bool) {
	switch {
	case who == (common.Address{}):
		return 0, false
	case who == e.Initiator:
		return PartyInitiator, true
	case e.HasCounterparty() && who == e.Counterparty:
		return PartyCounterparty, true
	}
	return 0, false
}

// RatingReceived returns the rating given to side p by the other side.
func (e *Exchange) RatingReceived(p Party) Rating {
	return e.Ratings[p.Other()]
}

// Rated reports how many rating slots are filled.
func (e *Exchange) Rated() int {
	n := 0
	for _, r := range e.Ratings {
		if r != RatingNone {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to mutate independently.
func (e Exchange) Clone() Exchange {
	out := e
	if e.Stake != nil {
		out.Stake = new(uint256.Int).Set(e.Stake)
	}
	if e.RatingDeadline != nil {
		rd := *e.RatingDeadline
		out.RatingDeadline = &rd
	}
	for i := range e.KeyGrants {
		if e.KeyGrants[i] != nil {
			out.KeyGrants[i] = append([]byte(nil), e.KeyGrants[i]...)
		}
	}
	return out
}

// Validate checks the record-level invariants that must hold after every
// committed transition.
func (e *Exchange) Validate() error {
	if e.Stake == nil || e.Stake.IsZero() {
		return fmt.Errorf("exchange %d: stake must be positive", e.ID)
	}
	if e.Initiator == (common.Address{}) {
		return fmt.Errorf("exchange %d: missing initiator", e.ID)
	}
	if _, err := ParseExchangeStatus(string(e.Status)); err != nil {
		return fmt.Errorf("exchange %d: %w", e.ID, err)
	}
	if e.HasCounterparty() != e.Status.HasCounterparty() {
		return fmt.Errorf("exchange %d: counterparty presence does not match status %s", e.ID, e.Status)
	}
	if (e.CounterpartyContent != "") != e.Status.HasCounterparty() {
		return fmt.Errorf("exchange %d: counterparty content presence does not match status %s", e.ID, e.Status)
	}
	if (e.RatingDeadline != nil) != e.Status.HasRatingDeadline() {
		return fmt.Errorf("exchange %d: rating deadline presence does not match status %s", e.ID, e.Status)
	}
	for i, r := range e.Ratings {
		if r != RatingNone && !r.Valid() {
			return fmt.Errorf("exchange %d: rating slot %d out of range", e.ID, i)
		}
		if r != RatingNone && e.Status != ExchangeStatusAccepted && e.Status != ExchangeStatusCompleted {
			return fmt.Errorf("exchange %d: rating recorded in status %s", e.ID, e.Status)
		}
	}
	if e.Counterparty == e.Initiator {
		return fmt.Errorf("exchange %d: initiator cannot be its own counterparty", e.ID)
	}
	return nil
}

// ExchangeSummary is the public view of an exchange.
type ExchangeSummary struct {
	ID            int64          `json:"id"`
	Initiator     common.Address `json:"initiator"`
	Counterparty  common.Address `json:"counterparty"`
	Stake         *uint256.Int   `json:"stake"`
	CreatedAt     time.Time      `json:"created_at"`
	MatchDeadline time.Time      `json:"match_deadline"`
	Status        ExchangeStatus `json:"status"`
	Requirement   string         `json:"requirement"`
}

// ExchangeDetail carries descriptions and rating progress.
type ExchangeDetail struct {
	ID                      int64      `json:"id"`
	InitiatorDescription    string     `json:"initiator_description"`
	CounterpartyDescription string     `json:"counterparty_description"`
	Ratings                 [2]Rating  `json:"ratings"`
	RatingDeadline          *time.Time `json:"rating_deadline,omitempty"`
}

// ExchangeContent is the participant-only view of the opaque content blobs
// and the wrapped content keys.
type ExchangeContent struct {
	ID                   int64  `json:"id"`
	InitiatorContent     string `json:"initiator_content"`
	CounterpartyContent  string `json:"counterparty_content"`
	InitiatorKeyGrant    []byte `json:"initiator_key_grant,omitempty"`
	CounterpartyKeyGrant []byte `json:"counterparty_key_grant,omitempty"`
}

// Summary projects the public fields.
func (e *Exchange) Summary() ExchangeSummary {
	return ExchangeSummary{
		ID:            e.ID,
		Initiator:     e.Initiator,
		Counterparty:  e.Counterparty,
		Stake:         new(uint256.Int).Set(e.Stake),
		CreatedAt:     e.CreatedAt,
		MatchDeadline: e.MatchDeadline,
		Status:        e.Status,
		Requirement:   e.Requirement,
	}
}

// Detail projects descriptions and ratings.
func (e *Exchange) Detail() ExchangeDetail {
	d := ExchangeDetail{
		ID:                      e.ID,
		InitiatorDescription:    e.InitiatorDescription,
		CounterpartyDescription: e.CounterpartyDescription,
		Ratings:                 e.Ratings,
	}
	if e.RatingDeadline != nil {
		rd := *e.RatingDeadline
		d.RatingDeadline = &rd
	}
	return d
}

// Content projects the content blobs and key grants.
func (e *Exchange) Content() ExchangeContent {
	return ExchangeContent{
		ID:                   e.ID,
		InitiatorContent:     e.InitiatorContent,
		CounterpartyContent:  e.CounterpartyContent,
		InitiatorKeyGrant:    e.KeyGrants[PartyInitiator],
		CounterpartyKeyGrant: e.KeyGrants[PartyCounterparty],
	}
}
