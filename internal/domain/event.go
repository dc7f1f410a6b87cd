package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a recorded state transition or settlement effect.
type EventType string

const (
	EventExchangeCreated    EventType = "exchange_created"
	EventCommitmentRecorded EventType = "commitment_recorded"
	EventExchangeMatched    EventType = "exchange_matched"
	EventExchangeAccepted   EventType = "exchange_accepted"
	EventExchangeDeclined   EventType = "exchange_declined"
	EventExchangeRated      EventType = "exchange_rated"
	EventExchangeExpired    EventType = "exchange_expired"
	EventExchangeCompleted  EventType = "exchange_completed"
	EventReputationChanged  EventType = "reputation_changed"
	EventStakeReleased      EventType = "stake_released"
	EventStakeForfeited     EventType = "stake_forfeited"
	EventContentKeyGranted  EventType = "content_key_granted"
	EventFaucetClaimed      EventType = "faucet_claimed"
)

// Event is an append-only history entry. ExchangeID is zero for events not
// tied to an exchange (faucet claims).
type Event struct {
	ID         int64          `json:"id"`
	ExchangeID int64          `json:"exchange_id,omitempty"`
	Type       EventType      `json:"type"`
	Actor      common.Address `json:"actor"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Identity is a signer seen by the API together with its public key.
type Identity struct {
	Address   common.Address `json:"address"`
	PublicKey []byte         `json:"public_key"` // uncompressed secp256k1
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
}
