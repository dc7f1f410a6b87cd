package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SecretLength is the fixed width of a reveal secret.
const SecretLength = 32

// Commitment binds a prospective counterparty to an exchange before its
// content is revealed. At most one exists per exchange.
type Commitment struct {
	ExchangeID int64
	Hash       common.Hash
	Committer  common.Address
	CreatedAt  time.Time
}
