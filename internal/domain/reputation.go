package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Reputation is an identity's accumulated settlement score. A zero
// LastUpdated means the identity has never been rated.
type Reputation struct {
	Identity    common.Address `json:"identity"`
	Score       int64          `json:"score"`
	LastUpdated time.Time      `json:"last_updated"`
}
