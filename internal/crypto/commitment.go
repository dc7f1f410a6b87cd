package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// Secret is the random value a counterparty commits to before revealing.
type Secret [domain.SecretLength]byte

// NewSecret draws a secret from crypto/rand.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("crypto: generating secret: %w", err)
	}
	return s, nil
}

// ParseSecret decodes a 0x-prefixed or bare hex secret.
func ParseSecret(h string) (Secret, error) {
	var s Secret
	b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return s, fmt.Errorf("crypto: secret is not hex: %w", err)
	}
	if len(b) != len(s) {
		return s, fmt.Errorf("crypto: secret must be %d bytes, got %d", len(s), len(b))
	}
	copy(s[:], b)
	return s, nil
}

// Hex returns the 0x-prefixed encoding.
func (s Secret) Hex() string { return "0x" + hex.EncodeToString(s[:]) }

// CommitmentHash binds an exchange id, the committer's identity and a secret:
//
//	keccak256(uint256(exchangeID) || address(committer) || bytes32(secret))
//
// which equals keccak256(abi.encodePacked(id, committer, secret)).
func CommitmentHash(exchangeID int64, committer common.Address, secret Secret) common.Hash {
	id := uint256.NewInt(uint64(exchangeID)).Bytes32()
	return ethcrypto.Keccak256Hash(concatBytes(id[:], committer.Bytes(), secret[:]))
}
