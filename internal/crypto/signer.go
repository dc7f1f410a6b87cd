package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// signedMessagePrefix is the EIP-191 personal_sign prefix for a 32-byte
// payload.
var signedMessagePrefix = []byte("\x19Ethereum Signed Message:\n32")

// ErrBadSignature is returned when a request signature cannot be verified.
var ErrBadSignature = errors.New("crypto: bad signature")

// Signer signs API requests on behalf of one identity.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner wraps an identity key.
func NewSigner(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}
}

// NewSignerFromHex creates a Signer from a hex-encoded secp256k1 key.
func NewSignerFromHex(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSigner(pk), nil
}

// Address returns the identity address.
func (s *Signer) Address() common.Address { return s.address }

// PrivateKey exposes the key for envelope decryption.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey { return s.privateKey }

// PublicKey returns the uncompressed 65-byte public key.
func (s *Signer) PublicKey() []byte { return ethcrypto.FromECDSAPub(&s.privateKey.PublicKey) }

// SignRequest signs the request digest and returns a 0x-prefixed 65-byte
// signature with v in {27,28}.
func (s *Signer) SignRequest(method, path string, unixTS int64, body []byte) (string, error) {
	sig, err := ethcrypto.Sign(RequestDigest(method, path, unixTS, body), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RequestDigest is the value a request signature covers:
//
//	keccak256(prefix || keccak256(METHOD || "\n" || path || "\n" || ts || "\n" || keccak256(body)))
func RequestDigest(method, path string, unixTS int64, body []byte) []byte {
	inner := ethcrypto.Keccak256(
		concatBytes(
			[]byte(strings.ToUpper(method)), []byte("\n"),
			[]byte(path), []byte("\n"),
			[]byte(strconv.FormatInt(unixTS, 10)), []byte("\n"),
			ethcrypto.Keccak256(body),
		),
	)
	return ethcrypto.Keccak256(concatBytes(signedMessagePrefix, inner))
}

// VerifyRequest recovers the signer of a request and checks it matches the
// claimed address. It returns the recovered uncompressed public key.
func VerifyRequest(claimed common.Address, method, path string, unixTS int64, body []byte, sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrBadSignature)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: expected 65 bytes, got %d", ErrBadSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	r, sv := new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:64])
	if !ethcrypto.ValidateSignatureValues(sig[64], r, sv, true) {
		return nil, fmt.Errorf("%w: non-canonical signature values", ErrBadSignature)
	}
	pub, err := ethcrypto.SigToPub(RequestDigest(method, path, unixTS, body), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if ethcrypto.PubkeyToAddress(*pub) != claimed {
		return nil, fmt.Errorf("%w: signer does not match %s", ErrBadSignature, claimed.Hex())
	}
	return ethcrypto.FromECDSAPub(pub), nil
}

// RequestReplayKey identifies a signed request independently of how its
// signature is encoded: the same signer and digest give the same key.
func RequestReplayKey(signer common.Address, method, path string, unixTS int64, body []byte) string {
	return hex.EncodeToString(ethcrypto.Keccak256(signer.Bytes(), RequestDigest(method, path, unixTS, body)))
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
