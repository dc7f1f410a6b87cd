package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// Content envelope layout: version(1) || nonce(12) || AES-256-GCM ciphertext.
// Every exchange's content gets its own random key; the key reaches the
// other participant only wrapped to their public key with ECIES.
const (
	envelopeVersion = 0x01
	contentKeyLen   = 32
)

var ErrEnvelope = errors.New("crypto: malformed envelope")

// SealContent encrypts plaintext under a fresh content key and returns the
// envelope and the key.
func SealContent(plaintext []byte) (envelope, key []byte, err error) {
	key = make([]byte, contentKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("crypto: generating content key: %w", err)
	}
	envelope, err = SealContentWithKey(plaintext, key)
	if err != nil {
		return nil, nil, err
	}
	return envelope, key, nil
}

// SealContentWithKey encrypts plaintext under an existing content key.
func SealContentWithKey(plaintext, key []byte) ([]byte, error) {
	gcm, err := contentGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, envelopeVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, []byte{envelopeVersion}), nil
}

// OpenContent decrypts an envelope produced by SealContent.
func OpenContent(envelope, key []byte) ([]byte, error) {
	gcm, err := contentGCM(key)
	if err != nil {
		return nil, err
	}
	if len(envelope) < 1+gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrEnvelope)
	}
	if envelope[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrEnvelope, envelope[0])
	}
	nonce := envelope[1 : 1+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, envelope[1+gcm.NonceSize():], []byte{envelopeVersion})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	return plaintext, nil
}

// WrapKey encrypts a content key to the recipient's uncompressed secp256k1
// public key.
func WrapKey(key, recipientPub []byte) ([]byte, error) {
	pub, err := ethcrypto.UnmarshalPubkey(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: recipient public key: %w", err)
	}
	wrapped, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), key, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrapping content key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey recovers a content key wrapped by WrapKey.
func UnwrapKey(wrapped []byte, pk *ecdsa.PrivateKey) ([]byte, error) {
	key, err := ecies.ImportECDSA(pk).Decrypt(wrapped, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrapping content key: %w", err)
	}
	if len(key) != contentKeyLen {
		return nil, fmt.Errorf("crypto: unwrapped key has %d bytes", len(key))
	}
	return key, nil
}

func contentGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != contentKeyLen {
		return nil, fmt.Errorf("crypto: content key must be %d bytes", contentKeyLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// IsEnvelope reports whether data has the shape of a sealed envelope. It
// does not authenticate the ciphertext.
func IsEnvelope(data []byte) bool {
	return len(data) >= 1+12+16 && data[0] == envelopeVersion
}
