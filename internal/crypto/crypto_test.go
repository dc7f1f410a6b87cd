package crypto

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitmentHashMatchesPackedEncoding(t *testing.T) {
	committer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	var secret Secret
	secret[31] = 0x07

	packed := make([]byte, 0, 84)
	id := make([]byte, 32)
	id[31] = 42
	packed = append(packed, id...)
	packed = append(packed, committer.Bytes()...)
	packed = append(packed, secret[:]...)

	require.Equal(t, ethcrypto.Keccak256Hash(packed), CommitmentHash(42, committer, secret))
}

func TestCommitmentHashBindsEveryInput(t *testing.T) {
	a := common.HexToAddress("0x1000000000000000000000000000000000000001")
	b := common.HexToAddress("0x2000000000000000000000000000000000000002")
	s1, err := NewSecret()
	require.NoError(t, err)
	s2, err := NewSecret()
	require.NoError(t, err)

	base := CommitmentHash(1, a, s1)
	assert.Equal(t, base, CommitmentHash(1, a, s1))
	assert.NotEqual(t, base, CommitmentHash(2, a, s1))
	assert.NotEqual(t, base, CommitmentHash(1, b, s1))
	assert.NotEqual(t, base, CommitmentHash(1, a, s2))
}

func TestParseSecret(t *testing.T) {
	s, err := NewSecret()
	require.NoError(t, err)

	parsed, err := ParseSecret(s.Hex())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)

	_, err = ParseSecret("0x1234")
	assert.Error(t, err)
	_, err = ParseSecret("zz")
	assert.Error(t, err)
}

func TestVerifyRequestRejectsHighS(t *testing.T) {
	pk, err := GenerateKey()
	require.NoError(t, err)
	s := NewSigner(pk)

	sigHex, err := s.SignRequest("POST", "/api/exchanges", 1700000000, nil)
	require.NoError(t, err)
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)

	// (r, N-s, v^1) recovers the same key.
	n := ethcrypto.S256().Params().N
	highS := new(big.Int).Sub(n, new(big.Int).SetBytes(sig[32:64]))
	flipped := append([]byte(nil), sig...)
	highS.FillBytes(flipped[32:64])
	flipped[64] ^= 1

	_, err = VerifyRequest(s.Address(), "POST", "/api/exchanges", 1700000000, nil, hex.EncodeToString(flipped))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestRequestReplayKey(t *testing.T) {
	a := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	b := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	body := []byte(`{"stake":"1"}`)

	k := RequestReplayKey(a, "POST", "/api/exchanges", 1, body)
	assert.Equal(t, k, RequestReplayKey(a, "post", "/api/exchanges", 1, body))
	assert.NotEqual(t, k, RequestReplayKey(b, "POST", "/api/exchanges", 1, body))
	assert.NotEqual(t, k, RequestReplayKey(a, "POST", "/api/exchanges", 2, body))
}

func TestSignAndVerifyRequest(t *testing.T) {
	pk, err := GenerateKey()
	require.NoError(t, err)
	s := NewSigner(pk)
	body := []byte(`{"rating":5}`)

	sig, err := s.SignRequest("POST", "/api/exchanges/1/rate", 1700000000, body)
	require.NoError(t, err)

	pub, err := VerifyRequest(s.Address(), "post", "/api/exchanges/1/rate", 1700000000, body, sig)
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), pub)

	t.Run("tampered body", func(t *testing.T) {
		_, err := VerifyRequest(s.Address(), "POST", "/api/exchanges/1/rate", 1700000000, []byte(`{"rating":1}`), sig)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("other path", func(t *testing.T) {
		_, err := VerifyRequest(s.Address(), "POST", "/api/exchanges/2/rate", 1700000000, body, sig)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("other timestamp", func(t *testing.T) {
		_, err := VerifyRequest(s.Address(), "POST", "/api/exchanges/1/rate", 1700000001, body, sig)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("claimed address differs", func(t *testing.T) {
		other := common.HexToAddress("0x3000000000000000000000000000000000000003")
		_, err := VerifyRequest(other, "POST", "/api/exchanges/1/rate", 1700000000, body, sig)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := VerifyRequest(s.Address(), "POST", "/", 1, nil, "0xdead")
		assert.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestKeystoreRoundTrip(t *testing.T) {
	pk, err := GenerateKey()
	require.NoError(t, err)

	blob, err := EncryptKey(pk, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.FromECDSA(pk), ethcrypto.FromECDSA(got))

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)

	_, err = EncryptKey(pk, "")
	assert.Error(t, err)
}

func TestLoadKeyRaw(t *testing.T) {
	pk, err := GenerateKey()
	require.NoError(t, err)
	raw := "0x" + common.Bytes2Hex(ethcrypto.FromECDSA(pk))

	got, err := LoadKey(KeyConfig{RawPrivateKey: raw})
	require.NoError(t, err)
	assert.Equal(t, pk.D, got.D)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	plaintext := []byte("https://example.org/private/resource")

	env, key, err := SealContent(plaintext)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(env, plaintext))

	got, err := OpenContent(env, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	otherKey := bytes.Repeat([]byte{1}, 32)
	_, err = OpenContent(env, otherKey)
	assert.ErrorIs(t, err, ErrEnvelope)

	env[len(env)-1] ^= 0xff
	_, err = OpenContent(env, key)
	assert.ErrorIs(t, err, ErrEnvelope)
}

func TestWrapKeyOnlyRecipientCanUnwrap(t *testing.T) {
	recipient, err := GenerateKey()
	require.NoError(t, err)
	outsider, err := GenerateKey()
	require.NoError(t, err)

	_, key, err := SealContent([]byte("x"))
	require.NoError(t, err)

	wrapped, err := WrapKey(key, NewSigner(recipient).PublicKey())
	require.NoError(t, err)

	got, err := UnwrapKey(wrapped, recipient)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = UnwrapKey(wrapped, outsider)
	assert.Error(t, err)
}
