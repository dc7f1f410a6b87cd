package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeswap/internal/crypto"
)

// run executes the CLI with args and returns its trimmed stdout.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run(append([]string{"stakeswapctl"}, args...)))
	return strings.TrimSpace(out.String())
}

func TestKeyNewAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.json")

	addr := run(t, "--password", "hunter2", "key", "new", "--out", path)
	assert.True(t, strings.HasPrefix(addr, "0x"))

	shown := run(t, "--key-file", path, "--password", "hunter2", "key", "show")
	assert.Contains(t, shown, addr)
}

func TestSecretHashMatchesCommitment(t *testing.T) {
	secretHex := run(t, "secret", "new")
	secret, err := crypto.ParseSecret(secretHex)
	require.NoError(t, err)

	committer := "0x00000000000000000000000000000000000000aa"
	got := run(t, "secret", "hash", "7", committer, secretHex)

	want := crypto.CommitmentHash(7, mustAddress(t, committer), secret)
	assert.Equal(t, want.Hex(), got)
}

func TestContentSealOpenWrap(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "plain.txt")
	sealed := filepath.Join(dir, "sealed.bin")
	opened := filepath.Join(dir, "opened.txt")
	require.NoError(t, os.WriteFile(in, []byte("model weights"), 0o600))

	key := run(t, "content", "seal", "--in", in, "--out", sealed)
	run(t, "content", "open", "--in", sealed, "--out", opened, "--key", key)

	got, err := os.ReadFile(opened)
	require.NoError(t, err)
	assert.Equal(t, "model weights", string(got))

	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := crypto.NewSigner(pk)
	wrapped := run(t, "content", "wrap", key, hexutil.Encode(s.PublicKey()))
	unwrapped := run(t, "--private-key", hexutil.Encode(ethcrypto.FromECDSA(pk)), "content", "unwrap", wrapped)
	assert.Equal(t, key, unwrapped)
}

func TestParseID(t *testing.T) {
	_, err := parseID("0")
	assert.Error(t, err)
	_, err = parseID("abc")
	assert.Error(t, err)
	id, err := parseID("12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
}

func mustAddress(t *testing.T, s string) common.Address {
	t.Helper()
	addr, err := parseAddress(s)
	require.NoError(t, err)
	return addr
}
