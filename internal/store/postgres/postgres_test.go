package postgres

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/stakeswap?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "stakeswap"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "  postgres://x ", Host: "ignored"}))
}

func TestQueryBuilder_Window(t *testing.T) {
	since := time.Unix(100, 0)
	q := newQuery(`SELECT id FROM events WHERE exchange_id = $1`, int64(7))
	q.window("created_at", "id ASC", domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	assert.Equal(t,
		`SELECT id FROM events WHERE exchange_id = $1 AND created_at >= $2 ORDER BY id ASC LIMIT $3 OFFSET $4`,
		q.String())
	assert.Equal(t, []any{int64(7), since, 10, 20}, q.args)
}

func TestAddrBytesAndAmounts(t *testing.T) {
	assert.Nil(t, addrBytes(common.Address{}))
	a := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assert.Equal(t, a.Bytes(), addrBytes(a))

	v, err := parseAmount("1000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", v.Dec())

	_, err = parseAmount("-1")
	assert.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	body, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"exchanges", "commitments", "reputations", "balances", "escrows", "faucet_claims", "events", "identities"} {
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}
