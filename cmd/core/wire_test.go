package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-balance-ledger/pkg/config"
)

func TestSeedAccounts(t *testing.T) {
	t.Parallel()

	accounts, err := seedAccounts([]config.AccountSeed{
		{ID: 1, OwnerID: 10, Balance: "1000.00"},
		{ID: 2, OwnerID: 20, Balance: "0"},
	})
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, int64(10), accounts[0].OwnerID)
	assert.True(t, accounts[0].Balance.Equal(decimal.NewFromInt(1000)))

	_, err = seedAccounts([]config.AccountSeed{{ID: 3, Balance: "lots"}})
	assert.ErrorContains(t, err, "account 3")
}

func TestOpenStore_MemoryWithWAL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := &config.Config{
		Store: config.StoreConfig{
			Kind:        config.StoreMemory,
			LockTimeout: time.Second,
			WALPath:     filepath.Join(t.TempDir(), "wal.log"),
		},
		Accounts: []config.AccountSeed{{ID: 1, OwnerID: 1, Balance: "100.00"}},
	}

	store, err := openStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	engine := usecase.NewEngine(store)
	require.NoError(t, engine.Deposit(ctx, 1, decimal.RequireFromString("25.50")))
	require.NoError(t, store.Close())

	// 重新開啟後由 WAL 還原
	store, err = openStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	acc, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "125.5", acc.Balance.String())
}

func TestOpenStore_UnknownKind(t *testing.T) {
	t.Parallel()

	_, err := openStore(context.Background(), &config.Config{Store: config.StoreConfig{Kind: "sqlite"}}, zap.NewNop())
	assert.ErrorContains(t, err, "unknown store")
}

func TestOpenBroker_None(t *testing.T) {
	t.Parallel()

	b, err := openBroker(context.Background(), &config.Config{Broker: config.BrokerConfig{Kind: config.BrokerNone}}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, usecase.NopPublisher{}, b.publisher)
	assert.Nil(t, b.run)
	assert.NoError(t, b.close())
}

func TestOpenCache_Disabled(t *testing.T) {
	t.Parallel()

	cache, closeFn, err := openCache(context.Background(), &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, cache)
	assert.Nil(t, closeFn)
}
