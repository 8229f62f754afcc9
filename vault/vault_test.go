package vault_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sweatpool/sweatpool/types"
	"github.com/sweatpool/sweatpool/vault"
)

func openVault(t *testing.T) *vault.Vault {
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault", "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, v.Close()) })
	return v
}

func sum(t *testing.T, v *vault.Vault) uint64 {
	accounts, err := v.Accounts()
	require.NoError(t, err)
	var total uint64
	for _, balance := range accounts {
		total += balance
	}
	return total
}

func TestDepositAndTransfer(t *testing.T) {
	t.Parallel()
	v := openVault(t)
	ctx := context.Background()

	balance, err := v.Deposit(ctx, "alice", 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), balance)

	escrow := vault.EscrowAccount(types.Key{Kind: types.Segment, ID: 1})
	require.NoError(t, v.Transfer(ctx, "alice", escrow, 30))
	require.NoError(t, v.Transfer(ctx, escrow, "bob", 20))

	for address, want := range map[string]uint64{"alice": 70, escrow: 10, "bob": 20, "carol": 0} {
		got, err := v.Balance(address)
		require.NoError(t, err)
		require.Equal(t, want, got, address)
	}

	supply, err := v.Supply()
	require.NoError(t, err)
	require.Equal(t, uint64(100), supply)
	require.Equal(t, supply, sum(t, v))
}

func TestTransferInsufficientFunds(t *testing.T) {
	t.Parallel()
	v := openVault(t)
	ctx := context.Background()

	_, err := v.Deposit(ctx, "alice", 5)
	require.NoError(t, err)
	require.ErrorIs(t, v.Transfer(ctx, "alice", "bob", 6), types.ErrInsufficientFunds)

	balance, err := v.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(5), balance)
	balance, err = v.Balance("bob")
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestTransferToSelfKeepsBalance(t *testing.T) {
	t.Parallel()
	v := openVault(t)
	ctx := context.Background()

	_, err := v.Deposit(ctx, "alice", 5)
	require.NoError(t, err)
	require.NoError(t, v.Transfer(ctx, "alice", "alice", 5))
	balance, err := v.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(5), balance)
}

func TestDepositRejectsEscrowAndOverflow(t *testing.T) {
	t.Parallel()
	v := openVault(t)
	ctx := context.Background()

	_, err := v.Deposit(ctx, vault.EscrowAccount(types.Key{}), 1)
	require.ErrorIs(t, err, vault.ErrEscrowAccount)

	_, err = v.Deposit(ctx, "", 1)
	require.ErrorIs(t, err, types.ErrInvalidAddress)

	_, err = v.Deposit(ctx, "alice", math.MaxUint64)
	require.NoError(t, err)
	_, err = v.Deposit(ctx, "bob", 1)
	require.ErrorIs(t, err, types.ErrOverflow)
}

func TestReopenKeepsBalances(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "vault.db")
	v, err := vault.Open(path)
	require.NoError(t, err)
	_, err = v.Deposit(context.Background(), "alice", 42)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v, err = vault.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, v.Close()) })
	balance, err := v.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(42), balance)
}
