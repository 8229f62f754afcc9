package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/sweatpool/sweatpool/catalog"
	"github.com/sweatpool/sweatpool/events"
	"github.com/sweatpool/sweatpool/ledger"
	"github.com/sweatpool/sweatpool/settlement"
	"github.com/sweatpool/sweatpool/settlement/mocks"
	"github.com/sweatpool/sweatpool/store"
	"github.com/sweatpool/sweatpool/types"
	"github.com/sweatpool/sweatpool/vault"
)

var expire = time.Unix(50_000, 0)

type env struct {
	store   *store.Store
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	events  *events.Log
}

func newEnv(t *testing.T) *env {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	c, err := catalog.New(s)
	require.NoError(t, err)
	return &env{store: s, catalog: c, ledger: ledger.New(), events: events.NewLog()}
}

func (e *env) engine(t *testing.T, payer settlement.Payer, policy settlement.ZeroWinnerPolicy) *settlement.Engine {
	engine, err := settlement.New(e.store, e.catalog, e.ledger, e.events, payer, settlement.WithZeroWinnerPolicy(policy))
	require.NoError(t, err)
	return engine
}

// challenge issues a distance challenge with n registered athletes (ids 1..n)
// of which the given ones succeeded.
func (e *env) challenge(t *testing.T, fee uint64, n int, succeeded ...uint64) types.Key {
	var key types.Key
	require.NoError(t, e.store.Update(context.Background(), func(tx store.Writer) error {
		challenge, err := e.catalog.Issue(tx, types.Challenge{
			Kind:       types.Distance,
			EntryFee:   fee,
			ExpireTime: uint64(expire.Unix()),
			Criterion:  types.DistanceCriterion(10_000),
			Activity:   types.Run,
		})
		if err != nil {
			return err
		}
		key = challenge.Key()
		for athlete := uint64(1); athlete <= uint64(n); athlete++ {
			address := fmt.Sprintf("athlete-%d", athlete)
			if _, err := e.ledger.Register(tx, challenge, expire.Add(-time.Hour), athlete, address, fee); err != nil {
				return err
			}
		}
		for _, athlete := range succeeded {
			if err := e.ledger.MarkSucceeded(tx, key, athlete); err != nil {
				return err
			}
		}
		return nil
	}))
	return key
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestSettleSplitsPool(t *testing.T) {
	t.Parallel()
	tcs := []struct {
		fee       uint64
		athletes  int
		succeeded []uint64
		reward    uint64
		remainder uint64
	}{
		{fee: 10, athletes: 3, succeeded: []uint64{1, 3}, reward: 15},
		{fee: 10, athletes: 3, succeeded: []uint64{2}, reward: 30},
		{fee: 7, athletes: 2, succeeded: []uint64{1, 2}, reward: 7},
		{fee: 5, athletes: 3, succeeded: []uint64{1, 2}, reward: 7, remainder: 1},
		{fee: 0, athletes: 2, succeeded: []uint64{1}, reward: 0},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(fmt.Sprintf("fee=%d,athletes=%d,winners=%d", tc.fee, tc.athletes, len(tc.succeeded)), func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			key := e.challenge(t, tc.fee, tc.athletes, tc.succeeded...)
			payer := mocks.NewMockPayer(gomock.NewController(t))
			for _, athlete := range tc.succeeded {
				payer.EXPECT().
					Transfer(gomock.Any(), vault.EscrowAccount(key), fmt.Sprintf("athlete-%d", athlete), tc.reward).
					Return(nil)
			}

			rec, evs, err := e.engine(t, payer, settlement.Abort).Settle(context.Background(), key, expire)
			require.NoError(t, err)
			require.Equal(t, tc.fee*uint64(tc.athletes), rec.TotalFunds)
			require.Equal(t, tc.reward, rec.Reward)
			require.Equal(t, tc.remainder, rec.Remainder)
			require.Equal(t, uint32(len(tc.succeeded)), rec.Winners)
			require.True(t, rec.Completed)
			require.NotEmpty(t, rec.WinnersRoot)

			require.Len(t, evs, len(tc.succeeded)+1)
			for i, athlete := range tc.succeeded {
				require.Equal(t, events.PayoutSent, evs[i].Type)
				require.Equal(t, athlete, evs[i].AthleteID)
				require.Equal(t, tc.reward, evs[i].Amount)
			}
			require.Equal(t, events.ChallengeSettled, evs[len(evs)-1].Type)

			winners, err := e.ledger.Winners(e.store.Reader(), key)
			require.NoError(t, err)
			for _, w := range winners {
				require.True(t, w.Rewarded)
			}
		})
	}
}

func TestSettlePreconditions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	key := e.challenge(t, 10, 2, 1)
	payer := mocks.NewMockPayer(gomock.NewController(t))
	engine := e.engine(t, payer, settlement.Abort)

	t.Run("not found", func(t *testing.T) {
		_, _, err := engine.Settle(context.Background(), types.Key{Kind: types.Segment, ID: 0}, expire)
		require.ErrorIs(t, err, types.ErrNotFound)
	})
	t.Run("not yet expired", func(t *testing.T) {
		_, _, err := engine.Settle(context.Background(), key, expire.Add(-time.Second))
		require.ErrorIs(t, err, types.ErrNotYetExpired)

		settled, err := e.ledger.Settled(e.store.Reader(), key)
		require.NoError(t, err)
		require.False(t, settled)
	})
	t.Run("far future expiry", func(t *testing.T) {
		var farKey types.Key
		require.NoError(t, e.store.Update(context.Background(), func(tx store.Writer) error {
			challenge, err := e.catalog.Issue(tx, types.Challenge{
				Kind:       types.Distance,
				EntryFee:   10,
				ExpireTime: math.MaxUint64,
				Criterion:  types.DistanceCriterion(10_000),
				Activity:   types.Run,
			})
			if err != nil {
				return err
			}
			farKey = challenge.Key()
			return nil
		}))
		_, _, err := engine.Settle(context.Background(), farKey, time.Unix(1_700_000_000, 0))
		require.ErrorIs(t, err, types.ErrNotYetExpired)
	})
	t.Run("settles at expiry", func(t *testing.T) {
		payer.EXPECT().Transfer(gomock.Any(), vault.EscrowAccount(key), "athlete-1", uint64(20)).Return(nil)
		_, _, err := engine.Settle(context.Background(), key, expire)
		require.NoError(t, err)
	})
	t.Run("already settled", func(t *testing.T) {
		_, _, err := engine.Settle(context.Background(), key, expire.Add(time.Hour))
		require.ErrorIs(t, err, types.ErrAlreadySettled)
	})
}

func TestSettleWithoutWinners(t *testing.T) {
	t.Parallel()
	t.Run("abort", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		key := e.challenge(t, 10, 2)
		engine := e.engine(t, mocks.NewMockPayer(gomock.NewController(t)), settlement.Abort)

		_, evs, err := engine.Settle(context.Background(), key, expire)
		require.ErrorIs(t, err, types.ErrNoSuccessfulAthletes)
		require.Empty(t, evs)

		settled, err := e.ledger.Settled(e.store.Reader(), key)
		require.NoError(t, err)
		require.False(t, settled)
		_, err = engine.Settlement(e.store.Reader(), key)
		require.ErrorIs(t, err, types.ErrNotFound)

		// a later success makes the challenge settleable
		require.NoError(t, e.store.Update(context.Background(), func(tx store.Writer) error {
			return e.ledger.MarkSucceeded(tx, key, 2)
		}))
		payer := mocks.NewMockPayer(gomock.NewController(t))
		payer.EXPECT().Transfer(gomock.Any(), vault.EscrowAccount(key), "athlete-2", uint64(20)).Return(nil)
		_, _, err = e.engine(t, payer, settlement.Abort).Settle(context.Background(), key, expire)
		require.NoError(t, err)
	})
	t.Run("retain", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		key := e.challenge(t, 10, 2)
		engine := e.engine(t, mocks.NewMockPayer(gomock.NewController(t)), settlement.Retain)

		rec, evs, err := engine.Settle(context.Background(), key, expire)
		require.NoError(t, err)
		require.True(t, rec.Completed)
		require.Zero(t, rec.Winners)
		require.Zero(t, rec.Reward)
		require.Equal(t, uint64(20), rec.Remainder)
		require.Nil(t, rec.WinnersRoot)
		require.Equal(t, []events.Type{events.ChallengeSettled}, eventTypes(evs))

		_, _, err = engine.Settle(context.Background(), key, expire)
		require.ErrorIs(t, err, types.ErrAlreadySettled)
	})
}

func TestSettleResumesAfterFailedTransfer(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	key := e.challenge(t, 10, 4, 1, 2, 4)
	escrow := vault.EscrowAccount(key)
	ctrl := gomock.NewController(t)
	payer := mocks.NewMockPayer(ctrl)
	engine := e.engine(t, payer, settlement.Abort)

	gomock.InOrder(
		payer.EXPECT().Transfer(gomock.Any(), escrow, "athlete-1", uint64(13)).Return(nil),
		payer.EXPECT().Transfer(gomock.Any(), escrow, "athlete-2", uint64(13)).Return(errors.New("vault offline")),
	)
	rec, evs, err := engine.Settle(context.Background(), key, expire)
	require.ErrorIs(t, err, types.ErrTransferFailed)
	require.False(t, rec.Completed)
	require.Equal(t, []events.Type{events.PayoutSent}, eventTypes(evs))

	settled, err := e.ledger.Settled(e.store.Reader(), key)
	require.NoError(t, err)
	require.True(t, settled, "settled flag stays set after a failed payout")
	challenge, err := e.catalog.Challenge(key)
	require.NoError(t, err)
	status, err := engine.Status(e.store.Reader(), challenge, expire)
	require.NoError(t, err)
	require.Equal(t, types.StatusSettling, status)

	// success attestations are rejected once settled
	require.ErrorIs(t, e.store.Update(context.Background(), func(tx store.Writer) error {
		return e.ledger.MarkSucceeded(tx, key, 3)
	}), types.ErrAlreadySettled)

	gomock.InOrder(
		payer.EXPECT().Transfer(gomock.Any(), escrow, "athlete-2", uint64(13)).Return(nil),
		payer.EXPECT().Transfer(gomock.Any(), escrow, "athlete-4", uint64(13)).Return(nil),
	)
	rec, evs, err = engine.Settle(context.Background(), key, expire.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, rec.Completed)
	require.Equal(t, uint64(1), rec.Remainder)
	require.Equal(t, []events.Type{events.PayoutSent, events.PayoutSent, events.ChallengeSettled}, eventTypes(evs))

	status, err = engine.Status(e.store.Reader(), challenge, expire)
	require.NoError(t, err)
	require.Equal(t, types.StatusSettled, status)

	_, _, err = engine.Settle(context.Background(), key, expire.Add(time.Minute))
	require.ErrorIs(t, err, types.ErrAlreadySettled)
}

func TestSettleMovesEscrowFunds(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	key := e.challenge(t, 10, 3, 1, 3)
	ctx := context.Background()

	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, v.Close()) })
	_, err = v.Deposit(ctx, "sponsor", 30)
	require.NoError(t, err)
	require.NoError(t, v.Transfer(ctx, "sponsor", vault.EscrowAccount(key), 30))

	_, _, err = e.engine(t, v, settlement.Abort).Settle(ctx, key, expire)
	require.NoError(t, err)

	for address, want := range map[string]uint64{
		"athlete-1":              15,
		"athlete-2":              0,
		"athlete-3":              15,
		vault.EscrowAccount(key): 0,
	} {
		balance, err := v.Balance(address)
		require.NoError(t, err)
		require.Equal(t, want, balance, address)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	key := e.challenge(t, 10, 1, 1)
	payer := mocks.NewMockPayer(gomock.NewController(t))
	payer.EXPECT().Transfer(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	engine := e.engine(t, payer, settlement.Abort)
	challenge, err := e.catalog.Challenge(key)
	require.NoError(t, err)

	for now, want := range map[time.Time]types.Status{
		expire.Add(-time.Second): types.StatusOpen,
		expire:                   types.StatusExpired,
	} {
		status, err := engine.Status(e.store.Reader(), challenge, now)
		require.NoError(t, err)
		require.Equal(t, want, status, now)
	}

	total, err := engine.TotalFunds(e.store.Reader(), challenge)
	require.NoError(t, err)
	require.Equal(t, uint64(10), total)

	_, _, err = engine.Settle(context.Background(), key, expire)
	require.NoError(t, err)
	status, err := engine.Status(e.store.Reader(), challenge, expire)
	require.NoError(t, err)
	require.Equal(t, types.StatusSettled, status)
}

func TestWinnersRootDependsOnWinners(t *testing.T) {
	t.Parallel()
	a := types.Registration{AthleteID: 1, PayoutAddress: "a"}
	b := types.Registration{AthleteID: 2, PayoutAddress: "b"}

	root, err := settlement.WinnersRoot([]types.Registration{a, b})
	require.NoError(t, err)
	require.Len(t, root, 32)

	swapped, err := settlement.WinnersRoot([]types.Registration{b, a})
	require.NoError(t, err)
	require.NotEqual(t, root, swapped)

	b.PayoutAddress = "c"
	changed, err := settlement.WinnersRoot([]types.Registration{a, b})
	require.NoError(t, err)
	require.NotEqual(t, root, changed)

	empty, err := settlement.WinnersRoot(nil)
	require.NoError(t, err)
	require.Nil(t, empty)
}

func TestZeroWinnerPolicyFlag(t *testing.T) {
	t.Parallel()
	var policy settlement.ZeroWinnerPolicy
	require.NoError(t, policy.UnmarshalFlag("retain"))
	require.Equal(t, settlement.Retain, policy)
	require.Error(t, policy.UnmarshalFlag("refund"))
	require.Equal(t, settlement.Retain, policy)
}
