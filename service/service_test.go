package service_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sweatpool/sweatpool/events"
	"github.com/sweatpool/sweatpool/logging"
	"github.com/sweatpool/sweatpool/service"
	"github.com/sweatpool/sweatpool/service/mocks"
	"github.com/sweatpool/sweatpool/settlement"
	"github.com/sweatpool/sweatpool/signing"
	"github.com/sweatpool/sweatpool/types"
	"github.com/sweatpool/sweatpool/vault"
)

var deadline = time.Unix(1_700_000_000, 0)

// clock is a settable clock backed by a MockClock.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *clock) get() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fixture struct {
	svc   *service.Service
	vault *vault.Vault
	clock *clock
	key   ed25519.PrivateKey
}

func newFixture(t *testing.T, cfg service.Config) *fixture {
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, v.Close()) })

	c := &clock{now: deadline.Add(-time.Hour)}
	mockClock := mocks.NewMockClock(gomock.NewController(t))
	mockClock.EXPECT().Now().DoAndReturn(c.get).AnyTimes()

	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	svc, err := service.New(ctx, t.TempDir(), v,
		service.WithConfig(cfg),
		service.WithClock(mockClock),
		service.WithPrivateKey(key),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, svc.Close()) })
	return &fixture{svc: svc, vault: v, clock: c, key: key}
}

func (f *fixture) fund(t *testing.T, address string, amount uint64) {
	_, err := f.svc.Deposit(context.Background(), address, amount)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, address string) uint64 {
	balance, err := f.svc.Balance(address)
	require.NoError(t, err)
	return balance
}

func attest(t *testing.T, key ed25519.PrivateKey, att types.Attestation) []byte {
	signature, err := signing.Attest(att, key)
	require.NoError(t, err)
	return signature
}

func collect(ch <-chan events.Event, n int) []events.Event {
	evs := make([]events.Event, 0, n)
	for len(evs) < n {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
		case <-time.After(time.Second):
			return evs
		}
	}
	return evs
}

func TestDistanceChallengeEndToEnd(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, service.DefaultConfig())
	evCh, unsubscribe := f.svc.Subscribe()
	defer unsubscribe()

	challenge, err := f.svc.IssueDistanceChallenge(ctx, service.ChallengeParams{
		EntryFee:   100,
		ExpireTime: uint64(deadline.Unix()),
		Activity:   types.Run,
	}, 5000)
	req.NoError(err)
	key := challenge.Key()
	req.Equal(types.Key{Kind: types.Distance, ID: 0}, key)
	req.EqualValues(f.svc.PublicKey(), challenge.Oracle)

	f.fund(t, "alice", 100)
	f.fund(t, "bob", 100)
	_, err = f.svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 1, PayoutAddress: "alice", Paid: 100})
	req.NoError(err)
	_, err = f.svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 2, PayoutAddress: "bob", Paid: 100})
	req.NoError(err)
	req.Equal(uint64(200), f.balance(t, vault.EscrowAccount(key)))

	req.NoError(f.svc.SetAthleteSucceeded(ctx, key, 1, attest(t, f.key, types.SucceededAttestation(key, 1))))

	_, err = f.svc.SettleChallenge(ctx, key, attest(t, f.key, types.SettleAttestation(key)))
	req.ErrorIs(err, types.ErrNotYetExpired)

	f.clock.set(deadline.Add(time.Second))
	rec, err := f.svc.SettleChallenge(ctx, key, attest(t, f.key, types.SettleAttestation(key)))
	req.NoError(err)
	req.Equal(uint64(200), rec.Reward)
	req.Equal(uint64(200), f.balance(t, "alice"))
	req.Zero(f.balance(t, "bob"))
	req.Zero(f.balance(t, vault.EscrowAccount(key)))

	settled, err := f.svc.Settled(key)
	req.NoError(err)
	req.True(settled)

	_, err = f.svc.SettleChallenge(ctx, key, attest(t, f.key, types.SettleAttestation(key)))
	req.ErrorIs(err, types.ErrAlreadySettled)

	want := []events.Type{
		events.ChallengeIssued,
		events.ChallengeJoined,
		events.ChallengeJoined,
		events.AthleteSucceeded,
		events.PayoutSent,
		events.ChallengeSettled,
	}
	live := collect(evCh, len(want))
	logged, err := f.svc.Events(0, 0)
	req.NoError(err)
	req.Equal(logged, live)
	for i, ev := range logged {
		req.Equal(want[i], ev.Type)
		req.Equal(uint64(i+1), ev.Seq)
	}

	info, err := f.svc.ChallengeInfo(key)
	req.NoError(err)
	req.Equal(types.StatusSettled, info.Status)
	req.True(info.Settled)
	req.Equal(uint64(2), info.Registered)
	req.Equal(uint64(200), info.TotalFunds)
	req.Zero(info.Escrow)
}

func TestJoinChallenge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, service.DefaultConfig())
	challenge, err := f.svc.IssueSegmentChallenge(ctx, service.ChallengeParams{
		EntryFee:   10,
		ExpireTime: uint64(deadline.Unix()),
		Activity:   types.Ride,
	}, 77, 3*time.Minute)
	require.NoError(t, err)
	key := challenge.Key()
	f.fund(t, "alice", 100)

	t.Run("not found", func(t *testing.T) {
		_, err := f.svc.JoinChallenge(ctx, types.Key{Kind: types.Segment, ID: 9}, service.JoinRequest{
			AthleteID: 1, PayoutAddress: "alice", Paid: 10,
		})
		require.ErrorIs(t, err, types.ErrNotFound)
	})
	t.Run("insufficient payment", func(t *testing.T) {
		_, err := f.svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 1, PayoutAddress: "alice", Paid: 9})
		require.ErrorIs(t, err, types.ErrInsufficientPayment)
		require.Equal(t, uint64(100), f.balance(t, "alice"))
	})
	t.Run("insufficient funds", func(t *testing.T) {
		_, err := f.svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 2, PayoutAddress: "bob", Paid: 10})
		require.ErrorIs(t, err, types.ErrInsufficientFunds)
		require.Equal(t, uint64(100), f.balance(t, "alice"))
		registered, err := f.svc.IsRegistered(key, 2)
		require.NoError(t, err)
		require.False(t, registered)
	})
	t.Run("escrow address", func(t *testing.T) {
		_, err := f.svc.JoinChallenge(ctx, key, service.JoinRequest{
			AthleteID: 3, PayoutAddress: vault.EscrowAccount(key), Paid: 10,
		})
		require.ErrorIs(t, err, types.ErrInvalidAddress)
	})
	t.Run("overpayment is kept", func(t *testing.T) {
		reg, err := f.svc.JoinChallenge(ctx, key, service.JoinRequest{
			AthleteID: 1, PayoutAddress: "alice", Paid: 15,
		})
		require.NoError(t, err)
		require.Equal(t, uint64(15), reg.Paid)
		require.Equal(t, uint64(85), f.balance(t, "alice"))
		require.Equal(t, uint64(15), f.balance(t, vault.EscrowAccount(key)))

		address, err := f.svc.PayoutAddressOf(key, 1)
		require.NoError(t, err)
		require.Equal(t, "alice", address)
		total, err := f.svc.TotalFunds(key)
		require.NoError(t, err)
		require.Equal(t, uint64(10), total)
	})
	t.Run("twice", func(t *testing.T) {
		_, err := f.svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 1, PayoutAddress: "alice", Paid: 10})
		require.ErrorIs(t, err, types.ErrAlreadyRegistered)
		require.Equal(t, uint64(85), f.balance(t, "alice"))
	})
	t.Run("expired", func(t *testing.T) {
		f.clock.set(deadline)
		defer f.clock.set(deadline.Add(-time.Hour))
		_, err := f.svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 4, PayoutAddress: "alice", Paid: 1})
		require.ErrorIs(t, err, types.ErrChallengeExpired)
	})
}

func TestJoinChallengeCollectsBeforeCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	funds := mocks.NewMockFunds(gomock.NewController(t))
	svc, err := service.New(ctx, t.TempDir(), funds)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, svc.Close()) })

	challenge, err := svc.IssueDistanceChallenge(ctx, service.ChallengeParams{
		EntryFee:   10,
		ExpireTime: uint64(time.Now().Add(time.Hour).Unix()),
		Activity:   types.Swim,
	}, 1500)
	require.NoError(t, err)
	key := challenge.Key()

	funds.EXPECT().
		Transfer(gomock.Any(), "alice", vault.EscrowAccount(key), uint64(10)).
		Return(errors.New("vault unavailable"))
	_, err = svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 1, PayoutAddress: "alice", Paid: 10})
	require.ErrorContains(t, err, "vault unavailable")

	count, err := svc.RegisteredCount(key)
	require.NoError(t, err)
	require.Zero(t, count)
	evs, err := svc.Events(0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1, "only the issuance is logged")

	funds.EXPECT().Transfer(gomock.Any(), "alice", vault.EscrowAccount(key), uint64(10)).Return(nil)
	_, err = svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 1, PayoutAddress: "alice", Paid: 10})
	require.NoError(t, err)
	ids, err := svc.AthleteIDs(key)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids)
}

func TestOracleAuthorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, service.DefaultConfig())
	oraclePub, oracleKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	challenge, err := f.svc.IssueDistanceChallenge(ctx, service.ChallengeParams{
		EntryFee:   0,
		ExpireTime: uint64(deadline.Unix()),
		Activity:   types.Run,
		Oracle:     oraclePub,
	}, 42_195)
	require.NoError(t, err)
	key := challenge.Key()
	_, err = f.svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 5, PayoutAddress: "eve", Paid: 0})
	require.NoError(t, err)

	err = f.svc.SetAthleteSucceeded(ctx, key, 5, attest(t, f.key, types.SucceededAttestation(key, 5)))
	require.ErrorIs(t, err, types.ErrUnauthorized, "service key is not the oracle")
	err = f.svc.SetAthleteSucceeded(ctx, key, 5, attest(t, oracleKey, types.SucceededAttestation(key, 6)))
	require.ErrorIs(t, err, types.ErrUnauthorized, "attestation for another athlete")
	err = f.svc.SetAthleteSucceeded(ctx, key, 6, attest(t, oracleKey, types.SucceededAttestation(key, 6)))
	require.ErrorIs(t, err, types.ErrNotRegistered)
	require.NoError(t, f.svc.SetAthleteSucceeded(ctx, key, 5, attest(t, oracleKey, types.SucceededAttestation(key, 5))))

	f.clock.set(deadline)
	_, err = f.svc.SettleChallenge(ctx, key, attest(t, oracleKey, types.SucceededAttestation(key, 0)))
	require.ErrorIs(t, err, types.ErrUnauthorized)
	_, err = f.svc.SettleChallenge(ctx, key, attest(t, oracleKey, types.SettleAttestation(key)))
	require.NoError(t, err)

	err = f.svc.SetAthleteSucceeded(ctx, key, 5, attest(t, oracleKey, types.SucceededAttestation(key, 5)))
	require.ErrorIs(t, err, types.ErrAlreadySettled)

	_, err = f.svc.IssueDistanceChallenge(ctx, service.ChallengeParams{Oracle: []byte{1, 2, 3}}, 1)
	require.ErrorIs(t, err, types.ErrInvalidOracle)
}

func TestSettleExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, service.DefaultConfig())
	otherOracle, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	issue := func(oracle []byte, expire time.Time) types.Key {
		challenge, err := f.svc.IssueSegmentChallenge(ctx, service.ChallengeParams{
			EntryFee:   5,
			ExpireTime: uint64(expire.Unix()),
			Activity:   types.Ride,
			Oracle:     oracle,
		}, 1, time.Minute)
		require.NoError(t, err)
		return challenge.Key()
	}
	withWinner := issue(nil, deadline)
	withoutWinner := issue(nil, deadline)
	foreign := issue(otherOracle, deadline)
	open := issue(nil, deadline.Add(time.Hour))

	f.fund(t, "carol", 100)
	for _, key := range []types.Key{withWinner, withoutWinner, foreign, open} {
		_, err := f.svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 1, PayoutAddress: "carol", Paid: 5})
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.SetAthleteSucceeded(ctx, withWinner, 1, attest(t, f.key, types.SucceededAttestation(withWinner, 1))))
	require.NoError(t, f.svc.SetAthleteSucceeded(ctx, open, 1, attest(t, f.key, types.SucceededAttestation(open, 1))))

	f.clock.set(deadline)
	settled, err := f.svc.SettleExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, settled)

	for key, want := range map[types.Key]bool{withWinner: true, withoutWinner: false, foreign: false, open: false} {
		got, err := f.svc.Settled(key)
		require.NoError(t, err)
		require.Equal(t, want, got, key)
	}
	require.Equal(t, uint64(80+5), f.balance(t, "carol"))

	settled, err = f.svc.SettleExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, settled)
}

func TestSettleExpiredLeavesFailedPayoutsAlone(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := context.Background()
	funds := mocks.NewMockFunds(gomock.NewController(t))
	c := &clock{now: deadline.Add(-time.Hour)}
	mockClock := mocks.NewMockClock(gomock.NewController(t))
	mockClock.EXPECT().Now().DoAndReturn(c.get).AnyTimes()
	_, key, err := ed25519.GenerateKey(nil)
	req.NoError(err)
	svc, err := service.New(ctx, t.TempDir(), funds, service.WithClock(mockClock), service.WithPrivateKey(key))
	req.NoError(err)
	t.Cleanup(func() { req.NoError(svc.Close()) })

	challenge, err := svc.IssueDistanceChallenge(ctx, service.ChallengeParams{
		EntryFee:   10,
		ExpireTime: uint64(deadline.Unix()),
		Activity:   types.Run,
	}, 3000)
	req.NoError(err)
	challengeKey := challenge.Key()
	escrow := vault.EscrowAccount(challengeKey)
	funds.EXPECT().Transfer(gomock.Any(), "dave", escrow, uint64(10)).Return(nil)
	_, err = svc.JoinChallenge(ctx, challengeKey, service.JoinRequest{AthleteID: 1, PayoutAddress: "dave", Paid: 10})
	req.NoError(err)
	req.NoError(svc.SetAthleteSucceeded(ctx, challengeKey, 1, attest(t, key, types.SucceededAttestation(challengeKey, 1))))

	c.set(deadline)
	funds.EXPECT().Transfer(gomock.Any(), escrow, "dave", uint64(10)).Return(errors.New("vault unavailable"))
	settled, err := svc.SettleExpired(ctx)
	req.ErrorIs(err, types.ErrTransferFailed)
	req.Zero(settled)

	// No transfer is expected: the sweeper must not retry outstanding payouts.
	settled, err = svc.SettleExpired(ctx)
	req.NoError(err)
	req.Zero(settled)

	funds.EXPECT().Transfer(gomock.Any(), escrow, "dave", uint64(10)).Return(nil)
	rec, err := svc.SettleChallenge(ctx, challengeKey, attest(t, key, types.SettleAttestation(challengeKey)))
	req.NoError(err)
	req.True(rec.Completed)
}

func TestSettleWithRetainPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := service.DefaultConfig()
	cfg.ZeroWinnerPolicy = settlement.Retain
	f := newFixture(t, cfg)

	challenge, err := f.svc.IssueDistanceChallenge(ctx, service.ChallengeParams{
		EntryFee:   30,
		ExpireTime: uint64(deadline.Unix()),
		Activity:   types.Run,
	}, 10_000)
	require.NoError(t, err)
	key := challenge.Key()
	f.fund(t, "dave", 30)
	_, err = f.svc.JoinChallenge(ctx, key, service.JoinRequest{AthleteID: 1, PayoutAddress: "dave", Paid: 30})
	require.NoError(t, err)

	f.clock.set(deadline)
	rec, err := f.svc.SettleChallenge(ctx, key, attest(t, f.key, types.SettleAttestation(key)))
	require.NoError(t, err)
	require.Equal(t, uint64(30), rec.Remainder)
	require.Equal(t, uint64(30), f.balance(t, vault.EscrowAccount(key)))

	stored, err := f.svc.Settlement(key)
	require.NoError(t, err)
	require.True(t, stored.Completed)
	winners, err := f.svc.SuccessfulAthletes(key)
	require.NoError(t, err)
	require.Empty(t, winners)
}

func TestIssueRejectsNegativeTimeToBeat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, service.DefaultConfig())
	_, err := f.svc.IssueSegmentChallenge(context.Background(), service.ChallengeParams{
		EntryFee:   10,
		ExpireTime: uint64(deadline.Unix()),
		Activity:   types.Ride,
	}, 1, -time.Second)
	require.ErrorIs(t, err, types.ErrInvalidCriterion)

	challenges, err := f.svc.Challenges(types.Segment)
	require.NoError(t, err)
	require.Empty(t, challenges)
}

func TestQueriesOnUnknownChallenge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, service.DefaultConfig())
	key := types.Key{Kind: types.Distance, ID: 0}

	_, err := f.svc.Challenge(key)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.svc.IsRegistered(key, 1)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.svc.AthleteIDs(key)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.svc.Settled(key)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.svc.WinnerProof(key, 1)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.svc.EntryFee(key)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.svc.ExpireTime(key)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.svc.Challenges(types.Kind(7))
	require.ErrorIs(t, err, types.ErrInvalidKind)
}
