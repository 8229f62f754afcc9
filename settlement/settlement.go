// Package settlement pays out the pooled entry fees of expired challenges.
//
// Settling a challenge happens in two phases. The first phase computes the
// reward share, stores the settlement record and sets the challenge's settled
// flag in one store transaction. The second phase transfers the reward to every
// successful athlete, recording each payout as it succeeds. A transfer failure
// stops the payouts; calling Settle again resumes with the athletes that were
// not paid yet, so nobody is paid twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/catalog"
	"github.com/sweatpool/sweatpool/events"
	"github.com/sweatpool/sweatpool/ledger"
	"github.com/sweatpool/sweatpool/logging"
	"github.com/sweatpool/sweatpool/store"
	"github.com/sweatpool/sweatpool/types"
	"github.com/sweatpool/sweatpool/vault"
)

const settlementPrefix = "settlement"

var (
	settlementsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sweatpool",
		Subsystem: "settlement",
		Name:      "settlements_total",
		Help:      "Number of settlement attempts by outcome",
	}, []string{"kind", "outcome"})

	paidMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sweatpool",
		Subsystem: "settlement",
		Name:      "paid_total",
		Help:      "Total amount paid out to athletes",
	}, []string{"kind"})

	retainedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sweatpool",
		Subsystem: "settlement",
		Name:      "retained_total",
		Help:      "Total amount left in escrow by settlements",
	}, []string{"kind"})
)

//go:generate mockgen -package mocks -destination mocks/payer.go . Payer

// Payer moves funds between accounts.
type Payer interface {
	Transfer(ctx context.Context, from, to string, amount uint64) error
}

type Engine struct {
	store   *store.Store
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	events  *events.Log
	payer   Payer
	policy  ZeroWinnerPolicy
}

type newEngineOptions struct {
	policy ZeroWinnerPolicy
}

type newEngineOptionFunc func(*newEngineOptions)

// WithZeroWinnerPolicy sets what settling a challenge without successful athletes does.
// The default is Abort.
func WithZeroWinnerPolicy(policy ZeroWinnerPolicy) newEngineOptionFunc {
	return func(opts *newEngineOptions) {
		opts.policy = policy
	}
}

func New(
	s *store.Store,
	c *catalog.Catalog,
	l *ledger.Ledger,
	log *events.Log,
	payer Payer,
	opts ...newEngineOptionFunc,
) (*Engine, error) {
	options := newEngineOptions{policy: Abort}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.policy.Valid() {
		return nil, fmt.Errorf("invalid zero winner policy %q", options.policy)
	}
	return &Engine{
		store:   s,
		catalog: c,
		ledger:  l,
		events:  log,
		payer:   payer,
		policy:  options.policy,
	}, nil
}

func settlementKey(key types.Key) []byte {
	return store.Key(settlementPrefix, uint64(key.Kind), key.ID)
}

// Settlement returns the settlement record of a settled challenge.
func (e *Engine) Settlement(r store.Reader, key types.Key) (*types.Settlement, error) {
	var rec types.Settlement
	err := store.Get(r, settlementKey(key), &rec)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: no settlement for %s", types.ErrNotFound, key)
	case err != nil:
		return nil, fmt.Errorf("reading settlement of %s: %w", key, err)
	}
	return &rec, nil
}

// TotalFunds is the reward pool of a challenge: its entry fee times the number of registrations.
func (e *Engine) TotalFunds(r store.Reader, challenge *types.Challenge) (uint64, error) {
	count, err := e.ledger.RegisteredCount(r, challenge.Key())
	if err != nil {
		return 0, fmt.Errorf("counting registrations in %s: %w", challenge.Key(), err)
	}
	return types.MulAmount(challenge.EntryFee, count)
}

func (e *Engine) Status(r store.Reader, challenge *types.Challenge, now time.Time) (types.Status, error) {
	key := challenge.Key()
	settled, err := e.ledger.Settled(r, key)
	if err != nil {
		return 0, err
	}
	if !settled {
		if challenge.Expired(now) {
			return types.StatusExpired, nil
		}
		return types.StatusOpen, nil
	}
	rec, err := e.Settlement(r, key)
	if err != nil {
		return 0, err
	}
	if rec.Completed {
		return types.StatusSettled, nil
	}
	return types.StatusSettling, nil
}

// Settle distributes the pooled entry fees of an expired challenge equally among its
// successful athletes. The remainder of the integer division stays in escrow.
//
// The returned events were all committed, also when an error is returned.
func (e *Engine) Settle(ctx context.Context, key types.Key, now time.Time) (*types.Settlement, []events.Event, error) {
	logger := logging.FromContext(ctx).With(zap.Stringer("challenge", key))

	challenge, err := e.catalog.Get(e.store.Reader(), key)
	if err != nil {
		return nil, nil, err
	}
	if !challenge.Expired(now) {
		settlementsMetric.WithLabelValues(key.Kind.String(), "early").Inc()
		return nil, nil, fmt.Errorf("%w: %s expires at %s", types.ErrNotYetExpired, key, challenge.Expire())
	}

	var (
		rec *types.Settlement
		evs []events.Event
	)
	err = e.store.Update(ctx, func(tx store.Writer) error {
		settled, err := e.ledger.Settled(tx, key)
		if err != nil {
			return err
		}
		if !settled {
			rec, evs, err = e.begin(tx, challenge, now)
			return err
		}
		rec, err = e.Settlement(tx, key)
		switch {
		case err != nil:
			return err
		case rec.Completed:
			return fmt.Errorf("%w: %s", types.ErrAlreadySettled, key)
		}
		logger.Info("resuming outstanding payouts", zap.Uint64("reward", rec.Reward))
		return nil
	})
	switch {
	case errors.Is(err, types.ErrNoSuccessfulAthletes):
		settlementsMetric.WithLabelValues(key.Kind.String(), "no_winners").Inc()
		return nil, nil, err
	case errors.Is(err, types.ErrAlreadySettled):
		settlementsMetric.WithLabelValues(key.Kind.String(), "already_settled").Inc()
		return nil, nil, err
	case err != nil:
		return nil, nil, err
	}
	if rec.Completed {
		settlementsMetric.WithLabelValues(key.Kind.String(), "retained").Inc()
		retainedMetric.WithLabelValues(key.Kind.String()).Add(float64(rec.Remainder))
		logger.Info("settled without winners", zap.Uint64("retained", rec.Remainder))
		return rec, evs, nil
	}

	paid, err := e.payout(ctx, logger, rec, now)
	evs = append(evs, paid...)
	if err != nil {
		settlementsMetric.WithLabelValues(key.Kind.String(), "payout_failed").Inc()
		return rec, evs, err
	}

	var settledEv events.Event
	err = e.store.Update(ctx, func(tx store.Writer) error {
		rec.Completed = true
		if err := store.Put(tx, settlementKey(key), rec); err != nil {
			return fmt.Errorf("storing settlement of %s: %w", key, err)
		}
		var err error
		settledEv, err = e.events.Append(tx, settledEvent(rec, now))
		return err
	})
	if err != nil {
		rec.Completed = false
		return rec, evs, fmt.Errorf("completing settlement of %s: %w", key, err)
	}
	evs = append(evs, settledEv)

	settlementsMetric.WithLabelValues(key.Kind.String(), "settled").Inc()
	retainedMetric.WithLabelValues(key.Kind.String()).Add(float64(rec.Remainder))
	logger.Info("challenge settled",
		zap.Uint64("total_funds", rec.TotalFunds),
		zap.Uint32("winners", rec.Winners),
		zap.Uint64("reward", rec.Reward),
		zap.Uint64("remainder", rec.Remainder),
	)
	return rec, evs, nil
}

// begin computes the settlement of a challenge and marks it settled.
func (e *Engine) begin(
	tx store.Writer,
	challenge *types.Challenge,
	now time.Time,
) (*types.Settlement, []events.Event, error) {
	key := challenge.Key()
	winners, err := e.ledger.Winners(tx, key)
	if err != nil {
		return nil, nil, err
	}
	total, err := e.TotalFunds(tx, challenge)
	if err != nil {
		return nil, nil, err
	}

	rec := &types.Settlement{
		Kind:       key.Kind,
		ID:         key.ID,
		TotalFunds: total,
		Winners:    uint32(len(winners)),
		SettledAt:  uint64(now.Unix()),
	}
	if len(winners) == 0 {
		if e.policy != Retain {
			return nil, nil, fmt.Errorf("%w: %s", types.ErrNoSuccessfulAthletes, key)
		}
		rec.Remainder = total
		rec.Completed = true
	} else {
		n := uint64(len(winners))
		rec.Reward = total / n
		rec.Remainder = total - rec.Reward*n
		if rec.WinnersRoot, err = WinnersRoot(winners); err != nil {
			return nil, nil, err
		}
	}

	if err := store.Put(tx, settlementKey(key), rec); err != nil {
		return nil, nil, fmt.Errorf("storing settlement of %s: %w", key, err)
	}
	if err := e.ledger.MarkSettled(tx, key, now); err != nil {
		return nil, nil, err
	}
	if !rec.Completed {
		return rec, nil, nil
	}
	ev, err := e.events.Append(tx, settledEvent(rec, now))
	if err != nil {
		return nil, nil, err
	}
	return rec, []events.Event{ev}, nil
}

// payout transfers the reward to every winner not paid yet, in registration order.
func (e *Engine) payout(
	ctx context.Context,
	logger *zap.Logger,
	rec *types.Settlement,
	now time.Time,
) ([]events.Event, error) {
	key := types.Key{Kind: rec.Kind, ID: rec.ID}
	winners, err := e.ledger.Winners(e.store.Reader(), key)
	if err != nil {
		return nil, err
	}
	escrow := vault.EscrowAccount(key)

	var evs []events.Event
	for _, w := range winners {
		if w.Rewarded {
			continue
		}
		if err := e.payer.Transfer(ctx, escrow, w.PayoutAddress, rec.Reward); err != nil {
			logger.Error("payout failed",
				zap.Uint64("athlete", w.AthleteID),
				zap.String("payout_address", w.PayoutAddress),
				zap.Error(err),
			)
			return evs, fmt.Errorf("%w: athlete %d in %s: %w", types.ErrTransferFailed, w.AthleteID, key, err)
		}
		paidMetric.WithLabelValues(key.Kind.String()).Add(float64(rec.Reward))

		var ev events.Event
		err := e.store.Update(ctx, func(tx store.Writer) error {
			if err := e.ledger.MarkRewarded(tx, key, w.AthleteID); err != nil {
				return err
			}
			var err error
			ev, err = e.events.Append(tx, events.Event{
				Type:          events.PayoutSent,
				Kind:          key.Kind,
				ChallengeID:   key.ID,
				AthleteID:     w.AthleteID,
				PayoutAddress: w.PayoutAddress,
				Amount:        rec.Reward,
				Time:          uint64(now.Unix()),
			})
			return err
		})
		if err != nil {
			// The funds moved but the ledger does not know. A retry would pay this athlete again.
			logger.Error("payout transferred but not recorded", zap.Uint64("athlete", w.AthleteID), zap.Error(err))
			return evs, fmt.Errorf("recording payout of athlete %d in %s: %w", w.AthleteID, key, err)
		}
		logger.Debug("payout sent", zap.Object("event", ev))
		evs = append(evs, ev)
	}
	return evs, nil
}

func settledEvent(rec *types.Settlement, now time.Time) events.Event {
	return events.Event{
		Type:        events.ChallengeSettled,
		Kind:        rec.Kind,
		ChallengeID: rec.ID,
		Amount:      rec.Reward,
		Time:        uint64(now.Unix()),
	}
}
