/*
Package ledger tracks athlete registrations per challenge.

For every (kind, id) the ledger keeps the ordered, append-only sequence of
registered athlete ids, and per athlete a registration record holding the
payout address, the amount tendered and the succeeded/rewarded flags.
It also owns the challenge's settled flag, which once set never reverts.

All writes take an open store transaction; the caller decides what commits together.
*/
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sweatpool/sweatpool/store"
	"github.com/sweatpool/sweatpool/types"
)

const (
	registrationPrefix = "registration"
	orderPrefix        = "registration-order"
	countPrefix        = "registration-count"
	settledPrefix      = "settled"
)

var (
	registrationsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sweatpool",
		Subsystem: "ledger",
		Name:      "registrations_total",
		Help:      "Number of athlete registrations",
	}, []string{"kind"})

	successesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sweatpool",
		Subsystem: "ledger",
		Name:      "successes_total",
		Help:      "Number of success attestations",
	}, []string{"kind"})
)

type Ledger struct{}

func New() *Ledger {
	return &Ledger{}
}

func registrationKey(key types.Key, athleteID uint64) []byte {
	return store.Key(registrationPrefix, uint64(key.Kind), key.ID, athleteID)
}

// Registration returns the athlete's registration or ErrNotRegistered.
func (l *Ledger) Registration(r store.Reader, key types.Key, athleteID uint64) (*types.Registration, error) {
	var reg types.Registration
	err := store.Get(r, registrationKey(key, athleteID), &reg)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: athlete %d in %s", types.ErrNotRegistered, athleteID, key)
	case err != nil:
		return nil, fmt.Errorf("reading registration of athlete %d in %s: %w", athleteID, key, err)
	}
	return &reg, nil
}

func (l *Ledger) IsRegistered(r store.Reader, key types.Key, athleteID uint64) (bool, error) {
	return r.Has(registrationKey(key, athleteID), nil)
}

// PayoutAddressOf returns the address the athlete registered with.
func (l *Ledger) PayoutAddressOf(r store.Reader, key types.Key, athleteID uint64) (string, error) {
	reg, err := l.Registration(r, key, athleteID)
	if err != nil {
		return "", err
	}
	return reg.PayoutAddress, nil
}

func (l *Ledger) RegisteredCount(r store.Reader, key types.Key) (uint64, error) {
	return store.GetUint64(r, store.Key(countPrefix, uint64(key.Kind), key.ID))
}

// Register appends the athlete to the challenge's registrations.
// The preconditions are checked in order: the challenge must not have expired at now,
// the athlete must not be registered yet and paid must cover the entry fee.
// Any amount paid above the entry fee is kept.
func (l *Ledger) Register(
	tx store.Writer,
	challenge *types.Challenge,
	now time.Time,
	athleteID uint64,
	payoutAddress string,
	paid uint64,
) (*types.Registration, error) {
	key := challenge.Key()
	if challenge.Expired(now) {
		return nil, fmt.Errorf("%w: %s expired at %s", types.ErrChallengeExpired, key, challenge.Expire())
	}
	registered, err := l.IsRegistered(tx, key, athleteID)
	switch {
	case err != nil:
		return nil, fmt.Errorf("checking registration of athlete %d in %s: %w", athleteID, key, err)
	case registered:
		return nil, fmt.Errorf("%w: athlete %d in %s", types.ErrAlreadyRegistered, athleteID, key)
	}
	if paid < challenge.EntryFee {
		return nil, fmt.Errorf("%w: paid %d, entry fee %d", types.ErrInsufficientPayment, paid, challenge.EntryFee)
	}
	if payoutAddress == "" {
		return nil, types.ErrInvalidAddress
	}

	count, err := l.RegisteredCount(tx, key)
	if err != nil {
		return nil, fmt.Errorf("counting registrations in %s: %w", key, err)
	}
	reg := types.Registration{
		AthleteID:     athleteID,
		PayoutAddress: payoutAddress,
		Paid:          paid,
		Seq:           uint32(count),
	}
	if err := store.Put(tx, registrationKey(key, athleteID), &reg); err != nil {
		return nil, fmt.Errorf("storing registration of athlete %d in %s: %w", athleteID, key, err)
	}
	if err := store.PutUint64(tx, store.Key(orderPrefix, uint64(key.Kind), key.ID, count), athleteID); err != nil {
		return nil, fmt.Errorf("appending athlete %d to %s: %w", athleteID, key, err)
	}
	if err := store.PutUint64(tx, store.Key(countPrefix, uint64(key.Kind), key.ID), count+1); err != nil {
		return nil, fmt.Errorf("counting athlete %d in %s: %w", athleteID, key, err)
	}
	registrationsMetric.WithLabelValues(key.Kind.String()).Inc()
	return &reg, nil
}

// MarkSucceeded sets the athlete's succeeded flag.
// Marking an athlete that already succeeded is not an error.
func (l *Ledger) MarkSucceeded(tx store.Writer, key types.Key, athleteID uint64) error {
	settled, err := l.Settled(tx, key)
	switch {
	case err != nil:
		return err
	case settled:
		return fmt.Errorf("%w: %s", types.ErrAlreadySettled, key)
	}
	reg, err := l.Registration(tx, key, athleteID)
	if err != nil {
		return err
	}
	reg.Succeeded = true
	if err := store.Put(tx, registrationKey(key, athleteID), reg); err != nil {
		return fmt.Errorf("storing success of athlete %d in %s: %w", athleteID, key, err)
	}
	successesMetric.WithLabelValues(key.Kind.String()).Inc()
	return nil
}

// MarkRewarded records that the athlete's payout has been transferred.
func (l *Ledger) MarkRewarded(tx store.Writer, key types.Key, athleteID uint64) error {
	reg, err := l.Registration(tx, key, athleteID)
	if err != nil {
		return err
	}
	reg.Rewarded = true
	if err := store.Put(tx, registrationKey(key, athleteID), reg); err != nil {
		return fmt.Errorf("storing payout of athlete %d in %s: %w", athleteID, key, err)
	}
	return nil
}

func (l *Ledger) Settled(r store.Reader, key types.Key) (bool, error) {
	settled, err := r.Has(store.Key(settledPrefix, uint64(key.Kind), key.ID), nil)
	if err != nil {
		return false, fmt.Errorf("reading settled flag of %s: %w", key, err)
	}
	return settled, nil
}

// MarkSettled sets the challenge's settled flag.
func (l *Ledger) MarkSettled(tx store.Writer, key types.Key, at time.Time) error {
	if err := store.PutUint64(tx, store.Key(settledPrefix, uint64(key.Kind), key.ID), uint64(at.Unix())); err != nil {
		return fmt.Errorf("storing settled flag of %s: %w", key, err)
	}
	return nil
}

// AthleteIDs returns the registered athletes in registration order.
func (l *Ledger) AthleteIDs(r store.Reader, key types.Key) ([]uint64, error) {
	iter := r.NewIterator(store.Prefix(orderPrefix, uint64(key.Kind), key.ID), nil)
	defer iter.Release()

	var ids []uint64
	for iter.Next() {
		ids = append(ids, binary.BigEndian.Uint64(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating athletes of %s: %w", key, err)
	}
	return ids, nil
}

// Registrations returns all registrations in registration order.
func (l *Ledger) Registrations(r store.Reader, key types.Key) ([]types.Registration, error) {
	ids, err := l.AthleteIDs(r, key)
	if err != nil {
		return nil, err
	}
	regs := make([]types.Registration, 0, len(ids))
	for _, id := range ids {
		reg, err := l.Registration(r, key, id)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}
	return regs, nil
}

// Winners returns the registrations of successful athletes in registration order.
func (l *Ledger) Winners(r store.Reader, key types.Key) ([]types.Registration, error) {
	regs, err := l.Registrations(r, key)
	if err != nil {
		return nil, err
	}
	winners := regs[:0]
	for _, reg := range regs {
		if reg.Succeeded {
			winners = append(winners, reg)
		}
	}
	return winners, nil
}

// SuccessfulAthletes returns the ids of successful athletes in registration order.
func (l *Ledger) SuccessfulAthletes(r store.Reader, key types.Key) ([]uint64, error) {
	winners, err := l.Winners(r, key)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(winners))
	for _, w := range winners {
		ids = append(ids, w.AthleteID)
	}
	return ids, nil
}
