// Package service is the entry point to the challenge escrow.
//
// It wires the catalog, the registration ledger, the event log and the
// settlement engine to a shared store and to the vault holding the funds.
// Every mutating call is serialized and runs its store writes in a single
// transaction; notifications are published to live subscribers after commit.
package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/catalog"
	"github.com/sweatpool/sweatpool/events"
	"github.com/sweatpool/sweatpool/ledger"
	"github.com/sweatpool/sweatpool/logging"
	"github.com/sweatpool/sweatpool/settlement"
	"github.com/sweatpool/sweatpool/signing"
	"github.com/sweatpool/sweatpool/store"
	"github.com/sweatpool/sweatpool/types"
	"github.com/sweatpool/sweatpool/vault"
)

//go:generate mockgen -package mocks -destination mocks/clock.go . Clock

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

//go:generate mockgen -package mocks -destination mocks/funds.go . Funds

// Funds holds the accounts fees are collected from and rewards are paid to.
type Funds interface {
	Transfer(ctx context.Context, from, to string, amount uint64) error
	Deposit(ctx context.Context, address string, amount uint64) (uint64, error)
	Balance(address string) (uint64, error)
}

// StateDbName is the directory of the state database inside the DB directory.
const StateDbName = "state"

type Service struct {
	cfg     Config
	store   *store.Store
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	events  *events.Log
	broker  *events.Broker
	engine  *settlement.Engine
	funds   Funds
	clock   Clock
	privKey ed25519.PrivateKey

	// mu serializes all mutating calls.
	mu sync.Mutex
}

type newServiceOptionFunc func(*newServiceOptions)

type newServiceOptions struct {
	cfg     Config
	clock   Clock
	privKey ed25519.PrivateKey
}

func WithConfig(cfg Config) newServiceOptionFunc {
	return func(opts *newServiceOptions) {
		opts.cfg = cfg
	}
}

func WithClock(clock Clock) newServiceOptionFunc {
	return func(opts *newServiceOptions) {
		opts.clock = clock
	}
}

// WithPrivateKey sets the service key. Challenges issued without an oracle are attested with it.
func WithPrivateKey(privKey ed25519.PrivateKey) newServiceOptionFunc {
	return func(opts *newServiceOptions) {
		opts.privKey = privKey
	}
}

func New(ctx context.Context, dbdir string, funds Funds, opts ...newServiceOptionFunc) (*Service, error) {
	options := newServiceOptions{
		cfg:   DefaultConfig(),
		clock: systemClock{},
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.privKey == nil {
		logging.FromContext(ctx).Info("generating new keys")
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("generating private key: %w", err)
		}
		options.privKey = priv
	}

	db, err := store.Open(filepath.Join(dbdir, StateDbName))
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(db, catalog.WithCacheSize(options.cfg.CatalogCacheSize))
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Service{
		cfg:     options.cfg,
		store:   db,
		catalog: cat,
		ledger:  ledger.New(),
		events:  events.NewLog(),
		broker:  events.NewBroker(options.cfg.SubscriberBuffer),
		funds:   funds,
		clock:   options.clock,
		privKey: options.privKey,
	}
	s.engine, err = settlement.New(
		db, s.catalog, s.ledger, s.events, funds,
		settlement.WithZeroWinnerPolicy(options.cfg.ZeroWinnerPolicy),
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	logging.FromContext(ctx).Info("service ready", zap.Object("config", options.cfg))
	return s, nil
}

func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) PublicKey() ed25519.PublicKey {
	return s.privKey.Public().(ed25519.PublicKey)
}

// Subscribe registers a live subscriber of notifications.
// The returned function unsubscribes and closes the channel.
func (s *Service) Subscribe() (<-chan events.Event, func()) {
	return s.broker.Subscribe()
}

// ChallengeParams are the parameters common to every challenge kind.
type ChallengeParams struct {
	EntryFee   uint64
	ExpireTime uint64
	Activity   types.Activity
	// Oracle is the key allowed to attest success and trigger settlement.
	// The service key is used when empty.
	Oracle []byte
}

// IssueSegmentChallenge opens a challenge won by beating timeToBeat on the segment.
func (s *Service) IssueSegmentChallenge(
	ctx context.Context,
	params ChallengeParams,
	segmentID uint64,
	timeToBeat time.Duration,
) (*types.Challenge, error) {
	if timeToBeat < 0 {
		return nil, fmt.Errorf("%w: negative time to beat %s", types.ErrInvalidCriterion, timeToBeat)
	}
	return s.issue(ctx, types.Segment, params, types.SegmentCriterion(segmentID, timeToBeat))
}

// IssueDistanceChallenge opens a challenge won by covering the distance in meters.
func (s *Service) IssueDistanceChallenge(
	ctx context.Context,
	params ChallengeParams,
	distance uint64,
) (*types.Challenge, error) {
	return s.issue(ctx, types.Distance, params, types.DistanceCriterion(distance))
}

func (s *Service) issue(
	ctx context.Context,
	kind types.Kind,
	params ChallengeParams,
	criterion types.Criterion,
) (*types.Challenge, error) {
	oracle := params.Oracle
	switch len(oracle) {
	case 0:
		oracle = s.PublicKey()
	case ed25519.PublicKeySize:
	default:
		return nil, fmt.Errorf("%w: %d bytes", types.ErrInvalidOracle, len(oracle))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var (
		challenge *types.Challenge
		ev        events.Event
	)
	err := s.store.Update(ctx, func(tx store.Writer) error {
		var err error
		challenge, err = s.catalog.Issue(tx, types.Challenge{
			Kind:       kind,
			EntryFee:   params.EntryFee,
			ExpireTime: params.ExpireTime,
			Criterion:  criterion,
			Activity:   params.Activity,
			Oracle:     oracle,
			CreatedAt:  uint64(now.Unix()),
		})
		if err != nil {
			return err
		}
		ev, err = s.events.Append(tx, events.Event{
			Type:        events.ChallengeIssued,
			Kind:        kind,
			ChallengeID: challenge.ID,
			Time:        uint64(now.Unix()),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("issuing %s challenge: %w", kind, err)
	}
	s.broker.Publish(ev)
	logging.FromContext(ctx).Info("challenge issued", zap.Object("challenge", challenge))
	return challenge, nil
}

// JoinRequest registers an athlete in a challenge.
type JoinRequest struct {
	AthleteID     uint64
	PayoutAddress string
	// Paid is the amount collected from PayoutAddress into the challenge escrow.
	// It must cover the entry fee.
	Paid uint64
}

// JoinChallenge registers the athlete and collects the payment into the challenge escrow.
// Either both happen or neither does.
func (s *Service) JoinChallenge(ctx context.Context, key types.Key, req JoinRequest) (*types.Registration, error) {
	from := req.PayoutAddress
	logger := logging.FromContext(ctx).With(zap.Stringer("challenge", key), zap.Uint64("athlete", req.AthleteID))

	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, err := s.catalog.Challenge(key)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	escrow := vault.EscrowAccount(key)

	var (
		reg       *types.Registration
		ev        events.Event
		collected bool
	)
	err = s.store.Update(ctx, func(tx store.Writer) error {
		var err error
		reg, err = s.ledger.Register(tx, challenge, now, req.AthleteID, req.PayoutAddress, req.Paid)
		if err != nil {
			return err
		}
		if vault.IsEscrow(from) {
			return fmt.Errorf("%w: escrow accounts cannot join challenges", types.ErrInvalidAddress)
		}
		ev, err = s.events.Append(tx, events.Event{
			Type:          events.ChallengeJoined,
			Kind:          key.Kind,
			ChallengeID:   key.ID,
			AthleteID:     req.AthleteID,
			PayoutAddress: req.PayoutAddress,
			Amount:        req.Paid,
			Time:          uint64(now.Unix()),
		})
		if err != nil {
			return err
		}
		if err := s.funds.Transfer(ctx, from, escrow, req.Paid); err != nil {
			return fmt.Errorf("collecting entry fee: %w", err)
		}
		collected = true
		return nil
	})
	if err != nil {
		if collected {
			logger.Warn("registration not stored, returning payment", zap.Error(err))
			if refundErr := s.funds.Transfer(ctx, escrow, from, req.Paid); refundErr != nil {
				logger.Error("failed to return payment", zap.String("from", from), zap.Error(refundErr))
				err = multierror.Append(err, fmt.Errorf("returning payment: %w", refundErr))
			}
		}
		return nil, err
	}
	s.broker.Publish(ev)
	logger.Info("athlete joined", zap.String("payout_address", req.PayoutAddress), zap.Uint64("paid", req.Paid))
	return reg, nil
}

// SetAthleteSucceeded marks the athlete successful. signature must be the challenge
// oracle's signature of the athlete's success attestation.
func (s *Service) SetAthleteSucceeded(ctx context.Context, key types.Key, athleteID uint64, signature []byte) error {
	challenge, err := s.catalog.Challenge(key)
	if err != nil {
		return err
	}
	if err := signing.VerifyAttestation(types.SucceededAttestation(key, athleteID), challenge.Oracle, signature); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var ev events.Event
	err = s.store.Update(ctx, func(tx store.Writer) error {
		if err := s.ledger.MarkSucceeded(tx, key, athleteID); err != nil {
			return err
		}
		var err error
		ev, err = s.events.Append(tx, events.Event{
			Type:        events.AthleteSucceeded,
			Kind:        key.Kind,
			ChallengeID: key.ID,
			AthleteID:   athleteID,
			Time:        uint64(now.Unix()),
		})
		return err
	})
	if err != nil {
		return err
	}
	s.broker.Publish(ev)
	logging.FromContext(ctx).Info("athlete succeeded", zap.Stringer("challenge", key), zap.Uint64("athlete", athleteID))
	return nil
}

// SettleChallenge pays out an expired challenge. signature must be the challenge
// oracle's signature of the settle attestation.
func (s *Service) SettleChallenge(ctx context.Context, key types.Key, signature []byte) (*types.Settlement, error) {
	challenge, err := s.catalog.Challenge(key)
	if err != nil {
		return nil, err
	}
	if err := signing.VerifyAttestation(types.SettleAttestation(key), challenge.Oracle, signature); err != nil {
		return nil, err
	}
	return s.settle(ctx, key)
}

func (s *Service) settle(ctx context.Context, key types.Key) (*types.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, evs, err := s.engine.Settle(ctx, key, s.clock.Now())
	s.broker.Publish(evs...)
	return rec, err
}

// SettleExpired settles every expired challenge attested by the service key.
// Challenges without successful athletes are skipped when the zero winner policy aborts.
// Challenges with outstanding payouts are left to an explicit SettleChallenge.
func (s *Service) SettleExpired(ctx context.Context) (int, error) {
	logger := logging.FromContext(ctx)
	pubkey := s.PublicKey()

	var (
		settled int
		result  *multierror.Error
	)
	for _, kind := range types.Kinds {
		challenges, err := s.catalog.List(kind)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, challenge := range challenges {
			if !pubkey.Equal(ed25519.PublicKey(challenge.Oracle)) {
				continue
			}
			status, err := s.engine.Status(s.store.Reader(), challenge, s.clock.Now())
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}
			if status != types.StatusExpired {
				continue
			}
			if s.cfg.ZeroWinnerPolicy == settlement.Abort {
				winners, err := s.ledger.SuccessfulAthletes(s.store.Reader(), challenge.Key())
				if err != nil {
					result = multierror.Append(result, err)
					continue
				}
				if len(winners) == 0 {
					logger.Debug("skipping challenge without winners", zap.Stringer("challenge", challenge.Key()))
					continue
				}
			}
			_, err = s.settle(ctx, challenge.Key())
			switch {
			case errors.Is(err, types.ErrNoSuccessfulAthletes):
				logger.Debug("winners gone before settlement", zap.Stringer("challenge", challenge.Key()))
			case err != nil:
				result = multierror.Append(result, fmt.Errorf("settling %s: %w", challenge.Key(), err))
			default:
				settled++
			}
		}
	}
	return settled, result.ErrorOrNil()
}

// Deposit funds an account.
func (s *Service) Deposit(ctx context.Context, address string, amount uint64) (uint64, error) {
	return s.funds.Deposit(ctx, address, amount)
}

func (s *Service) Balance(address string) (uint64, error) {
	return s.funds.Balance(address)
}
