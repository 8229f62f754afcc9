package service

import (
	"fmt"

	"github.com/sweatpool/sweatpool/events"
	"github.com/sweatpool/sweatpool/settlement"
	"github.com/sweatpool/sweatpool/types"
	"github.com/sweatpool/sweatpool/vault"
)

// ChallengeInfo is a challenge definition with its current state.
type ChallengeInfo struct {
	Challenge  *types.Challenge
	Status     types.Status
	Settled    bool
	Registered uint64
	TotalFunds uint64
	// Escrow is the balance of the challenge escrow account.
	Escrow uint64
}

func (s *Service) Challenge(key types.Key) (*types.Challenge, error) {
	return s.catalog.Challenge(key)
}

// ChallengeInfo returns the challenge with its status and pool at the current time.
func (s *Service) ChallengeInfo(key types.Key) (*ChallengeInfo, error) {
	challenge, err := s.catalog.Challenge(key)
	if err != nil {
		return nil, err
	}
	r := s.store.Reader()
	status, err := s.engine.Status(r, challenge, s.clock.Now())
	if err != nil {
		return nil, err
	}
	count, err := s.ledger.RegisteredCount(r, key)
	if err != nil {
		return nil, err
	}
	total, err := s.engine.TotalFunds(r, challenge)
	if err != nil {
		return nil, err
	}
	escrow, err := s.funds.Balance(vault.EscrowAccount(key))
	if err != nil {
		return nil, fmt.Errorf("reading escrow of %s: %w", key, err)
	}
	return &ChallengeInfo{
		Challenge:  challenge,
		Status:     status,
		Settled:    status == types.StatusSettling || status == types.StatusSettled,
		Registered: count,
		TotalFunds: total,
		Escrow:     escrow,
	}, nil
}

// Challenges lists the challenges of a kind by id.
func (s *Service) Challenges(kind types.Kind) ([]*types.Challenge, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidKind, uint32(kind))
	}
	return s.catalog.List(kind)
}

func (s *Service) EntryFee(key types.Key) (uint64, error) {
	return s.catalog.EntryFee(key)
}

func (s *Service) ExpireTime(key types.Key) (uint64, error) {
	return s.catalog.ExpireTime(key)
}

func (s *Service) exists(key types.Key) error {
	exists, err := s.catalog.Exists(key)
	switch {
	case err != nil:
		return err
	case !exists:
		return fmt.Errorf("%w: %s", types.ErrNotFound, key)
	}
	return nil
}

func (s *Service) IsRegistered(key types.Key, athleteID uint64) (bool, error) {
	if err := s.exists(key); err != nil {
		return false, err
	}
	return s.ledger.IsRegistered(s.store.Reader(), key, athleteID)
}

func (s *Service) Registration(key types.Key, athleteID uint64) (*types.Registration, error) {
	if err := s.exists(key); err != nil {
		return nil, err
	}
	return s.ledger.Registration(s.store.Reader(), key, athleteID)
}

func (s *Service) PayoutAddressOf(key types.Key, athleteID uint64) (string, error) {
	if err := s.exists(key); err != nil {
		return "", err
	}
	return s.ledger.PayoutAddressOf(s.store.Reader(), key, athleteID)
}

func (s *Service) RegisteredCount(key types.Key) (uint64, error) {
	if err := s.exists(key); err != nil {
		return 0, err
	}
	return s.ledger.RegisteredCount(s.store.Reader(), key)
}

// AthleteIDs returns the registered athletes in registration order.
func (s *Service) AthleteIDs(key types.Key) ([]uint64, error) {
	if err := s.exists(key); err != nil {
		return nil, err
	}
	return s.ledger.AthleteIDs(s.store.Reader(), key)
}

// SuccessfulAthletes returns the successful athletes in registration order.
func (s *Service) SuccessfulAthletes(key types.Key) ([]uint64, error) {
	if err := s.exists(key); err != nil {
		return nil, err
	}
	return s.ledger.SuccessfulAthletes(s.store.Reader(), key)
}

func (s *Service) Settled(key types.Key) (bool, error) {
	if err := s.exists(key); err != nil {
		return false, err
	}
	return s.ledger.Settled(s.store.Reader(), key)
}

func (s *Service) Settlement(key types.Key) (*types.Settlement, error) {
	if err := s.exists(key); err != nil {
		return nil, err
	}
	return s.engine.Settlement(s.store.Reader(), key)
}

// WinnerProof proves that the athlete is among the winners committed to by the settlement of the challenge.
func (s *Service) WinnerProof(key types.Key, athleteID uint64) (*settlement.WinnerProof, error) {
	if err := s.exists(key); err != nil {
		return nil, err
	}
	return s.engine.ProveWinner(s.store.Reader(), key, athleteID)
}

func (s *Service) TotalFunds(key types.Key) (uint64, error) {
	challenge, err := s.catalog.Challenge(key)
	if err != nil {
		return 0, err
	}
	return s.engine.TotalFunds(s.store.Reader(), challenge)
}

// Events returns up to limit logged notifications following the sequence number after.
func (s *Service) Events(after uint64, limit int) ([]events.Event, error) {
	return s.events.List(s.store.Reader(), after, limit)
}
