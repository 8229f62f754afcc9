package types

import (
	"errors"
)

var (
	ErrNotFound             = errors.New("challenge not found")
	ErrChallengeExpired     = errors.New("challenge has expired")
	ErrNotYetExpired        = errors.New("challenge has not expired yet")
	ErrAlreadyRegistered    = errors.New("athlete is already registered")
	ErrNotRegistered        = errors.New("athlete is not registered")
	ErrInsufficientPayment  = errors.New("payment is lower than the entry fee")
	ErrAlreadySettled       = errors.New("challenge is already settled")
	ErrNoSuccessfulAthletes = errors.New("no successful athletes to split the pool between")
	ErrTransferFailed       = errors.New("payout transfer failed")

	ErrUnauthorized      = errors.New("attestation is not signed by the challenge oracle")
	ErrInvalidCriterion  = errors.New("success criterion does not match challenge kind")
	ErrInvalidKind       = errors.New("unknown challenge kind")
	ErrInvalidActivity   = errors.New("unknown activity kind")
	ErrInvalidAddress    = errors.New("invalid account address")
	ErrInvalidOracle     = errors.New("oracle is not an ed25519 public key")
	ErrOverflow          = errors.New("amount overflows uint64")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotWinner         = errors.New("athlete is not a winner of the settlement")
	ErrInvalidProof      = errors.New("winner proof is invalid")
)
