// Package api defines the JSON messages of the REST API and their conversion from domain types.
package api

import (
	"github.com/sweatpool/sweatpool/events"
	"github.com/sweatpool/sweatpool/settlement"
	"github.com/sweatpool/sweatpool/types"
)

// IssueRequest opens a challenge. Only the criterion fields of the challenge kind are read:
// SegmentID and TimeToBeat (seconds) for segment challenges, Distance (meters) for distance ones.
type IssueRequest struct {
	EntryFee   uint64         `json:"entry_fee"`
	ExpireTime uint64         `json:"expire_time"`
	Activity   types.Activity `json:"activity"`
	Oracle     []byte         `json:"oracle,omitempty"`

	SegmentID  uint64 `json:"segment_id,omitempty"`
	TimeToBeat uint64 `json:"time_to_beat,omitempty"`
	Distance   uint64 `json:"distance,omitempty"`
}

type Challenge struct {
	Kind       types.Kind      `json:"kind"`
	ID         uint64          `json:"id"`
	EntryFee   uint64          `json:"entry_fee"`
	ExpireTime uint64          `json:"expire_time"`
	Criterion  types.Criterion `json:"criterion"`
	Activity   types.Activity  `json:"activity"`
	Oracle     []byte          `json:"oracle"`
	CreatedAt  uint64          `json:"created_at"`
}

func FromChallenge(c *types.Challenge) Challenge {
	return Challenge{
		Kind:       c.Kind,
		ID:         c.ID,
		EntryFee:   c.EntryFee,
		ExpireTime: c.ExpireTime,
		Criterion:  c.Criterion,
		Activity:   c.Activity,
		Oracle:     c.Oracle,
		CreatedAt:  c.CreatedAt,
	}
}

func FromChallenges(cs []*types.Challenge) []Challenge {
	out := make([]Challenge, 0, len(cs))
	for _, c := range cs {
		out = append(out, FromChallenge(c))
	}
	return out
}

// ChallengeInfo is a challenge with its state at the time of the request.
type ChallengeInfo struct {
	Challenge
	Status     types.Status `json:"status"`
	Settled    bool         `json:"settled"`
	Registered uint64       `json:"registered"`
	TotalFunds uint64       `json:"total_funds"`
	Escrow     uint64       `json:"escrow"`
}

type JoinRequest struct {
	AthleteID     uint64 `json:"athlete_id"`
	PayoutAddress string `json:"payout_address"`
	Paid          uint64 `json:"paid"`
}

type Registration struct {
	AthleteID     uint64 `json:"athlete_id"`
	PayoutAddress string `json:"payout_address"`
	Paid          uint64 `json:"paid"`
	Succeeded     bool   `json:"succeeded"`
	Rewarded      bool   `json:"rewarded"`
	Seq           uint32 `json:"seq"`
}

func FromRegistration(r *types.Registration) Registration {
	return Registration{
		AthleteID:     r.AthleteID,
		PayoutAddress: r.PayoutAddress,
		Paid:          r.Paid,
		Succeeded:     r.Succeeded,
		Rewarded:      r.Rewarded,
		Seq:           r.Seq,
	}
}

// SignedRequest carries the oracle's ed25519 signature of an attestation.
type SignedRequest struct {
	Signature []byte `json:"signature"`
}

type Settlement struct {
	Kind        types.Kind `json:"kind"`
	ID          uint64     `json:"id"`
	TotalFunds  uint64     `json:"total_funds"`
	Winners     uint32     `json:"winners"`
	Reward      uint64     `json:"reward"`
	Remainder   uint64     `json:"remainder"`
	WinnersRoot []byte     `json:"winners_root,omitempty"`
	SettledAt   uint64     `json:"settled_at"`
	Completed   bool       `json:"completed"`
}

func FromSettlement(s *types.Settlement) Settlement {
	return Settlement{
		Kind:        s.Kind,
		ID:          s.ID,
		TotalFunds:  s.TotalFunds,
		Winners:     s.Winners,
		Reward:      s.Reward,
		Remainder:   s.Remainder,
		WinnersRoot: s.WinnersRoot,
		SettledAt:   s.SettledAt,
		Completed:   s.Completed,
	}
}

// WinnerProof is a merkle membership proof of a winner against the winners root of a settlement.
type WinnerProof struct {
	Root          []byte   `json:"root"`
	Index         uint64   `json:"index"`
	AthleteID     uint64   `json:"athlete_id"`
	PayoutAddress string   `json:"payout_address"`
	ProofNodes    [][]byte `json:"proof_nodes"`
}

func FromWinnerProof(p *settlement.WinnerProof) WinnerProof {
	return WinnerProof{
		Root:          p.Root,
		Index:         p.Index,
		AthleteID:     p.AthleteID,
		PayoutAddress: p.PayoutAddress,
		ProofNodes:    p.ProofNodes,
	}
}

func (p WinnerProof) ToWinnerProof() *settlement.WinnerProof {
	return &settlement.WinnerProof{
		Root:          p.Root,
		Index:         p.Index,
		AthleteID:     p.AthleteID,
		PayoutAddress: p.PayoutAddress,
		ProofNodes:    p.ProofNodes,
	}
}

type Athletes struct {
	Athletes []uint64 `json:"athletes"`
}

type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

type DepositRequest struct {
	Amount uint64 `json:"amount"`
}

type Events struct {
	Events []events.Event `json:"events"`
}

type Info struct {
	PublicKey []byte `json:"public_key"`
}

// Error is the body of every failed request.
type Error struct {
	Message string `json:"message"`
}
