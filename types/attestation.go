package types

import (
	"bytes"
	"fmt"

	"github.com/spacemeshos/go-scale"
)

// Action is the privileged operation an attestation authorizes.
type Action uint8

const (
	ActionSucceeded Action = iota + 1
	ActionSettle
)

func (a Action) String() string {
	switch a {
	case ActionSucceeded:
		return "succeeded"
	case ActionSettle:
		return "settle"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Attestation is the statement an oracle signs to authorize an action on a challenge.
// It is scale-encoded for signing. AthleteID is zero for ActionSettle.
type Attestation struct {
	Action      Action
	Kind        Kind
	ChallengeID uint64
	AthleteID   uint64
}

func SucceededAttestation(key Key, athleteID uint64) Attestation {
	return Attestation{Action: ActionSucceeded, Kind: key.Kind, ChallengeID: key.ID, AthleteID: athleteID}
}

func SettleAttestation(key Key) Attestation {
	return Attestation{Action: ActionSettle, Kind: key.Kind, ChallengeID: key.ID}
}

func (a *Attestation) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeCompact8(enc, uint8(a.Action))
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(enc, uint32(a.Kind))
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, a.ChallengeID)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, a.AthleteID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (a *Attestation) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeCompact8(dec)
		if err != nil {
			return total, err
		}
		total += n
		a.Action = Action(field)
	}
	{
		field, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		a.Kind = Kind(field)
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		a.ChallengeID = field
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		a.AthleteID = field
	}
	return total, nil
}

// Bytes returns the scale encoding of the attestation, the message an oracle signs.
func (a *Attestation) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := a.EncodeScale(scale.NewEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("encoding attestation: %w", err)
	}
	return buf.Bytes(), nil
}
