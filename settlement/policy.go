package settlement

import (
	"fmt"
)

// ZeroWinnerPolicy decides what settling a challenge without successful athletes does.
type ZeroWinnerPolicy string

const (
	// Abort fails the settlement with ErrNoSuccessfulAthletes and changes nothing.
	// The challenge can be settled later if an athlete is marked successful.
	Abort ZeroWinnerPolicy = "abort"
	// Retain settles the challenge without payouts; the whole pool stays in escrow.
	Retain ZeroWinnerPolicy = "retain"
)

func (p ZeroWinnerPolicy) Valid() bool {
	return p == Abort || p == Retain
}

// UnmarshalFlag implements flags.Unmarshaler.
func (p *ZeroWinnerPolicy) UnmarshalFlag(value string) error {
	policy := ZeroWinnerPolicy(value)
	if !policy.Valid() {
		return fmt.Errorf("invalid zero winner policy %q (expected %q or %q)", value, Abort, Retain)
	}
	*p = policy
	return nil
}
