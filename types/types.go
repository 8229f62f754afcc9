package types

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// Kind selects the challenge table and the success criterion a challenge uses.
type Kind uint32

const (
	Segment Kind = iota
	Distance
)

// Kinds lists every challenge kind in table order.
var Kinds = []Kind{Segment, Distance}

func (k Kind) String() string {
	switch k {
	case Segment:
		return "segment"
	case Distance:
		return "distance"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

func (k Kind) Valid() bool {
	return k == Segment || k == Distance
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "segment":
		return Segment, nil
	case "distance":
		return Distance, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, uint32(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Activity is the sport an athlete must record to count towards a challenge.
type Activity uint32

const (
	Ride Activity = iota
	Run
	Swim
)

func (a Activity) String() string {
	switch a {
	case Ride:
		return "ride"
	case Run:
		return "run"
	case Swim:
		return "swim"
	default:
		return fmt.Sprintf("activity(%d)", uint32(a))
	}
}

func (a Activity) Valid() bool {
	return a <= Swim
}

func ParseActivity(s string) (Activity, error) {
	switch strings.ToLower(s) {
	case "ride":
		return Ride, nil
	case "run":
		return Run, nil
	case "swim":
		return Swim, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidActivity, s)
	}
}

func (a Activity) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidActivity, uint32(a))
	}
	return []byte(a.String()), nil
}

func (a *Activity) UnmarshalText(text []byte) error {
	parsed, err := ParseActivity(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Criterion is the success condition of a challenge.
// Only the fields of its Kind are meaningful:
//   - Segment: beat TimeToBeat (seconds) on the segment SegmentID,
//   - Distance: cover Distance (meters).
type Criterion struct {
	Kind       Kind   `json:"kind"`
	TimeToBeat uint64 `json:"time_to_beat,omitempty"`
	SegmentID  uint64 `json:"segment_id,omitempty"`
	Distance   uint64 `json:"distance,omitempty"`
}

// MaxTimeToBeat is the longest time to beat, in seconds, that fits a time.Duration.
const MaxTimeToBeat = math.MaxInt64 / uint64(time.Second)

// TimeToBeat converts a time to beat in seconds into a duration.
func TimeToBeat(seconds uint64) (time.Duration, error) {
	if seconds > MaxTimeToBeat {
		return 0, fmt.Errorf("%w: time to beat %ds exceeds %ds", ErrInvalidCriterion, seconds, MaxTimeToBeat)
	}
	return time.Duration(seconds) * time.Second, nil
}

func SegmentCriterion(segmentID uint64, timeToBeat time.Duration) Criterion {
	return Criterion{Kind: Segment, SegmentID: segmentID, TimeToBeat: uint64(timeToBeat / time.Second)}
}

func DistanceCriterion(meters uint64) Criterion {
	return Criterion{Kind: Distance, Distance: meters}
}

func (c Criterion) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", c.Kind.String())
	switch c.Kind {
	case Segment:
		enc.AddUint64("segment_id", c.SegmentID)
		enc.AddDuration("time_to_beat", time.Duration(c.TimeToBeat)*time.Second)
	case Distance:
		enc.AddUint64("distance", c.Distance)
	}
	return nil
}

// Challenge is an immutable challenge definition.
// (Kind, ID) is its primary key; IDs are only unique within a kind.
type Challenge struct {
	Kind       Kind
	ID         uint64
	EntryFee   uint64
	ExpireTime uint64 // unix seconds
	Criterion  Criterion
	Activity   Activity
	// Oracle is the ed25519 public key allowed to attest success and trigger settlement.
	Oracle    []byte
	CreatedAt uint64
}

// maxExpire is the last second of year 9999, the latest expiry Expire reports.
const maxExpire = 253402300799

// Expire returns the expiry as a time. Expiries past year 9999 are clamped.
func (c *Challenge) Expire() time.Time {
	if c.ExpireTime > maxExpire {
		return time.Unix(maxExpire, 0).UTC()
	}
	return time.Unix(int64(c.ExpireTime), 0).UTC()
}

// Expired reports whether the challenge no longer accepts registrations at the given time.
// The expiry boundary is inclusive.
func (c *Challenge) Expired(now time.Time) bool {
	n := now.Unix()
	return n >= 0 && uint64(n) >= c.ExpireTime
}

func (c *Challenge) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", c.Kind.String())
	enc.AddUint64("id", c.ID)
	enc.AddUint64("entry_fee", c.EntryFee)
	enc.AddTime("expire", c.Expire())
	enc.AddString("activity", c.Activity.String())
	return enc.AddObject("criterion", c.Criterion)
}

// Key identifies a challenge across kinds.
type Key struct {
	Kind Kind
	ID   uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Kind, k.ID)
}

func (c *Challenge) Key() Key {
	return Key{Kind: c.Kind, ID: c.ID}
}

// Registration is an athlete's entry in a challenge.
type Registration struct {
	AthleteID     uint64
	PayoutAddress string
	// Paid is the amount tendered on registration; anything above the entry fee stays in escrow.
	Paid      uint64
	Succeeded bool
	// Rewarded is set once the athlete's payout has been transferred.
	Rewarded bool
	// Seq is the registration order within the challenge.
	Seq uint32
}

// Settlement is the outcome of a settled challenge.
type Settlement struct {
	Kind        Kind
	ID          uint64
	TotalFunds  uint64
	Winners     uint32
	Reward      uint64
	Remainder   uint64
	WinnersRoot []byte
	SettledAt   uint64
	// Completed is set once every winner has been paid.
	Completed bool
}

// Status is the lifecycle state of a challenge at a given time.
type Status uint32

const (
	StatusOpen Status = iota
	StatusExpired
	// StatusSettling is a settled challenge with payouts still outstanding.
	StatusSettling
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusExpired:
		return "expired"
	case StatusSettling:
		return "settling"
	case StatusSettled:
		return "settled"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, status := range []Status{StatusOpen, StatusExpired, StatusSettling, StatusSettled} {
		if status.String() == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// MulAmount multiplies two amounts, failing on overflow.
func MulAmount(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, a, b)
	}
	return lo, nil
}

// AddAmount adds two amounts, failing on overflow.
func AddAmount(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return sum, nil
}
