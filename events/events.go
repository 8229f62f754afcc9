// Package events is the notification stream of challenge state changes.
//
// Events are appended to a durable log in the same transaction as the state
// change they describe, and published to in-process subscribers after commit.
// The log is authoritative: live subscribers that fall behind lose events and
// are expected to catch up from the log.
package events

import (
	"fmt"
	"math"

	"go.uber.org/zap/zapcore"

	"github.com/sweatpool/sweatpool/store"
	"github.com/sweatpool/sweatpool/types"
)

type Type uint32

const (
	ChallengeIssued Type = iota + 1
	ChallengeJoined
	AthleteSucceeded
	ChallengeSettled
	PayoutSent
)

func (t Type) String() string {
	switch t {
	case ChallengeIssued:
		return "ChallengeIssued"
	case ChallengeJoined:
		return "ChallengeJoined"
	case AthleteSucceeded:
		return "AthleteSucceeded"
	case ChallengeSettled:
		return "ChallengeSettled"
	case PayoutSent:
		return "PayoutSent"
	default:
		return fmt.Sprintf("event(%d)", uint32(t))
	}
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	for _, candidate := range []Type{ChallengeIssued, ChallengeJoined, AthleteSucceeded, ChallengeSettled, PayoutSent} {
		if candidate.String() == string(text) {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", text)
}

// Event describes one state change. Fields not relevant to the Type are zero.
type Event struct {
	Seq           uint64     `json:"seq"`
	Type          Type       `json:"type"`
	Kind          types.Kind `json:"kind"`
	ChallengeID   uint64     `json:"challenge_id"`
	AthleteID     uint64     `json:"athlete_id,omitempty"`
	PayoutAddress string     `json:"payout_address,omitempty"`
	Amount        uint64     `json:"amount,omitempty"`
	Time          uint64     `json:"time"`
}

func (e *Event) Key() types.Key {
	return types.Key{Kind: e.Kind, ID: e.ChallengeID}
}

func (e Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("seq", e.Seq)
	enc.AddString("type", e.Type.String())
	enc.AddString("challenge", e.Key().String())
	switch e.Type {
	case ChallengeJoined:
		enc.AddUint64("athlete", e.AthleteID)
		enc.AddString("payout_address", e.PayoutAddress)
	case AthleteSucceeded:
		enc.AddUint64("athlete", e.AthleteID)
	case PayoutSent:
		enc.AddUint64("athlete", e.AthleteID)
		enc.AddString("payout_address", e.PayoutAddress)
		enc.AddUint64("amount", e.Amount)
	}
	return nil
}

const (
	eventPrefix  = "event"
	nextSeqKey   = "event-next"
	DefaultLimit = 1000
)

// Log is the durable, append-only event log.
type Log struct{}

func NewLog() *Log {
	return &Log{}
}

// Append assigns the next sequence number to ev and stores it.
func (l *Log) Append(tx store.Writer, ev Event) (Event, error) {
	seq, err := store.GetUint64(tx, []byte(nextSeqKey))
	if err != nil {
		return ev, fmt.Errorf("reading next event sequence: %w", err)
	}
	ev.Seq = seq + 1
	if err := store.Put(tx, store.Key(eventPrefix, ev.Seq), &ev); err != nil {
		return ev, fmt.Errorf("storing event %d: %w", ev.Seq, err)
	}
	if err := store.PutUint64(tx, []byte(nextSeqKey), ev.Seq); err != nil {
		return ev, fmt.Errorf("advancing event sequence: %w", err)
	}
	return ev, nil
}

// List returns up to limit events with a sequence number greater than after, in order.
func (l *Log) List(r store.Reader, after uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if after == math.MaxUint64 {
		return nil, nil
	}
	rng := store.Prefix(eventPrefix)
	rng.Start = store.Key(eventPrefix, after+1)
	iter := r.NewIterator(rng, nil)
	defer iter.Release()

	var evs []Event
	for len(evs) < limit && iter.Next() {
		var ev Event
		if err := store.Decode(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		evs = append(evs, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return evs, nil
}

// Last returns the sequence number of the latest event, 0 if there is none.
func (l *Log) Last(r store.Reader) (uint64, error) {
	return store.GetUint64(r, []byte(nextSeqKey))
}
