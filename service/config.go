package service

import (
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/sweatpool/sweatpool/catalog"
	"github.com/sweatpool/sweatpool/events"
	"github.com/sweatpool/sweatpool/settlement"
)

func DefaultConfig() Config {
	return Config{
		ZeroWinnerPolicy: settlement.Abort,
		CatalogCacheSize: catalog.DefaultCacheSize,
		SubscriberBuffer: events.DefaultSubscriberBuffer,
		SweepInterval:    time.Minute,
	}
}

//nolint:lll
type Config struct {
	ZeroWinnerPolicy settlement.ZeroWinnerPolicy `long:"zero-winner-policy" description:"What settling a challenge without successful athletes does (abort|retain)"`
	CatalogCacheSize int                         `long:"catalog-cache-size" description:"The number of challenge definitions kept in memory"`
	SubscriberBuffer int                         `long:"subscriber-buffer"  description:"The number of notifications buffered per live subscriber before it starts dropping"`

	// SweepInterval is how often expired challenges attested by the service key are settled.
	// Zero disables the sweeper.
	SweepInterval time.Duration `long:"sweep-interval" description:"The interval between automatic settlements of expired challenges (0 disables)"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("zero_winner_policy", string(c.ZeroWinnerPolicy))
	enc.AddInt("catalog_cache_size", c.CatalogCacheSize)
	enc.AddInt("subscriber_buffer", c.SubscriberBuffer)
	enc.AddDuration("sweep_interval", c.SweepInterval)
	return nil
}
