// Package catalog stores immutable challenge definitions.
//
// Each challenge kind has its own append-only table indexed by a
// monotonically increasing id starting at 0. Definitions are never
// mutated or deleted once issued, so committed reads are cached.
package catalog

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sweatpool/sweatpool/store"
	"github.com/sweatpool/sweatpool/types"
)

const (
	challengePrefix = "challenge"
	nextIDPrefix    = "challenge-next"

	DefaultCacheSize = 1024
)

var issuedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sweatpool",
	Subsystem: "catalog",
	Name:      "challenges_issued_total",
	Help:      "Number of issued challenges",
}, []string{"kind"})

type Catalog struct {
	store *store.Store
	cache *lru.Cache
}

type newCatalogOptions struct {
	cacheSize int
}

type newCatalogOptionFunc func(*newCatalogOptions)

func WithCacheSize(size int) newCatalogOptionFunc {
	return func(o *newCatalogOptions) {
		o.cacheSize = size
	}
}

func New(s *store.Store, opts ...newCatalogOptionFunc) (*Catalog, error) {
	options := newCatalogOptions{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&options)
	}
	cache, err := lru.New(options.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating challenge cache: %w", err)
	}
	return &Catalog{store: s, cache: cache}, nil
}

// Issue allocates the next id of def.Kind and stores def under it.
// The stored definition is returned with its ID set.
// Fee and expiry are stored as given; they are not required to be positive or in the future.
func (c *Catalog) Issue(tx store.Writer, def types.Challenge) (*types.Challenge, error) {
	if !def.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidKind, uint32(def.Kind))
	}
	if def.Criterion.Kind != def.Kind {
		return nil, fmt.Errorf("%w: %s criterion for %s challenge", types.ErrInvalidCriterion, def.Criterion.Kind, def.Kind)
	}
	if !def.Activity.Valid() {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidActivity, uint32(def.Activity))
	}

	nextKey := store.Key(nextIDPrefix, uint64(def.Kind))
	id, err := store.GetUint64(tx, nextKey)
	if err != nil {
		return nil, fmt.Errorf("reading next %s challenge id: %w", def.Kind, err)
	}
	def.ID = id
	if err := store.Put(tx, store.Key(challengePrefix, uint64(def.Kind), id), &def); err != nil {
		return nil, fmt.Errorf("storing challenge %s: %w", def.Key(), err)
	}
	if err := store.PutUint64(tx, nextKey, id+1); err != nil {
		return nil, fmt.Errorf("advancing %s challenge id: %w", def.Kind, err)
	}
	issuedMetric.WithLabelValues(def.Kind.String()).Inc()
	return &def, nil
}

// Get looks a challenge up in r, which may be an open transaction.
func (c *Catalog) Get(r store.Reader, key types.Key) (*types.Challenge, error) {
	if cached, ok := c.cache.Get(key); ok {
		challenge := *cached.(*types.Challenge)
		return &challenge, nil
	}
	return get(r, key)
}

// Challenge looks a challenge up in committed state.
func (c *Catalog) Challenge(key types.Key) (*types.Challenge, error) {
	if cached, ok := c.cache.Get(key); ok {
		challenge := *cached.(*types.Challenge)
		return &challenge, nil
	}
	challenge, err := get(c.store.Reader(), key)
	if err != nil {
		return nil, err
	}
	cached := *challenge
	c.cache.Add(key, &cached)
	return challenge, nil
}

func get(r store.Reader, key types.Key) (*types.Challenge, error) {
	if !key.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidKind, uint32(key.Kind))
	}
	var challenge types.Challenge
	err := store.Get(r, store.Key(challengePrefix, uint64(key.Kind), key.ID), &challenge)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
	case err != nil:
		return nil, fmt.Errorf("reading challenge %s: %w", key, err)
	}
	return &challenge, nil
}

func (c *Catalog) Exists(key types.Key) (bool, error) {
	_, err := c.Challenge(key)
	switch {
	case errors.Is(err, types.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func (c *Catalog) EntryFee(key types.Key) (uint64, error) {
	challenge, err := c.Challenge(key)
	if err != nil {
		return 0, err
	}
	return challenge.EntryFee, nil
}

func (c *Catalog) ExpireTime(key types.Key) (uint64, error) {
	challenge, err := c.Challenge(key)
	if err != nil {
		return 0, err
	}
	return challenge.ExpireTime, nil
}

// Count returns the number of challenges ever issued of the given kind.
func (c *Catalog) Count(kind types.Kind) (uint64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %d", types.ErrInvalidKind, uint32(kind))
	}
	return store.GetUint64(c.store.Reader(), store.Key(nextIDPrefix, uint64(kind)))
}

// List returns all challenges of the given kind in id order.
func (c *Catalog) List(kind types.Kind) ([]*types.Challenge, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidKind, uint32(kind))
	}
	r := c.store.Reader()
	iter := r.NewIterator(store.Prefix(challengePrefix, uint64(kind)), nil)
	defer iter.Release()

	var challenges []*types.Challenge
	for iter.Next() {
		var challenge types.Challenge
		if err := store.Decode(iter.Value(), &challenge); err != nil {
			return nil, fmt.Errorf("reading %s challenges: %w", kind, err)
		}
		challenges = append(challenges, &challenge)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating %s challenges: %w", kind, err)
	}
	return challenges, nil
}
