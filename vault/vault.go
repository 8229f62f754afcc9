// Package vault keeps account balances in a bbolt database.
//
// Payer addresses and per-challenge escrow accounts live in the same bucket.
// Entry fees move from the payer into the challenge escrow on registration, and
// rewards move from escrow to payout addresses on settlement. Every transfer is a
// single bbolt transaction, so money is never created or lost by a transfer;
// only Deposit adds to the supply.
package vault

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/logging"
	"github.com/sweatpool/sweatpool/types"
)

const (
	accountsBucket = "vault:accounts"
	metaBucket     = "vault:meta"
	supplyKey      = "supply"

	escrowPrefix = "escrow:"
)

var (
	ErrEscrowAccount = errors.New("escrow accounts cannot be used directly")

	transferredMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sweatpool",
		Subsystem: "vault",
		Name:      "transferred_total",
		Help:      "Total amount moved between accounts",
	})
	transferLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sweatpool",
		Subsystem: "vault",
		Name:      "transfer_latency_seconds",
		Help:      "Latency of transfer transactions",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	})
)

// EscrowAccount returns the account holding the pooled fees of a challenge.
func EscrowAccount(key types.Key) string {
	return fmt.Sprintf("%s%s:%d", escrowPrefix, key.Kind, key.ID)
}

func IsEscrow(address string) bool {
	return strings.HasPrefix(address, escrowPrefix)
}

type Vault struct {
	db *bolt.DB
}

func Open(path string) (*Vault, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open vault @ %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{accountsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize vault buckets: %w", err)
	}
	return &Vault{db: db}, nil
}

func (v *Vault) Close() error {
	return v.db.Close()
}

func (v *Vault) Balance(address string) (balance uint64, err error) {
	err = v.db.View(func(tx *bolt.Tx) error {
		balance = getAmount(tx.Bucket([]byte(accountsBucket)), address)
		return nil
	})
	return balance, err
}

// Supply returns the total amount ever deposited.
func (v *Vault) Supply() (supply uint64, err error) {
	err = v.db.View(func(tx *bolt.Tx) error {
		supply = getAmount(tx.Bucket([]byte(metaBucket)), supplyKey)
		return nil
	})
	return supply, err
}

// Accounts returns every account with its balance.
func (v *Vault) Accounts() (map[string]uint64, error) {
	accounts := make(map[string]uint64)
	err := v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(accountsBucket)).ForEach(func(k, val []byte) error {
			accounts[string(k)] = decodeAmount(val)
			return nil
		})
	})
	return accounts, err
}

// Deposit credits address with new funds and returns the new balance.
func (v *Vault) Deposit(ctx context.Context, address string, amount uint64) (balance uint64, err error) {
	if address == "" {
		return 0, types.ErrInvalidAddress
	}
	if IsEscrow(address) {
		return 0, fmt.Errorf("%w: %s", ErrEscrowAccount, address)
	}
	err = v.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		supply, err := types.AddAmount(getAmount(meta, supplyKey), amount)
		if err != nil {
			return err
		}
		accounts := tx.Bucket([]byte(accountsBucket))
		balance, err = types.AddAmount(getAmount(accounts, address), amount)
		if err != nil {
			return err
		}
		if err := putAmount(meta, supplyKey, supply); err != nil {
			return err
		}
		return putAmount(accounts, address, balance)
	})
	if err != nil {
		return 0, fmt.Errorf("depositing %d to %s: %w", amount, address, err)
	}
	logging.FromContext(ctx).Debug("deposited", zap.String("address", address), zap.Uint64("amount", amount))
	return balance, nil
}

// Transfer moves amount from one account to another.
func (v *Vault) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if from == "" || to == "" {
		return types.ErrInvalidAddress
	}
	start := time.Now()
	err := v.db.Update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket([]byte(accountsBucket))
		fromBalance := getAmount(accounts, from)
		if fromBalance < amount {
			return fmt.Errorf("%w: %s holds %d, needs %d", types.ErrInsufficientFunds, from, fromBalance, amount)
		}
		if from == to {
			return nil
		}
		toBalance, err := types.AddAmount(getAmount(accounts, to), amount)
		if err != nil {
			return err
		}
		if err := putAmount(accounts, from, fromBalance-amount); err != nil {
			return err
		}
		return putAmount(accounts, to, toBalance)
	})
	if err != nil {
		return fmt.Errorf("transferring %d from %s to %s: %w", amount, from, to, err)
	}
	transferLatencyMetric.Observe(time.Since(start).Seconds())
	transferredMetric.Add(float64(amount))
	logging.FromContext(ctx).Debug("transferred",
		zap.String("from", from),
		zap.String("to", to),
		zap.Uint64("amount", amount),
	)
	return nil
}

func getAmount(b *bolt.Bucket, key string) uint64 {
	return decodeAmount(b.Get([]byte(key)))
}

func putAmount(b *bolt.Bucket, key string, amount uint64) error {
	return b.Put([]byte(key), binary.BigEndian.AppendUint64(nil, amount))
}

func decodeAmount(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
