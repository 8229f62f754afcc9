// Package store holds the state of all challenges in a single LevelDB database.
//
// Every table (catalog, ledger, settlement, event log) lives under its own key prefix.
// Mutating operations run inside one LevelDB transaction so that a single
// service call either commits all of its writes or none of them.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/logging"
)

var ErrNotFound = leveldb.ErrNotFound

// Reader is implemented by both *leveldb.DB and *leveldb.Transaction.
type Reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// Writer is a Reader that can also write, typically an open transaction.
type Writer interface {
	Reader
	Put(key, value []byte, wo *opt.WriteOptions) error
}

type Store struct {
	db *leveldb.DB
}

func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Reader gives direct read access to committed state.
func (s *Store) Reader() Reader {
	return s.db
}

// Update runs fn in a transaction. The transaction is committed if fn returns nil
// and discarded otherwise.
func (s *Store) Update(ctx context.Context, fn func(tx Writer) error) error {
	tx, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		logging.FromContext(ctx).Error("failed to commit transaction", zap.Error(err))
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get decodes the value under key into v.
func Get(r Reader, key []byte, v any) error {
	data, err := r.Get(key, nil)
	if err != nil {
		return err
	}
	if err := Decode(data, v); err != nil {
		return fmt.Errorf("failed to deserialize %X: %w", key, err)
	}
	return nil
}

// Decode decodes a stored value, as read by an iterator.
func Decode(data []byte, v any) error {
	_, err := xdr.Unmarshal(bytes.NewReader(data), v)
	return err
}

// Put encodes v and stores it under key.
func Put(w Writer, key []byte, v any) error {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return fmt.Errorf("serialization failure: %w", err)
	}
	return w.Put(key, buf.Bytes(), nil)
}

// GetUint64 reads a counter, returning 0 if it was never written.
func GetUint64(r Reader, key []byte) (uint64, error) {
	data, err := r.Get(key, nil)
	switch {
	case errors.Is(err, ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	case len(data) != 8:
		return 0, fmt.Errorf("corrupted counter %q: %d bytes", key, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func PutUint64(w Writer, key []byte, v uint64) error {
	return w.Put(key, binary.BigEndian.AppendUint64(nil, v), nil)
}

// Key joins a table prefix with big-endian encoded components,
// so that iteration over a prefix yields entries in numeric order.
func Key(prefix string, parts ...uint64) []byte {
	key := make([]byte, 0, len(prefix)+len(parts)*9)
	key = append(key, prefix...)
	for _, p := range parts {
		key = append(key, '/')
		key = binary.BigEndian.AppendUint64(key, p)
	}
	return key
}

// Prefix returns a range covering all keys built with Key(prefix, parts...).
func Prefix(prefix string, parts ...uint64) *util.Range {
	return util.BytesPrefix(append(Key(prefix, parts...), '/'))
}
