// Package leveldb implements a persistent paymaster.Store on top of
// goleveldb.
package leveldb

import (
	"fmt"

	"github.com/blndgs/paymaster"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	minCache   = 16
	minHandles = 16

	balanceValueSize = 32
)

// balancePrefix + address -> 32 byte big endian balance
var balancePrefix = []byte("b")

// Store keeps ledger balances in a leveldb database.
type Store struct {
	fn string
	db *leveldb.DB

	log log.Logger
}

var _ paymaster.Store = (*Store)(nil)

// New opens or creates the database at file. Cache is in megabytes.
func New(file string, cache int, handles int) (*Store, error) {
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	options := &opt.Options{
		Filter:                 filter.NewBloomFilter(10),
		DisableSeeksCompaction: true,
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2 * opt.MiB,
		WriteBuffer:            cache / 4 * opt.MiB,
	}
	logger := log.New("database", file)
	logger.Info("Opening balance store", "cache", cache, "handles", handles)

	db, err := leveldb.OpenFile(file, options)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(file, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Store{fn: file, db: db, log: logger}, nil
}

// NewWithStorage opens a store over an arbitrary goleveldb storage, such as
// storage.NewMemStorage.
func NewWithStorage(stor storage.Storage) (*Store, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, err
	}
	return &Store{fn: "memory", db: db, log: log.New("database", "memory")}, nil
}

func balanceKey(id common.Address) []byte {
	return append(append(make([]byte, 0, len(balancePrefix)+common.AddressLength), balancePrefix...), id.Bytes()...)
}

// Get returns the balance of id, zero if it has none.
func (s *Store) Get(id common.Address) (*uint256.Int, error) {
	v, err := s.db.Get(balanceKey(id), nil)
	if err == leveldb.ErrNotFound {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	if len(v) != balanceValueSize {
		return nil, fmt.Errorf("corrupt balance of %s: %d bytes", id, len(v))
	}
	return new(uint256.Int).SetBytes(v), nil
}

// Write stores all entries in one batch.
func (s *Store) Write(entries ...paymaster.Entry) error {
	batch := new(leveldb.Batch)
	for _, e := range entries {
		v := e.Balance.Bytes32()
		batch.Put(balanceKey(e.ID), v[:])
	}
	return s.db.Write(batch, nil)
}

// Iterate visits the stored balances in ascending address order until fn
// returns false.
func (s *Store) Iterate(fn func(paymaster.Entry) bool) error {
	it := s.db.NewIterator(util.BytesPrefix(balancePrefix), nil)
	defer it.Release()

	for it.Next() {
		key, value := it.Key(), it.Value()
		if len(key) != len(balancePrefix)+common.AddressLength || len(value) != balanceValueSize {
			s.log.Warn("Skipping malformed balance record", "key", common.Bytes2Hex(key))
			continue
		}
		e := paymaster.Entry{
			ID:      common.BytesToAddress(key[len(balancePrefix):]),
			Balance: new(uint256.Int).SetBytes(value),
		}
		if !fn(e) {
			break
		}
	}
	return it.Error()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.log.Error("Failed to close balance store", "err", err)
		return err
	}
	return nil
}
