package shielded

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
)

const badgerKeyPrefix = "contract/"

// BadgerStore keeps session addresses in a badger database.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens or creates a database in dir. An empty dir opens an
// in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Get(session string) (common.Address, error) {
	var addr common.Address
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + session))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := parseStoredAddress(string(val))
			addr = parsed
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return common.Address{}, ErrNoActiveContract
	}
	if err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

func (s *BadgerStore) Put(session string, addr common.Address) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+session), []byte(addr.Hex()))
	})
}

func (s *BadgerStore) Delete(session string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + session))
	})
}
