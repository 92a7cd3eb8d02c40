package kvstore

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var errKeyNotFound = errors.New("key not found")

type write struct {
	key   []byte
	value []byte
}

// engine is the ordered key-value surface the store needs. put applies
// all writes atomically; scan visits a prefix in key order on one
// consistent snapshot.
type engine interface {
	get(key []byte) ([]byte, error)
	put(writes []write) error
	scan(prefix []byte, fn func(key, value []byte) error) error
	close() error
}

type levelEngine struct {
	db *leveldb.DB
}

func openLevelEngine(path string) (*levelEngine, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelEngine{db: db}, nil
}

func (e *levelEngine) get(key []byte) ([]byte, error) {
	v, err := e.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, errKeyNotFound
	}
	return v, err
}

func (e *levelEngine) put(writes []write) error {
	batch := new(leveldb.Batch)
	for _, w := range writes {
		batch.Put(w.key, w.value)
	}
	return e.db.Write(batch, nil)
}

func (e *levelEngine) scan(prefix []byte, fn func(key, value []byte) error) error {
	snap, err := e.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	iter := snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (e *levelEngine) close() error {
	return e.db.Close()
}

type badgerEngine struct {
	db *badger.DB
}

func openBadgerEngine(path string) (*badgerEngine, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerEngine{db: db}, nil
}

func (e *badgerEngine) get(key []byte) ([]byte, error) {
	var v []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errKeyNotFound
	}
	return v, err
}

func (e *badgerEngine) put(writes []write) error {
	return e.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			if err := txn.Set(w.key, w.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *badgerEngine) scan(prefix []byte, fn func(key, value []byte) error) error {
	return e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *badgerEngine) close() error {
	return e.db.Close()
}
