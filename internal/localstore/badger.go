package localstore

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

const badgerPrefix = "cache:"

type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore usa una base Badger embebida como tier persistente en el dispositivo.
func NewBadgerStore(db *badger.DB) Store {
	if db == nil {
		return nil
	}
	return &badgerStore{db: db}
}

// OpenBadger abre (o crea) la base en path con logs de Badger solo para errores.
func OpenBadger(path string) (*badger.DB, error) {
	return badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
}

func (s *badgerStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

func (s *badgerStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPrefix+key), []byte(value))
	})
}

func (s *badgerStore) Remove(ctx context.Context, key string) error {
	return s.MultiRemove(ctx, []string{key})
}

func (s *badgerStore) ListKeys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(badgerPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

func (s *badgerStore) MultiRemove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete([]byte(badgerPrefix + k)); err != nil {
			return err
		}
	}
	return wb.Flush()
}
