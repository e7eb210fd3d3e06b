// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/tmarkovic/chainsmith/storage"
)

// Store implements storage.Repository backed by a BBolt database.
// Each record type maps to its own bucket.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func getBucket(tx *bbolt.Tx, recordType string) (*bbolt.Bucket, error) {
	return tx.CreateBucketIfNotExists([]byte(recordType))
}

func (s *Store) Put(recordType, recordID string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := getBucket(tx, recordType)
		if err != nil {
			return err
		}
		return putInBucket(b, recordID, rec)
	})
}

func (s *Store) Get(recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		data := b.Get([]byte(recordID))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Delete(recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil || b.Get([]byte(recordID)) == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		return b.Delete([]byte(recordID))
	})
}

func (s *Store) List(recordType string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func putInBucket(b *bbolt.Bucket, recordID string, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(recordID), data)
}

func putCASInBucket(b *bbolt.Bucket, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existingData := b.Get([]byte(recordID))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Record
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}

	return putInBucket(b, recordID, rec)
}

func (s *Store) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := getBucket(tx, recordType)
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordID, expectedVersion, rec)
	})
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

func (t *boltBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	b := t.tx.Bucket([]byte(recordType))
	if b == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	data := b.Get([]byte(recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *boltBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	b, err := getBucket(t.tx, recordType)
	if err != nil {
		return err
	}
	return putInBucket(b, recordID, rec)
}

func (t *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	b, err := getBucket(t.tx, recordType)
	if err != nil {
		return err
	}
	return putCASInBucket(b, recordID, expectedVersion, rec)
}

func (t *boltBatchTx) Delete(recordType, recordID string) error {
	b := t.tx.Bucket([]byte(recordType))
	if b == nil || b.Get([]byte(recordID)) == nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return b.Delete([]byte(recordID))
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}
