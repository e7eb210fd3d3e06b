// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sync"

	"github.com/tmarkovic/chainsmith/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func cloneRecord(rec *storage.Record) *storage.Record {
	if rec == nil {
		return nil
	}
	return &storage.Record{
		Data:    append([]byte(nil), rec.Data...),
		Version: rec.Version,
	}
}

func (r *Repository) Put(recordType, recordID string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(recordType, recordID, rec)
}

func (r *Repository) putLocked(recordType, recordID string, rec *storage.Record) error {
	if _, ok := r.data[recordType]; !ok {
		r.data[recordType] = make(map[string]*storage.Record)
	}
	r.data[recordType][recordID] = cloneRecord(rec)
	return nil
}

func (r *Repository) Get(recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(recordType, recordID)
}

func (r *Repository) getLocked(recordType, recordID string) (*storage.Record, error) {
	records, ok := r.data[recordType]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec, ok := records[recordID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *Repository) Delete(recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(recordType, recordID)
}

func (r *Repository) deleteLocked(recordType, recordID string) error {
	records, ok := r.data[recordType]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := records[recordID]; !ok {
		return storage.ErrNotFound
	}
	delete(records, recordID)
	return nil
}

func (r *Repository) List(recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id := range r.data[recordType] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Repository) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(recordType, recordID, expectedVersion, rec)
}

func (r *Repository) putCASLocked(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := r.getLocked(recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(recordType, recordID, rec)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(recordType, recordID, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot()

	tx := &memoryBatchTx{repo: r}
	if err := fn(tx); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

func (r *Repository) snapshot() map[string]map[string]*storage.Record {
	cp := make(map[string]map[string]*storage.Record, len(r.data))
	for recordType, records := range r.data {
		inner := make(map[string]*storage.Record, len(records))
		for id, rec := range records {
			inner[id] = cloneRecord(rec)
		}
		cp[recordType] = inner
	}
	return cp
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return tx.repo.getLocked(recordType, recordID)
}

func (tx *memoryBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return tx.repo.putLocked(recordType, recordID, rec)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(recordType, recordID, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(recordType, recordID)
}
