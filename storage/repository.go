// Package storage provides the record storage abstraction for the CA core.
package storage

import "errors"

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is a stored value plus the version used for compare-and-swap
// updates. Data is an opaque payload; callers typically store JSON.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version"`
}

// BatchTx provides reads and writes within an atomic transaction. Reads
// observe the transaction's own earlier writes.
type BatchTx interface {
	Get(recordType string, recordID string) (*Record, error)
	Put(recordType string, recordID string, rec *Record) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, rec *Record) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for record storage. PutCAS with
// expectedVersion 0 is a create-only write: it fails with ErrCASFailed when
// the record already exists. Batch applies fn atomically; when fn returns an
// error none of its writes are visible.
type Repository interface {
	Put(recordType string, recordID string, rec *Record) error
	Get(recordType string, recordID string) (*Record, error)
	Delete(recordType string, recordID string) error
	List(recordType string) ([]string, error)
	PutCAS(recordType string, recordID string, expectedVersion uint64, rec *Record) error
	Batch(fn func(tx BatchTx) error) error
}
