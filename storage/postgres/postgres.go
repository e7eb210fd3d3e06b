// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (record_type, record_id)
// that mirrors the key space used by the BBolt and in-memory backends.
// Record payloads are stored as BYTEA with the CAS version alongside.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tmarkovic/chainsmith/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// EnsureSchema creates the records table when it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			record_type TEXT   NOT NULL,
			record_id   TEXT   NOT NULL,
			data        BYTEA  NOT NULL,
			version     BIGINT NOT NULL,
			PRIMARY KEY (record_type, record_id)
		)`)
	return err
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

func (s *Store) Put(recordType, recordID string, rec *storage.Record) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO records (record_type, record_id, data, version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (record_type, record_id)
		 DO UPDATE SET data = $3, version = $4`,
		recordType, recordID, rec.Data, int64(rec.Version))
	return err
}

func (s *Store) Get(recordType, recordID string) (*storage.Record, error) {
	return getRecord(context.Background(), s.pool, recordType, recordID)
}

func (s *Store) List(recordType string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record_id FROM records WHERE record_type = $1`, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(recordType, recordID string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if err := putCASInTx(context.Background(), tx, recordType, recordID, expectedVersion, rec); err != nil {
		return err
	}
	return tx.Commit(context.Background())
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.Background()) //nolint:errcheck

	btx := &pgBatchTx{tx: pgTx}
	if err := fn(btx); err != nil {
		return err
	}
	return pgTx.Commit(context.Background())
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getRecord(context.Background(), btx.tx, recordType, recordID)
}

func (btx *pgBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	_, err := btx.tx.Exec(context.Background(),
		`INSERT INTO records (record_type, record_id, data, version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (record_type, record_id)
		 DO UPDATE SET data = $3, version = $4`,
		recordType, recordID, rec.Data, int64(rec.Version))
	return err
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(context.Background(), btx.tx, recordType, recordID, expectedVersion, rec)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	tag, err := btx.tx.Exec(context.Background(),
		`DELETE FROM records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier abstracts *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q querier, recordType, recordID string) (*storage.Record, error) {
	var (
		data    []byte
		version int64
	)
	err := q.QueryRow(ctx,
		`SELECT data, version FROM records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &storage.Record{Data: data, Version: uint64(version)}, nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	var currentVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE record_type = $1 AND record_id = $2
		 FOR UPDATE`,
		recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		// Record does not exist.
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO records (record_type, record_id, data, version)
			 VALUES ($1, $2, $3, $4)`,
			recordType, recordID, rec.Data, int64(rec.Version))
		return err
	}
	if err != nil {
		return err
	}

	// Record exists.
	if expectedVersion == 0 || uint64(currentVersion) != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET data = $3, version = $4
		 WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID, rec.Data, int64(rec.Version))
	return err
}
