package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the DB-backed UpdateStore variant. Records for a
// document are rows in y_updates, ordered by the autoincrement seq
// column; squash replaces all of a document's rows in one transaction.
type PostgresStore struct {
	pool  *pgxpool.Pool
	docID string

	closed bool
}

// OpenPostgresStore opens the store for docID against pool, verifying
// (and on first use, recording) the schema version in y_store_meta.
// Callers are expected to have already applied the y_updates/y_store_meta
// schema via migration.
func OpenPostgresStore(ctx context.Context, pool *pgxpool.Pool, docID string, version int32) (*PostgresStore, error) {
	var onDisk int32
	err := pool.QueryRow(ctx, `SELECT version FROM y_store_meta WHERE doc_id = $1`, docID).Scan(&onDisk)
	if err == pgx.ErrNoRows {
		if _, err := pool.Exec(ctx, `
			INSERT INTO y_store_meta (doc_id, version) VALUES ($1, $2)
			ON CONFLICT (doc_id) DO NOTHING
		`, docID, version); err != nil {
			return nil, err
		}
		onDisk = version
	} else if err != nil {
		return nil, err
	}

	if onDisk != version {
		return nil, ErrStoreVersionMismatch
	}

	return &PostgresStore{pool: pool, docID: docID}, nil
}

func (s *PostgresStore) Write(ctx context.Context, update, metadata []byte) error {
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO y_updates (doc_id, "update", metadata, ts)
		VALUES ($1, $2, $3, $4)
	`, s.docID, update, metadata, nowSeconds())
	return err
}

func (s *PostgresStore) Read(ctx context.Context) (RecordIterator, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.pool.Query(ctx, `
		SELECT "update", metadata, ts FROM y_updates
		WHERE doc_id = $1
		ORDER BY seq ASC
	`, s.docID)
	if err != nil {
		return nil, err
	}
	return &pgxRecordIterator{rows: rows}, nil
}

func (s *PostgresStore) Squash(ctx context.Context, newUpdate []byte) error {
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM y_updates WHERE doc_id = $1`, s.docID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO y_updates (doc_id, "update", metadata, ts)
		VALUES ($1, $2, NULL, $3)
	`, s.docID, newUpdate, nowSeconds()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.closed = true
	return nil
}

// pgxRecordIterator adapts pgx.Rows to RecordIterator.
type pgxRecordIterator struct {
	rows pgx.Rows
	cur  Record
	err  error
}

func (it *pgxRecordIterator) Next() bool {
	if !it.rows.Next() {
		return false
	}
	var update, metadata []byte
	var ts float64
	if err := it.rows.Scan(&update, &metadata, &ts); err != nil {
		it.err = err
		return false
	}
	it.cur = Record{Update: update, Metadata: metadata, Timestamp: ts}
	return true
}

func (it *pgxRecordIterator) Record() Record {
	return it.cur
}

func (it *pgxRecordIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *pgxRecordIterator) Close() error {
	it.rows.Close()
	return nil
}
