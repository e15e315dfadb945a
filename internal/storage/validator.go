package storage

import (
	"errors"
	"fmt"
	"strings"
)

// SaveReceivedBatch stores a verified envelope for the consensus worker.
// A second insert with the same val_id returns ErrDuplicate.
func (d *DB) SaveReceivedBatch(rb *ReceivedBatch) error {
	_, err := d.db.Exec(
		`INSERT INTO received_batches (val_id, pool_wallet, pool_ip, pool_port, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rb.ValID, rb.PoolWallet, rb.PoolIP, rb.PoolPort, rb.Payload, rb.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save received batch: %w", ErrDuplicate)
		}
		return fmt.Errorf("save received batch: %w", err)
	}
	return nil
}

// ErrDuplicate marks a first-write-wins insert that lost.
var ErrDuplicate = errors.New("duplicate record")

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// NextReceivedBatch returns the oldest stored envelope, or sql.ErrNoRows
// (wrapped) when the intake queue is empty.
func (d *DB) NextReceivedBatch() (*ReceivedBatch, error) {
	rb := &ReceivedBatch{}
	err := d.db.QueryRow(
		`SELECT val_id, pool_wallet, pool_ip, pool_port, payload, created_at
		 FROM received_batches ORDER BY created_at LIMIT 1`,
	).Scan(&rb.ValID, &rb.PoolWallet, &rb.PoolIP, &rb.PoolPort, &rb.Payload, &rb.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("next received batch: %w", err)
	}
	return rb, nil
}

// HasSeenBatch reports whether a batch identifier exists in either the
// intake queue or the processed record. Used as the duplicate-submission
// guard during envelope verification.
func (d *DB) HasSeenBatch(valID string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT (SELECT COUNT(*) FROM received_batches WHERE val_id = ?)
		      + (SELECT COUNT(*) FROM processed_batches WHERE val_id = ?)`,
		valID, valID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has seen batch: %w", err)
	}
	return n > 0, nil
}

// DeleteReceivedBatch removes an envelope from the intake queue.
func (d *DB) DeleteReceivedBatch(valID string) error {
	if _, err := d.db.Exec(`DELETE FROM received_batches WHERE val_id = ?`, valID); err != nil {
		return fmt.Errorf("delete received batch: %w", err)
	}
	return nil
}

// MarkBatchProcessed records that this validator adjudicated a batch.
// First write wins; repeat calls are no-ops.
func (d *DB) MarkBatchProcessed(valID, poolWallet string, now int64) error {
	_, err := d.db.Exec(
		`INSERT INTO processed_batches (val_id, pool_wallet, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(val_id) DO NOTHING`,
		valID, poolWallet, now,
	)
	if err != nil {
		return fmt.Errorf("mark batch processed: %w", err)
	}
	return nil
}

// SaveVerdictReport queues a consensus outcome for delivery to the pool.
func (d *DB) SaveVerdictReport(r *VerdictReportRow) error {
	_, err := d.db.Exec(
		`INSERT INTO verdict_reports (val_id, pool_ip, pool_port, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ValID, r.PoolIP, r.PoolPort, r.Payload, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save verdict report: %w", err)
	}
	return nil
}

// NextVerdictReport returns the oldest undelivered report, or sql.ErrNoRows
// (wrapped) when none are queued.
func (d *DB) NextVerdictReport() (*VerdictReportRow, error) {
	r := &VerdictReportRow{}
	err := d.db.QueryRow(
		`SELECT val_id, pool_ip, pool_port, payload, created_at
		 FROM verdict_reports ORDER BY created_at LIMIT 1`,
	).Scan(&r.ValID, &r.PoolIP, &r.PoolPort, &r.Payload, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("next verdict report: %w", err)
	}
	return r, nil
}

// DeleteVerdictReport removes a delivered report.
func (d *DB) DeleteVerdictReport(valID string) error {
	if _, err := d.db.Exec(`DELETE FROM verdict_reports WHERE val_id = ?`, valID); err != nil {
		return fmt.Errorf("delete verdict report: %w", err)
	}
	return nil
}
