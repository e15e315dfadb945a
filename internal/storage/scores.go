package storage

import (
	"database/sql"
	"fmt"
)

// GetParticipant retrieves a participant's score record by wallet address.
func (d *DB) GetParticipant(wallet string) (*ParticipantScore, error) {
	p := &ParticipantScore{}
	err := d.db.QueryRow(
		`SELECT wallet, tp, np, score, balance, last_active
		 FROM participant_scores WHERE wallet = ?`, wallet,
	).Scan(&p.Wallet, &p.TP, &p.NP, &p.Score, &p.Balance, &p.LastActive)
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// UpsertParticipant refreshes a participant's last-active time and adds
// scoreDelta to the cumulative quality score. Unknown wallets are created
// with default trust counters and a zero balance.
func (d *DB) UpsertParticipant(wallet string, scoreDelta int, now int64) error {
	_, err := d.db.Exec(
		`INSERT INTO participant_scores (wallet, tp, np, score, balance, last_active)
		 VALUES (?, ?, ?, ?, '0', ?)
		 ON CONFLICT(wallet) DO UPDATE SET
		     score = score + excluded.score,
		     last_active = excluded.last_active`,
		wallet, DefaultTP, DefaultNP, scoreDelta, now,
	)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// UpdateTrustCounters conditionally writes new tp/np values. The write only
// applies when the row still holds the values the caller observed; a lost
// race returns sql.ErrNoRows (wrapped) and is reported, not retried.
func (d *DB) UpdateTrustCounters(wallet string, prevTP, prevNP, newTP, newNP int) error {
	res, err := d.db.Exec(
		`UPDATE participant_scores SET tp = ?, np = ?
		 WHERE wallet = ? AND tp = ? AND np = ?`,
		newTP, newNP, wallet, prevTP, prevNP,
	)
	if err != nil {
		return fmt.Errorf("update trust counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trust counters rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update trust counters: %w", sql.ErrNoRows)
	}
	return nil
}

// CountActiveParticipants returns the number of participants whose
// last-active time is at or after since.
func (d *DB) CountActiveParticipants(since int64) (int, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM participant_scores WHERE last_active >= ?`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active participants: %w", err)
	}
	return n, nil
}

// EnsureAccount creates a score row with a starting balance if the wallet
// is unknown. Used to seed the pool reserve account.
func (d *DB) EnsureAccount(wallet, balance string, now int64) error {
	_, err := d.db.Exec(
		`INSERT INTO participant_scores (wallet, tp, np, score, balance, last_active)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT(wallet) DO NOTHING`,
		wallet, DefaultTP, DefaultNP, balance, now,
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// DeductBalance atomically replaces a wallet's balance and appends the
// matching ledger entry. The balance write is conditional on the previously
// observed balance string: either both mutations commit or neither does.
// Returns sql.ErrNoRows (wrapped) when the conditional update loses.
func (d *DB) DeductBalance(wallet, prevBalance, newBalance, amount, reason string, now int64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin deduct balance: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE participant_scores SET balance = ? WHERE wallet = ? AND balance = ?`,
		newBalance, wallet, prevBalance,
	)
	if err != nil {
		return fmt.Errorf("deduct balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deduct balance rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deduct balance: %w", sql.ErrNoRows)
	}

	if _, err := tx.Exec(
		`INSERT INTO ledger_entries (wallet, amount, reason, created_at)
		 VALUES (?, ?, ?, ?)`,
		wallet, amount, reason, now,
	); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deduct balance: %w", err)
	}
	return nil
}

// LedgerEntries returns a page of a wallet's ledger entries, newest first,
// along with the total entry count.
func (d *DB) LedgerEntries(wallet string, page, pageSize int) ([]LedgerEntry, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	var total int
	if err := d.db.QueryRow(
		`SELECT COUNT(*) FROM ledger_entries WHERE wallet = ?`, wallet,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	rows, err := d.db.Query(
		`SELECT id, wallet, amount, reason, created_at
		 FROM ledger_entries WHERE wallet = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		wallet, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.Wallet, &e.Amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
