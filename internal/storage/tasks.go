package storage

import (
	"database/sql"
	"fmt"
)

const taskColumns = `id, retrieve_id, prompt, negative_prompt, width, height,
	seed, wallet, status, priority, message_type, val_id, time`

// scanTask reads one task row.
func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	t := &Task{}
	err := row.Scan(&t.ID, &t.RetrieveID, &t.Prompt, &t.NegativePrompt,
		&t.Width, &t.Height, &t.Seed, &t.Wallet, &t.Status, &t.Priority,
		&t.MessageType, &t.ValID, &t.Time)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTask inserts a new task record.
func (d *DB) CreateTask(t *Task) error {
	_, err := d.db.Exec(
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RetrieveID, t.Prompt, t.NegativePrompt, t.Width, t.Height,
		t.Seed, t.Wallet, t.Status, t.Priority, t.MessageType, t.ValID, t.Time,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (d *DB) GetTask(id string) (*Task, error) {
	t, err := scanTask(d.db.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTaskByRetrieveID retrieves a task by its retrieval identifier.
func (d *DB) GetTaskByRetrieveID(retrieveID string) (*Task, error) {
	t, err := scanTask(d.db.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE retrieve_id = ?`, retrieveID))
	if err != nil {
		return nil, fmt.Errorf("get task by retrieve id: %w", err)
	}
	return t, nil
}

// OutstandingTask returns the wallet's task currently in sent status, or
// sql.ErrNoRows (wrapped) when the wallet has none in flight.
func (d *DB) OutstandingTask(wallet string) (*Task, error) {
	t, err := scanTask(d.db.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE wallet = ? AND status = ?`,
		wallet, StatusSent))
	if err != nil {
		return nil, fmt.Errorf("outstanding task: %w", err)
	}
	return t, nil
}

// ListAssignable returns tasks eligible for assignment: pending tasks plus
// sent tasks whose dispatch time is older than staleBefore. Ordered by
// priority class (high first), ties broken by earliest time.
func (d *DB) ListAssignable(staleBefore int64) ([]Task, error) {
	rows, err := d.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? OR (status = ? AND time < ?)
		 ORDER BY CASE priority
		     WHEN ? THEN 1
		     WHEN ? THEN 2
		     ELSE 3
		 END, time`,
		StatusPending, StatusSent, staleBefore,
		PriorityHigh, PriorityMedium,
	)
	if err != nil {
		return nil, fmt.Errorf("list assignable: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignable task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimTask conditionally assigns a task to a wallet. The update only
// applies if the task still has the status and time the caller observed, so
// two agents racing for one task resolve to a single winner. Returns
// sql.ErrNoRows (wrapped) when the conditional update loses.
func (d *DB) ClaimTask(id, wallet string, now, prevTime int64, prevStatus string) error {
	res, err := d.db.Exec(
		`UPDATE tasks SET wallet = ?, time = ?, status = ?
		 WHERE id = ? AND status = ? AND time = ?`,
		wallet, now, StatusSent, id, prevStatus, prevTime,
	)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim task rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("claim task: %w", sql.ErrNoRows)
	}
	return nil
}

// CompleteTask conditionally flips a task from sent to completed, but only
// for its current assignee. Returns sql.ErrNoRows (wrapped) when the task
// is not in sent status or belongs to a different wallet.
func (d *DB) CompleteTask(id, wallet string) error {
	res, err := d.db.Exec(
		`UPDATE tasks SET status = ? WHERE id = ? AND wallet = ? AND status = ?`,
		StatusCompleted, id, wallet, StatusSent,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete task rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete task: %w", sql.ErrNoRows)
	}
	return nil
}

// PurgeCompletedBefore deletes completed tasks older than cutoff, at most
// limit rows per call. Tasks belonging to a validation batch are spared:
// the batch references them rather than copying them, so they must outlive
// the retention window until the batch itself is retired. Returns the
// number of rows removed.
func (d *DB) PurgeCompletedBefore(cutoff int64, limit int) (int, error) {
	res, err := d.db.Exec(
		`DELETE FROM tasks WHERE id IN (
		     SELECT id FROM tasks WHERE status = ? AND time < ? AND val_id = '' LIMIT ?
		 )`,
		StatusCompleted, cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("purge completed tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge completed tasks rows affected: %w", err)
	}
	return int(n), nil
}
