package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// BatchSize is the fixed number of task references in a validation batch.
const BatchSize = 3

// CreateValidationBatch persists a new batch, its slot rows, its immutable
// history record, and the three member tasks in one transaction.
func (d *DB) CreateValidationBatch(b *ValidationBatch, tasks []Task) error {
	if len(tasks) != BatchSize || len(b.TaskIDs) != BatchSize {
		return fmt.Errorf("create validation batch: want %d tasks, got %d", BatchSize, len(tasks))
	}

	validators, err := json.Marshal(b.Validators)
	if err != nil {
		return fmt.Errorf("marshal validators: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create batch: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO validation_batches (val_id, condition, created_at, validators)
		 VALUES (?, ?, ?, ?)`,
		b.ValID, b.Condition, b.CreatedAt, string(validators),
	); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO batch_history (val_id, created_at) VALUES (?, ?)`,
		b.ValID, b.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert batch history: %w", err)
	}

	for i, t := range tasks {
		if _, err := tx.Exec(
			`INSERT INTO tasks (`+taskColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.RetrieveID, t.Prompt, t.NegativePrompt, t.Width, t.Height,
			t.Seed, t.Wallet, t.Status, t.Priority, t.MessageType, t.ValID, t.Time,
		); err != nil {
			return fmt.Errorf("insert batch task: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO batch_slots (val_id, position, task_id) VALUES (?, ?, ?)`,
			b.ValID, i, t.ID,
		); err != nil {
			return fmt.Errorf("insert batch slot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create batch: %w", err)
	}
	return nil
}

// ValidationBatchCount returns the number of live validation batches.
// The single-batch-in-flight invariant means this is 0 or 1.
func (d *DB) ValidationBatchCount() (int, error) {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM validation_batches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count validation batches: %w", err)
	}
	return n, nil
}

// scanBatch reads one batch row and its ordered slot task ids.
func (d *DB) scanBatch(row *sql.Row) (*ValidationBatch, error) {
	b := &ValidationBatch{}
	var validators string
	if err := row.Scan(&b.ValID, &b.Condition, &b.CreatedAt, &validators); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(validators), &b.Validators); err != nil {
		return nil, fmt.Errorf("unmarshal validators: %w", err)
	}

	rows, err := d.db.Query(
		`SELECT task_id FROM batch_slots WHERE val_id = ? ORDER BY position`, b.ValID)
	if err != nil {
		return nil, fmt.Errorf("batch slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch slot: %w", err)
		}
		b.TaskIDs = append(b.TaskIDs, id)
	}
	return b, rows.Err()
}

// GetValidationBatch returns the single live batch, or sql.ErrNoRows
// (wrapped) when none exists.
func (d *DB) GetValidationBatch() (*ValidationBatch, error) {
	b, err := d.scanBatch(d.db.QueryRow(
		`SELECT val_id, condition, created_at, validators
		 FROM validation_batches LIMIT 1`))
	if err != nil {
		return nil, fmt.Errorf("get validation batch: %w", err)
	}
	return b, nil
}

// GetBatchByValID returns the live batch with the given identifier.
func (d *DB) GetBatchByValID(valID string) (*ValidationBatch, error) {
	b, err := d.scanBatch(d.db.QueryRow(
		`SELECT val_id, condition, created_at, validators
		 FROM validation_batches WHERE val_id = ?`, valID))
	if err != nil {
		return nil, fmt.Errorf("get batch by val_id: %w", err)
	}
	return b, nil
}

// GetBatchByTaskID returns the live batch containing the given task.
func (d *DB) GetBatchByTaskID(taskID string) (*ValidationBatch, error) {
	b, err := d.scanBatch(d.db.QueryRow(
		`SELECT vb.val_id, vb.condition, vb.created_at, vb.validators
		 FROM validation_batches vb
		 JOIN batch_slots bs ON bs.val_id = vb.val_id
		 WHERE bs.task_id = ?`, taskID))
	if err != nil {
		return nil, fmt.Errorf("get batch by task id: %w", err)
	}
	return b, nil
}

// SetSlotOutput stamps the generated output on the slot holding taskID.
func (d *DB) SetSlotOutput(valID, taskID string, output []byte) error {
	res, err := d.db.Exec(
		`UPDATE batch_slots SET output = ? WHERE val_id = ? AND task_id = ?`,
		output, valID, taskID,
	)
	if err != nil {
		return fmt.Errorf("set slot output: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set slot output rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set slot output: %w", sql.ErrNoRows)
	}
	return nil
}

// SlotOutputs returns the outputs recorded so far, keyed by task id.
// Slots without an output yet are omitted.
func (d *DB) SlotOutputs(valID string) (map[string][]byte, error) {
	rows, err := d.db.Query(
		`SELECT task_id, output FROM batch_slots
		 WHERE val_id = ? AND output IS NOT NULL ORDER BY position`, valID)
	if err != nil {
		return nil, fmt.Errorf("slot outputs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan slot output: %w", err)
		}
		out[id] = blob
	}
	return out, rows.Err()
}

// BatchTasks returns the member tasks in slot order.
func (d *DB) BatchTasks(valID string) ([]Task, error) {
	rows, err := d.db.Query(
		`SELECT `+prefixedTaskColumns("t")+`
		 FROM tasks t
		 JOIN batch_slots bs ON bs.task_id = t.id
		 WHERE bs.val_id = ? ORDER BY bs.position`, valID)
	if err != nil {
		return nil, fmt.Errorf("batch tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// SetBatchCondition conditionally advances a batch's condition. The
// transition only applies from the expected prior condition, keeping the
// pending -> dispatch progression monotonic.
func (d *DB) SetBatchCondition(valID, from, to string) error {
	res, err := d.db.Exec(
		`UPDATE validation_batches SET condition = ? WHERE val_id = ? AND condition = ?`,
		to, valID, from,
	)
	if err != nil {
		return fmt.Errorf("set batch condition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set batch condition rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set batch condition: %w", sql.ErrNoRows)
	}
	return nil
}

// AddBatchValidator appends a validator address to the batch's processed
// list. Returns false without modifying anything when the address is
// already present.
func (d *DB) AddBatchValidator(valID, validator string) (bool, error) {
	b, err := d.GetBatchByValID(valID)
	if err != nil {
		return false, err
	}
	for _, v := range b.Validators {
		if v == validator {
			return false, nil
		}
	}

	updated, err := json.Marshal(append(b.Validators, validator))
	if err != nil {
		return false, fmt.Errorf("marshal validators: %w", err)
	}
	prev, err := json.Marshal(b.Validators)
	if err != nil {
		return false, fmt.Errorf("marshal prior validators: %w", err)
	}

	res, err := d.db.Exec(
		`UPDATE validation_batches SET validators = ? WHERE val_id = ? AND validators = ?`,
		string(updated), valID, string(prev),
	)
	if err != nil {
		return false, fmt.Errorf("add batch validator: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add batch validator rows affected: %w", err)
	}
	if n == 0 {
		return false, fmt.Errorf("add batch validator: %w", sql.ErrNoRows)
	}
	return true, nil
}

// DeleteValidationBatch removes a live batch and its slots. The history
// record is intentionally preserved. Member tasks are released from the
// batch so the completed-task purge can reclaim them.
func (d *DB) DeleteValidationBatch(valID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete batch: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE tasks SET val_id = '' WHERE val_id = ?`, valID); err != nil {
		return fmt.Errorf("release batch tasks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM batch_slots WHERE val_id = ?`, valID); err != nil {
		return fmt.Errorf("delete batch slots: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM validation_batches WHERE val_id = ?`, valID)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete batch rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete batch: %w", sql.ErrNoRows)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete batch: %w", err)
	}
	return nil
}

// GetBatchHistory looks up the immutable history record for a batch id.
func (d *DB) GetBatchHistory(valID string) (*BatchHistoryRecord, error) {
	h := &BatchHistoryRecord{}
	err := d.db.QueryRow(
		`SELECT val_id, created_at FROM batch_history WHERE val_id = ?`, valID,
	).Scan(&h.ValID, &h.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get batch history: %w", err)
	}
	return h, nil
}

// prefixedTaskColumns qualifies the task column list with a table alias.
func prefixedTaskColumns(alias string) string {
	return alias + `.id, ` + alias + `.retrieve_id, ` + alias + `.prompt, ` +
		alias + `.negative_prompt, ` + alias + `.width, ` + alias + `.height, ` +
		alias + `.seed, ` + alias + `.wallet, ` + alias + `.status, ` +
		alias + `.priority, ` + alias + `.message_type, ` + alias + `.val_id, ` +
		alias + `.time`
}
