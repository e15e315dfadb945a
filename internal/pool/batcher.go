package pool

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/storage"
)

// DefaultBatchTTL is how long a live batch may sit without dispatching
// before the abandonment sweep discards it.
const DefaultBatchTTL = 30 * time.Minute

// historyValidity is how long after creation a batch id is accepted for
// settlement. Reports against older ids are refused.
const historyValidity = time.Hour

// Batcher manages the single in-flight validation batch: creation,
// per-slot output collection, and the pending -> dispatch transition.
type Batcher struct {
	db  *storage.DB
	ttl time.Duration
	log *zap.Logger
}

// NewBatcher creates a Batcher. A non-positive ttl falls back to the
// default.
func NewBatcher(db *storage.DB, ttl time.Duration, log *zap.Logger) *Batcher {
	if ttl <= 0 {
		ttl = DefaultBatchTTL
	}
	return &Batcher{db: db, ttl: ttl, log: log}
}

// CreateBatch opens a new validation batch of three identical tasks sharing
// one prompt and seed, all high priority and pending. At most one batch may
// be live at a time; creating a second is a conflict.
func (b *Batcher) CreateBatch() (*storage.ValidationBatch, error) {
	n, err := b.db.ValidationBatchCount()
	if err != nil {
		return nil, fault.Transient(err, "count live batches")
	}
	if n > 0 {
		return nil, fault.Conflict("a validation batch is already in flight")
	}

	valID, err := uuid.NewV7()
	if err != nil {
		return nil, fault.Transient(err, "generate batch id")
	}

	now := time.Now().Unix()
	prompt := RandomImagePrompt()
	seed := strconv.FormatInt(randomSeed(), 10)

	batch := &storage.ValidationBatch{
		ValID:      valID.String(),
		Condition:  storage.ConditionPending,
		CreatedAt:  now,
		Validators: []string{},
		TaskIDs:    make([]string, storage.BatchSize),
	}

	tasks := make([]storage.Task, storage.BatchSize)
	for i := range tasks {
		tasks[i] = storage.Task{
			ID:             uuid.New().String(),
			RetrieveID:     uuid.New().String(),
			Prompt:         prompt,
			NegativePrompt: DefaultNegativePrompt,
			Width:          DefaultWidth,
			Height:         DefaultHeight,
			Seed:           seed,
			Status:         storage.StatusPending,
			Priority:       storage.PriorityHigh,
			MessageType:    storage.MessageRequestedTask,
			ValID:          batch.ValID,
			Time:           now,
		}
		batch.TaskIDs[i] = tasks[i].ID
	}

	if err := b.db.CreateValidationBatch(batch, tasks); err != nil {
		return nil, fault.Transient(err, "create validation batch")
	}

	b.log.Info("validation batch opened",
		zap.String("val_id", batch.ValID), zap.String("prompt", prompt))
	return batch, nil
}

// RecordCompletion stamps a completed output onto the batch slot that
// holds taskID. When this fills the last open slot, the batch condition
// advances from pending to dispatch. Tasks outside any live batch return
// a not-found fault.
func (b *Batcher) RecordCompletion(taskID string, output []byte) error {
	batch, err := b.db.GetBatchByTaskID(taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFound("task does not belong to a live batch")
	}
	if err != nil {
		return fault.Transient(err, "look up batch for task")
	}

	if err := b.db.SetSlotOutput(batch.ValID, taskID, output); err != nil {
		return fault.Transient(err, "record slot output")
	}

	tasks, err := b.db.BatchTasks(batch.ValID)
	if err != nil {
		return fault.Transient(err, "load batch tasks")
	}
	for _, t := range tasks {
		if t.Status != storage.StatusCompleted {
			return nil
		}
	}

	err = b.db.SetBatchCondition(batch.ValID, storage.ConditionPending, storage.ConditionDispatch)
	if errors.Is(err, sql.ErrNoRows) {
		// Already advanced by a concurrent completion.
		return nil
	}
	if err != nil {
		return fault.Transient(err, "advance batch condition")
	}

	b.log.Info("validation batch ready for dispatch", zap.String("val_id", batch.ValID))
	return nil
}

// IsValid reports whether a batch id refers to a batch this pool created
// recently enough to still be settleable. Unknown ids and lookup failures
// both answer false; the settlement path fails closed.
func (b *Batcher) IsValid(valID string) bool {
	h, err := b.db.GetBatchHistory(valID)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(h.CreatedAt, 0))
	return age < historyValidity
}

// SweepAbandoned discards the live batch and its member tasks when it has
// outlived the TTL without settling. Returns true when a batch was removed.
func (b *Batcher) SweepAbandoned() (bool, error) {
	batch, err := b.db.GetValidationBatch()
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fault.Transient(err, "load live batch")
	}

	age := time.Since(time.Unix(batch.CreatedAt, 0))
	if age < b.ttl {
		return false, nil
	}

	if err := b.db.DeleteValidationBatch(batch.ValID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fault.Transient(err, "delete abandoned batch")
	}

	b.log.Warn("abandoned validation batch discarded",
		zap.String("val_id", batch.ValID),
		zap.Duration("age", age))
	return true, nil
}
