// Package pool implements the task-pool side of the coordination protocol:
// task assignment, triplet validation batching, the signed batch handoff,
// and verdict settlement.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/outputs"
	"github.com/upow-network/imagepool/internal/storage"
)

// StaleWindow is how long a sent task stays reserved before it becomes
// reassignable to another agent.
const StaleWindow = 2 * time.Minute

// CompletedRetention is how long completed tasks are kept before the purge
// sweep removes them.
const CompletedRetention = 15 * time.Minute

// EligibilityNPCeiling is the trust-negative count above which an agent is
// refused new work.
const EligibilityNPCeiling = 45

// Default generation parameters for synthesized tasks.
const (
	DefaultNegativePrompt = "deformed, disfigured, low quality, blurry"
	DefaultWidth          = 512
	DefaultHeight         = 512
)

// Speed score parameters: full score within the grace window, one point
// off per step beyond it, floored at the minimum.
const (
	speedScoreMax   = 10
	speedScoreMin   = 1
	speedGraceSecs  = 6
	speedStepSecs   = 5
)

// Assigner owns per-task state transitions on the pool side.
type Assigner struct {
	db      *storage.DB
	outputs outputs.Cache
	batcher *Batcher
	log     *zap.Logger
}

// NewAssigner creates a task assigner.
func NewAssigner(db *storage.DB, cache outputs.Cache, batcher *Batcher, log *zap.Logger) *Assigner {
	return &Assigner{db: db, outputs: cache, batcher: batcher, log: log}
}

// Assign selects or synthesizes a task for the requesting agent.
//
// If the agent already has a task in flight, that same task is returned so
// a lost response cannot create duplicate work. Otherwise the oldest
// highest-priority candidate is claimed: pending tasks and sent tasks whose
// dispatch time exceeds the stale window rank equally. When nothing is
// claimable a new low-priority task is synthesized and assigned directly.
func (a *Assigner) Assign(wallet string) (*storage.Task, error) {
	outstanding, err := a.db.OutstandingTask(wallet)
	if err == nil {
		return outstanding, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Transient(err, "look up outstanding task")
	}

	now := time.Now().Unix()
	staleBefore := now - int64(StaleWindow.Seconds())

	candidates, err := a.db.ListAssignable(staleBefore)
	if err != nil {
		return nil, fault.Transient(err, "list assignable tasks")
	}

	for i := range candidates {
		t := &candidates[i]
		err := a.db.ClaimTask(t.ID, wallet, now, t.Time, t.Status)
		if errors.Is(err, sql.ErrNoRows) {
			// Another agent claimed it between read and write.
			continue
		}
		if err != nil {
			return nil, fault.Transient(err, "claim task")
		}
		t.Wallet = wallet
		t.Time = now
		t.Status = storage.StatusSent
		return t, nil
	}

	return a.synthesize(wallet, now)
}

// synthesize creates a new low-priority automatic task already assigned to
// the agent.
func (a *Assigner) synthesize(wallet string, now int64) (*storage.Task, error) {
	t := &storage.Task{
		ID:             uuid.New().String(),
		RetrieveID:     uuid.New().String(),
		Prompt:         RandomImagePrompt(),
		NegativePrompt: DefaultNegativePrompt,
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		Seed:           strconv.FormatInt(randomSeed(), 10),
		Wallet:         wallet,
		Status:         storage.StatusSent,
		Priority:       storage.PriorityLow,
		MessageType:    storage.MessageRequestedTask,
		Time:           now,
	}
	if err := a.db.CreateTask(t); err != nil {
		return nil, fault.Transient(err, "task synthesis failed")
	}

	a.log.Debug("synthesized automatic task",
		zap.String("task_id", t.ID), zap.String("wallet", wallet))
	return t, nil
}

// Complete records an agent's output for its assigned task. It succeeds
// only when the task is in sent status and assigned to this wallet; any
// other state is a conflict. On success the latency-based quality score is
// credited, the output is cached under the retrieval id, and a validation
// slot is stamped when the task belongs to a batch. Returns the credited
// score.
func (a *Assigner) Complete(ctx context.Context, taskID, wallet string, output []byte) (int, error) {
	t, err := a.db.GetTask(taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fault.NotFound("task not found")
	}
	if err != nil {
		return 0, fault.Transient(err, "load task")
	}

	if err := a.db.CompleteTask(taskID, wallet); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fault.Conflict("task is not assigned to this wallet or is no longer in sent status")
		}
		return 0, fault.Transient(err, "complete task")
	}

	now := time.Now().Unix()
	score := SpeedScore(t.Time, now)

	if err := a.db.UpsertParticipant(wallet, score, now); err != nil {
		return 0, fault.Transient(err, "credit participant score")
	}

	if err := a.outputs.Put(ctx, t.RetrieveID, output); err != nil {
		a.log.Warn("cache output", zap.String("retrieve_id", t.RetrieveID), zap.Error(err))
	}

	if t.Priority == storage.PriorityHigh {
		if err := a.batcher.RecordCompletion(taskID, output); err != nil {
			a.log.Info("validation slot not recorded",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}

	return score, nil
}

// Eligible reports whether a wallet may receive new work. Unknown wallets
// are eligible by default; known wallets are refused once their
// trust-negative counter exceeds the ceiling.
func (a *Assigner) Eligible(wallet string) (bool, error) {
	p, err := a.db.GetParticipant(wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fault.Transient(err, "load participant")
	}
	return p.NP <= EligibilityNPCeiling, nil
}

// Retrieve returns the cached output for a retrieval id. When the output
// is missing, the task table distinguishes "still generating" from "gone".
func (a *Assigner) Retrieve(ctx context.Context, retrieveID string) ([]byte, error) {
	data, err := a.outputs.Get(ctx, retrieveID)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, outputs.ErrNotFound) {
		return nil, fault.Transient(err, "read output cache")
	}

	if _, err := a.db.GetTaskByRetrieveID(retrieveID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFound("image not found or deleted")
		}
		return nil, fault.Transient(err, "look up task for retrieval")
	}
	return nil, fault.Conflict("image is still being generated")
}

// SpeedScore converts completion latency into a quality score. Completion
// within the grace window earns the full score; each further step costs one
// point, floored at the minimum.
func SpeedScore(dispatchedAt, completedAt int64) int {
	diff := completedAt - dispatchedAt
	if diff <= speedGraceSecs {
		return speedScoreMax
	}
	penalty := int((diff - speedGraceSecs + speedStepSecs - 1) / speedStepSecs)
	score := speedScoreMax - penalty
	if score < speedScoreMin {
		return speedScoreMin
	}
	return score
}
