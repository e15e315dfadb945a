package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTask(id, wallet, status, priority string, ts int64) *Task {
	return &Task{
		ID: id, RetrieveID: "r-" + id, Prompt: "p", NegativePrompt: "n",
		Width: 512, Height: 512, Seed: "7", Wallet: wallet,
		Status: status, Priority: priority, MessageType: MessageRequestedTask,
		Time: ts,
	}
}

func TestClaimTaskLosesStaleRace(t *testing.T) {
	db := testDB(t)
	now := time.Now().Unix()
	if err := db.CreateTask(newTask("t1", "", StatusPending, PriorityLow, now)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := db.ClaimTask("t1", "w1", now, now, StatusPending); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// The second claimant observed the pre-claim state; its conditional
	// update must lose.
	err := db.ClaimTask("t1", "w2", now, now, StatusPending)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("second claim err = %v, want sql.ErrNoRows", err)
	}

	got, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Wallet != "w1" {
		t.Errorf("task went to %s, want the first claimant", got.Wallet)
	}
}

func TestCompleteTaskConditions(t *testing.T) {
	db := testDB(t)
	now := time.Now().Unix()
	if err := db.CreateTask(newTask("t1", "w1", StatusSent, PriorityLow, now)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := db.CompleteTask("t1", "w2"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("wrong-wallet complete err = %v, want sql.ErrNoRows", err)
	}
	if err := db.CompleteTask("t1", "w1"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := db.CompleteTask("t1", "w1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("repeat complete err = %v, want sql.ErrNoRows", err)
	}
}

func TestListAssignableOrdering(t *testing.T) {
	db := testDB(t)
	now := time.Now().Unix()
	for _, task := range []*Task{
		newTask("low-old", "", StatusPending, PriorityLow, now-300),
		newTask("med", "", StatusPending, PriorityMedium, now-10),
		newTask("high-new", "", StatusPending, PriorityHigh, now),
		newTask("high-stale-sent", "w9", StatusSent, PriorityHigh, now-200),
		newTask("sent-fresh", "w8", StatusSent, PriorityHigh, now),
	} {
		if err := db.CreateTask(task); err != nil {
			t.Fatalf("CreateTask(%s): %v", task.ID, err)
		}
	}

	got, err := db.ListAssignable(now - 120)
	if err != nil {
		t.Fatalf("ListAssignable: %v", err)
	}

	want := []string{"high-stale-sent", "high-new", "med", "low-old"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("candidate[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestPurgeCompletedBefore(t *testing.T) {
	db := testDB(t)
	now := time.Now().Unix()
	for _, task := range []*Task{
		newTask("done-old", "w1", StatusCompleted, PriorityLow, now-1000),
		newTask("done-new", "w1", StatusCompleted, PriorityLow, now),
		newTask("pending", "", StatusPending, PriorityLow, now-1000),
	} {
		if err := db.CreateTask(task); err != nil {
			t.Fatalf("CreateTask(%s): %v", task.ID, err)
		}
	}

	n, err := db.PurgeCompletedBefore(now-900, 100)
	if err != nil {
		t.Fatalf("PurgeCompletedBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want only the old completed task", n)
	}
	if _, err := db.GetTask("done-new"); err != nil {
		t.Errorf("recent completed task purged: %v", err)
	}
	if _, err := db.GetTask("pending"); err != nil {
		t.Errorf("pending task purged: %v", err)
	}
}

func TestPurgeSparesBatchMemberTasks(t *testing.T) {
	db := testDB(t)
	now := time.Now().Unix()

	b := &ValidationBatch{
		ValID: "val-1", Condition: ConditionDispatch, CreatedAt: now - 5000,
		Validators: []string{}, TaskIDs: []string{"a", "b", "c"},
	}
	var members []Task
	for _, id := range b.TaskIDs {
		m := *newTask(id, "w-"+id, StatusCompleted, PriorityHigh, now-5000)
		m.ValID = b.ValID
		members = append(members, m)
	}
	if err := db.CreateValidationBatch(b, members); err != nil {
		t.Fatalf("CreateValidationBatch: %v", err)
	}
	if err := db.CreateTask(newTask("loose", "w9", StatusCompleted, PriorityLow, now-5000)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Only the loose completed task is reclaimed; the batch still references
	// its members.
	n, err := db.PurgeCompletedBefore(now, 100)
	if err != nil {
		t.Fatalf("PurgeCompletedBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want only the loose task", n)
	}
	tasks, err := db.BatchTasks(b.ValID)
	if err != nil {
		t.Fatalf("BatchTasks: %v", err)
	}
	if len(tasks) != BatchSize {
		t.Fatalf("batch member tasks = %d, want %d after purge", len(tasks), BatchSize)
	}

	// Retiring the batch releases the members to the next purge.
	if err := db.DeleteValidationBatch(b.ValID); err != nil {
		t.Fatalf("DeleteValidationBatch: %v", err)
	}
	n, err = db.PurgeCompletedBefore(now, 100)
	if err != nil {
		t.Fatalf("PurgeCompletedBefore after retire: %v", err)
	}
	if n != BatchSize {
		t.Errorf("purged = %d, want the %d released members", n, BatchSize)
	}
}

func TestUpdateTrustCountersCAS(t *testing.T) {
	db := testDB(t)
	now := time.Now().Unix()
	if err := db.UpsertParticipant("w1", 0, now); err != nil {
		t.Fatalf("UpsertParticipant: %v", err)
	}

	if err := db.UpdateTrustCounters("w1", DefaultTP, DefaultNP, DefaultTP+1, DefaultNP); err != nil {
		t.Fatalf("UpdateTrustCounters: %v", err)
	}

	// Same observed values again: the row has moved on, so the write loses.
	err := db.UpdateTrustCounters("w1", DefaultTP, DefaultNP, DefaultTP+2, DefaultNP)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("stale counter write err = %v, want sql.ErrNoRows", err)
	}
}

func TestDeductBalanceAtomicity(t *testing.T) {
	db := testDB(t)
	now := time.Now().Unix()
	if err := db.EnsureAccount("w1", "10", now); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	if err := db.DeductBalance("w1", "10", "8", "2", "deduct_user_balance", now); err != nil {
		t.Fatalf("DeductBalance: %v", err)
	}

	// A write based on the stale balance must not commit a ledger entry.
	err := db.DeductBalance("w1", "10", "7", "3", "deduct_user_balance", now)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("stale deduct err = %v, want sql.ErrNoRows", err)
	}

	entries, total, err := db.LedgerEntries("w1", 1, 10)
	if err != nil {
		t.Fatalf("LedgerEntries: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Errorf("ledger entries = %d, want exactly 1", total)
	}

	p, err := db.GetParticipant("w1")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if p.Balance != "8" {
		t.Errorf("balance = %s, want 8", p.Balance)
	}
}

func TestAddBatchValidator(t *testing.T) {
	db := testDB(t)
	now := time.Now().Unix()

	b := &ValidationBatch{
		ValID: "val-1", Condition: ConditionPending, CreatedAt: now,
		Validators: []string{}, TaskIDs: []string{"a", "b", "c"},
	}
	tasks := []Task{
		*newTask("a", "w1", StatusCompleted, PriorityHigh, now),
		*newTask("b", "w2", StatusCompleted, PriorityHigh, now),
		*newTask("c", "w3", StatusCompleted, PriorityHigh, now),
	}
	if err := db.CreateValidationBatch(b, tasks); err != nil {
		t.Fatalf("CreateValidationBatch: %v", err)
	}

	added, err := db.AddBatchValidator("val-1", "v1")
	if err != nil || !added {
		t.Fatalf("AddBatchValidator = %v, %v; want added", added, err)
	}
	added, err = db.AddBatchValidator("val-1", "v1")
	if err != nil || added {
		t.Errorf("repeat AddBatchValidator = %v, %v; want not added", added, err)
	}

	got, err := db.GetBatchByValID("val-1")
	if err != nil {
		t.Fatalf("GetBatchByValID: %v", err)
	}
	if len(got.Validators) != 1 || got.Validators[0] != "v1" {
		t.Errorf("validators = %v, want [v1]", got.Validators)
	}
}

func TestSaveReceivedBatchDuplicate(t *testing.T) {
	db := testDB(t)
	rb := &ReceivedBatch{
		ValID: "val-1", PoolWallet: "pw", PoolIP: "10.0.0.1", PoolPort: 9090,
		Payload: []byte("[]"), CreatedAt: time.Now().Unix(),
	}
	if err := db.SaveReceivedBatch(rb); err != nil {
		t.Fatalf("SaveReceivedBatch: %v", err)
	}
	if err := db.SaveReceivedBatch(rb); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate save err = %v, want ErrDuplicate", err)
	}
}
