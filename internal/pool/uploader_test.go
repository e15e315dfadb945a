package pool

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/protocol"
	"github.com/upow-network/imagepool/internal/storage"
	"github.com/upow-network/imagepool/internal/wallet"
)

func testUploader(t *testing.T, validatorURL string) (*Uploader, *storage.DB, *wallet.KeyPair) {
	t.Helper()
	_, _, db, _ := testPool(t)
	key, err := wallet.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	u := NewUploader(db, key, "10.0.0.1", 9090, validatorURL, zap.NewNop())
	return u, db, key
}

// dispatchBatch seeds a batch in dispatch condition with outputs on every
// slot.
func dispatchBatch(t *testing.T, db *storage.DB) *storage.ValidationBatch {
	t.Helper()
	batch := seedBatch(t, db, time.Now().Unix(), [3]string{"w1", "w2", "w3"})
	for _, id := range batch.TaskIDs {
		if err := db.SetSlotOutput(batch.ValID, id, []byte("img-"+id)); err != nil {
			t.Fatalf("SetSlotOutput: %v", err)
		}
	}
	if err := db.SetBatchCondition(batch.ValID, storage.ConditionPending, storage.ConditionDispatch); err != nil {
		t.Fatalf("SetBatchCondition: %v", err)
	}
	return batch
}

func TestBuildEnvelopeNoBatch(t *testing.T) {
	u, _, _ := testUploader(t, "http://unused")

	env, err := u.BuildEnvelope()
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if env != nil {
		t.Error("envelope built with no live batch")
	}
}

func TestBuildEnvelopeSkipsPendingBatch(t *testing.T) {
	u, db, _ := testUploader(t, "http://unused")
	seedBatch(t, db, time.Now().Unix(), [3]string{"w1", "w2", "w3"})

	env, err := u.BuildEnvelope()
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if env != nil {
		t.Error("a batch still collecting outputs must not leave the pool")
	}
}

func TestBuildEnvelopeCarriesBatch(t *testing.T) {
	u, db, key := testUploader(t, "http://unused")
	batch := dispatchBatch(t, db)

	env, err := u.BuildEnvelope()
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if env == nil {
		t.Fatal("no envelope for a dispatched batch")
	}
	if env.ValID != batch.ValID || env.Condition != storage.ConditionDispatch {
		t.Errorf("envelope = %s/%s, want %s in dispatch", env.ValID, env.Condition, batch.ValID)
	}
	if env.PoolWallet != key.Address() || env.PoolIP != "10.0.0.1" || env.PoolPort != 9090 {
		t.Errorf("envelope origin = %s@%s:%d, want the pool identity", env.PoolWallet, env.PoolIP, env.PoolPort)
	}
	if len(env.Tasks) != storage.BatchSize {
		t.Fatalf("tasks = %d, want %d", len(env.Tasks), storage.BatchSize)
	}
	for i, tr := range env.Tasks {
		want := base64.StdEncoding.EncodeToString([]byte("img-" + batch.TaskIDs[i]))
		if tr.Output != want {
			t.Errorf("task %d output not the base64 slot blob", i)
		}
	}
}

func TestPurgeLeavesDispatchedBatchIntact(t *testing.T) {
	u, db, _ := testUploader(t, "http://unused")
	batch := dispatchBatch(t, db)

	// A dispatch-ready batch whose validator is unreachable can outlive the
	// completed-task retention window; the purge must not strand it.
	n, err := db.PurgeCompletedBefore(time.Now().Unix()+100, 100)
	if err != nil {
		t.Fatalf("PurgeCompletedBefore: %v", err)
	}
	if n != 0 {
		t.Errorf("purged = %d member tasks of a live batch, want 0", n)
	}

	env, err := u.BuildEnvelope()
	if err != nil {
		t.Fatalf("BuildEnvelope after purge: %v", err)
	}
	if env == nil || len(env.Tasks) != storage.BatchSize {
		t.Fatalf("envelope lost member tasks after purge: %+v", env)
	}
	if env.ValID != batch.ValID {
		t.Errorf("envelope val_id = %s, want %s", env.ValID, batch.ValID)
	}
}

func TestUploadOnceDeliversSignedEnvelope(t *testing.T) {
	received := make(chan *protocol.BatchEnvelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload_tasks/" {
			t.Errorf("path = %s, want /upload_tasks/", r.URL.Path)
		}
		env := &protocol.BatchEnvelope{}
		if err := json.NewDecoder(r.Body).Decode(env); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		received <- env
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, db, key := testUploader(t, srv.URL)
	dispatchBatch(t, db)

	if err := u.UploadOnce(); err != nil {
		t.Fatalf("UploadOnce: %v", err)
	}

	env := <-received
	digest, err := protocol.CanonicalDigest(env)
	if err != nil {
		t.Fatalf("CanonicalDigest: %v", err)
	}
	if digest != env.HashStr {
		t.Error("delivered digest does not match the envelope contents")
	}
	if err := wallet.VerifyDigest(key.Address(), env.HashStr, env.Signature); err != nil {
		t.Errorf("signature does not verify against the pool address: %v", err)
	}
}

func TestUploadOnceNothingToSend(t *testing.T) {
	u, _, _ := testUploader(t, "http://127.0.0.1:1")

	// No dispatched batch: no request is attempted at all.
	if err := u.UploadOnce(); err != nil {
		t.Errorf("UploadOnce with empty pool: %v", err)
	}
}
