package pool

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/protocol"
	"github.com/upow-network/imagepool/internal/storage"
	"github.com/upow-network/imagepool/internal/wallet"
)

// uploadPath is the validator endpoint that receives signed batch envelopes.
const uploadPath = "/upload_tasks/"

// Uploader hands dispatched validation batches to the validator over a
// signed envelope.
type Uploader struct {
	db           *storage.DB
	key          *wallet.KeyPair
	poolIP       string
	poolPort     int
	validatorURL string
	client       *http.Client
	log          *zap.Logger
}

// NewUploader creates an Uploader. validatorURL is the validator's base URL
// without a trailing slash.
func NewUploader(db *storage.DB, key *wallet.KeyPair, poolIP string, poolPort int, validatorURL string, log *zap.Logger) *Uploader {
	return &Uploader{
		db:           db,
		key:          key,
		poolIP:       poolIP,
		poolPort:     poolPort,
		validatorURL: validatorURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          log,
	}
}

// BuildEnvelope assembles the unsigned envelope for the live batch. Returns
// nil when there is no batch in dispatch condition; only dispatched batches
// leave the pool.
func (u *Uploader) BuildEnvelope() (*protocol.BatchEnvelope, error) {
	batch, err := u.db.GetValidationBatch()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Transient(err, "load live batch")
	}
	if batch.Condition != storage.ConditionDispatch {
		return nil, nil
	}

	tasks, err := u.db.BatchTasks(batch.ValID)
	if err != nil {
		return nil, fault.Transient(err, "load batch tasks")
	}
	if len(tasks) != storage.BatchSize {
		return nil, fault.Integrity("dispatched batch %s holds %d of %d member tasks", batch.ValID, len(tasks), storage.BatchSize)
	}
	outputs, err := u.db.SlotOutputs(batch.ValID)
	if err != nil {
		return nil, fault.Transient(err, "load batch outputs")
	}

	env := &protocol.BatchEnvelope{
		ValID:      batch.ValID,
		PoolIP:     u.poolIP,
		PoolPort:   u.poolPort,
		PoolWallet: u.key.Address(),
		Condition:  batch.Condition,
		CreatedAt:  protocol.FormatTime(batch.CreatedAt),
	}
	for _, t := range tasks {
		out, ok := outputs[t.ID]
		if !ok {
			return nil, fault.Integrity("dispatched batch %s is missing the output for task %s", batch.ValID, t.ID)
		}
		env.Tasks = append(env.Tasks, protocol.TaskRecord{
			ID:             t.ID,
			RetrieveID:     t.RetrieveID,
			Task:           t.Prompt,
			NegativePrompt: t.NegativePrompt,
			WalletAddress:  t.Wallet,
			Width:          t.Width,
			Height:         t.Height,
			Seed:           t.Seed,
			Time:           protocol.FormatTime(t.Time),
			Status:         t.Status,
			Type:           t.Priority,
			MessageType:    t.MessageType,
			Output:         base64.StdEncoding.EncodeToString(out),
		})
	}
	return env, nil
}

// UploadOnce signs and delivers the live dispatched batch, if any. The
// batch stays live until the validator's verdict settles it; repeat
// deliveries are harmless because the validator deduplicates on val_id.
func (u *Uploader) UploadOnce() error {
	env, err := u.BuildEnvelope()
	if err != nil {
		return err
	}
	if env == nil {
		return nil
	}

	if err := protocol.Sign(env, u.key); err != nil {
		return fault.Transient(err, "sign envelope")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fault.Transient(err, "marshal envelope")
	}

	resp, err := u.client.Post(u.validatorURL+uploadPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return fault.Transient(err, "deliver envelope")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fault.Transient(fmt.Errorf("validator returned %s", resp.Status), "deliver envelope")
	}

	u.log.Info("validation batch uploaded",
		zap.String("val_id", env.ValID),
		zap.String("validator", u.validatorURL))
	return nil
}
