package validator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/protocol"
	"github.com/upow-network/imagepool/internal/storage"
	"github.com/upow-network/imagepool/internal/wallet"
)

// Verifier checks incoming batch envelopes before they reach the consensus
// queue. Checks run cheapest-first: registration, digest, signature, then
// the duplicate guard.
type Verifier struct {
	db       *storage.DB
	registry Registry
	log      *zap.Logger
}

// NewVerifier creates a Verifier over the given store and pool registry.
func NewVerifier(db *storage.DB, registry Registry, log *zap.Logger) *Verifier {
	return &Verifier{db: db, registry: registry, log: log}
}

// Verify validates an envelope end to end and queues it for adjudication.
// Any integrity failure rejects the whole batch; there is no partial accept.
func (v *Verifier) Verify(ctx context.Context, env *protocol.BatchEnvelope) error {
	if err := protocol.ValidateEnvelope(env); err != nil {
		return fault.Validation("malformed envelope: %v", err)
	}

	allowed, err := v.registry.Allowed(ctx, env.PoolWallet)
	if err != nil {
		return fault.Transient(err, "check pool registration")
	}
	if !allowed {
		return fault.Validation("pool wallet %s is not registered", env.PoolWallet)
	}

	digest, err := protocol.CanonicalDigest(env)
	if err != nil {
		return fault.Transient(err, "recompute envelope digest")
	}
	if digest != env.HashStr {
		return fault.Integrity("envelope digest mismatch")
	}

	if err := wallet.VerifyDigest(env.PoolWallet, digest, env.Signature); err != nil {
		return fault.Integrity("envelope signature rejected: %v", err)
	}

	seen, err := v.db.HasSeenBatch(env.ValID)
	if err != nil {
		return fault.Transient(err, "check duplicate batch")
	}
	if seen {
		return fault.Conflict("batch %s was already submitted", env.ValID)
	}

	payload, err := json.Marshal(env.Tasks)
	if err != nil {
		return fault.Transient(err, "store envelope payload")
	}

	err = v.db.SaveReceivedBatch(&storage.ReceivedBatch{
		ValID:      env.ValID,
		PoolWallet: env.PoolWallet,
		PoolIP:     env.PoolIP,
		PoolPort:   env.PoolPort,
		Payload:    payload,
		CreatedAt:  time.Now().Unix(),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return fault.Conflict("batch %s was already submitted", env.ValID)
	}
	if err != nil {
		return fault.Transient(err, "queue received batch")
	}

	v.log.Info("batch envelope accepted",
		zap.String("val_id", env.ValID),
		zap.String("pool_wallet", env.PoolWallet))
	return nil
}
