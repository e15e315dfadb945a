// Package protocol defines the signed pool-to-validator batch envelope and
// the validator-to-pool verdict report, together with the canonical digest
// both sides must agree on.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/upow-network/imagepool/internal/wallet"
)

// TimeLayout is the wire format for all envelope timestamps.
const TimeLayout = time.RFC3339

// TaskRecord is one task inside a batch envelope. Output carries the
// base64-encoded image and is deliberately excluded from the signed digest.
type TaskRecord struct {
	ID             string `json:"id" validate:"required"`
	RetrieveID     string `json:"retrieve_id" validate:"required"`
	Task           string `json:"task" validate:"required"`
	NegativePrompt string `json:"negative_prompt"`
	WalletAddress  string `json:"wallet_address" validate:"required"`
	Width          int    `json:"width" validate:"gt=0"`
	Height         int    `json:"height" validate:"gt=0"`
	Seed           string `json:"seed" validate:"required"`
	Time           string `json:"time" validate:"required"`
	Status         string `json:"status" validate:"required"`
	Type           string `json:"type" validate:"required"`
	MessageType    string `json:"message_type" validate:"required"`
	Output         string `json:"output" validate:"required,base64"`
}

// BatchEnvelope is the signed handoff of one validation batch.
type BatchEnvelope struct {
	ValID      string       `json:"val_id" validate:"required"`
	PoolIP     string       `json:"pool_ip" validate:"required"`
	PoolPort   int          `json:"pool_port" validate:"gt=0"`
	PoolWallet string       `json:"pool_wallet" validate:"required"`
	Condition  string       `json:"condition" validate:"required"`
	CreatedAt  string       `json:"createdAt" validate:"required"`
	Tasks      []TaskRecord `json:"tasks" validate:"len=3,dive"`
	Signature  string       `json:"signature" validate:"required"`
	HashStr    string       `json:"hash_str" validate:"required,hexadecimal"`
}

var validate = validator.New()

// ValidateEnvelope checks the structural boundary rules of a received
// envelope: all required fields present and exactly three task records.
func ValidateEnvelope(e *BatchEnvelope) error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("envelope validation: %w", err)
	}
	return nil
}

// CanonicalDigest serializes the envelope's signed field set with stable
// key ordering and returns its SHA-256 digest as lowercase hex. Binary
// outputs, the signature, and the digest itself are excluded.
func CanonicalDigest(e *BatchEnvelope) (string, error) {
	tasks := make([]map[string]any, 0, len(e.Tasks))
	for _, t := range e.Tasks {
		tasks = append(tasks, map[string]any{
			"id":              t.ID,
			"retrieve_id":     t.RetrieveID,
			"task":            t.Task,
			"negative_prompt": t.NegativePrompt,
			"wallet_address":  t.WalletAddress,
			"width":           t.Width,
			"height":          t.Height,
			"seed":            t.Seed,
			"time":            t.Time,
			"status":          t.Status,
			"type":            t.Type,
			"message_type":    t.MessageType,
		})
	}

	signed := map[string]any{
		"val_id":      e.ValID,
		"pool_ip":     e.PoolIP,
		"pool_port":   e.PoolPort,
		"pool_wallet": e.PoolWallet,
		"condition":   e.Condition,
		"createdAt":   e.CreatedAt,
		"tasks":       tasks,
	}

	// encoding/json emits map keys in sorted order, which is the whole
	// canonicalization contract here.
	b, err := json.Marshal(signed)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Sign computes the canonical digest and attaches it together with the
// pool's signature over it.
func Sign(e *BatchEnvelope, key *wallet.KeyPair) error {
	digest, err := CanonicalDigest(e)
	if err != nil {
		return err
	}
	sig, err := key.SignDigest(digest)
	if err != nil {
		return err
	}
	e.HashStr = digest
	e.Signature = sig
	return nil
}

// FormatTime renders a unix timestamp in the wire time layout.
func FormatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(TimeLayout)
}
