package pool

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/protocol"
	"github.com/upow-network/imagepool/internal/storage"
)

// Settlement applies validator verdicts to participant trust counters and
// retires the settled batch.
type Settlement struct {
	db      *storage.DB
	batcher *Batcher
	apply   func(entry protocol.VerdictEntry, now int64) error
	log     *zap.Logger
}

// NewSettlement creates a Settlement applier.
func NewSettlement(db *storage.DB, batcher *Batcher, log *zap.Logger) *Settlement {
	s := &Settlement{db: db, batcher: batcher, log: log}
	s.apply = s.applyVerdict
	return s
}

// ApplyReport settles one verdict report. The first report for a batch
// moves every named participant's trust counters and deletes the live
// batch; the batch id then refers to nothing live, so a replayed or late
// report is a conflict. A validator already recorded on the batch is
// acknowledged without effect.
func (s *Settlement) ApplyReport(r *protocol.VerdictReport) error {
	if err := protocol.ValidateReport(r); err != nil {
		return fault.Validation("malformed verdict report: %v", err)
	}

	if !s.batcher.IsValid(r.ValID) {
		return fault.Integrity("verdict references an unknown or expired batch id")
	}

	if _, err := s.db.GetBatchByValID(r.ValID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.Conflict("batch already settled")
		}
		return fault.Transient(err, "load batch for settlement")
	}

	added, err := s.db.AddBatchValidator(r.ValID, r.ValidatorAddress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.Conflict("batch settled concurrently")
		}
		return fault.Transient(err, "record settling validator")
	}
	if !added {
		s.log.Info("duplicate verdict from validator ignored",
			zap.String("val_id", r.ValID),
			zap.String("validator", r.ValidatorAddress))
		return nil
	}

	now := time.Now().Unix()
	seen := make(map[string]bool, len(r.Tasks))
	var failed []string
	for _, entry := range r.Tasks {
		if seen[entry.WalletAddress] {
			continue
		}
		seen[entry.WalletAddress] = true

		if err := s.apply(entry, now); err != nil {
			failed = append(failed, entry.WalletAddress)
			s.log.Warn("trust counters not updated",
				zap.String("val_id", r.ValID),
				zap.String("wallet", entry.WalletAddress),
				zap.Error(err))
		}
	}

	// The batch is retired either way: a lost counter write is terminal,
	// never retried, so redelivering the report could not repair it. The
	// ack names the wallets left unapplied.
	if err := s.db.DeleteValidationBatch(r.ValID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fault.Transient(err, "retire settled batch")
	}

	s.log.Info("validation batch settled",
		zap.String("val_id", r.ValID),
		zap.String("validator", r.ValidatorAddress),
		zap.Int("participants", len(seen)),
		zap.Int("failed", len(failed)))

	if len(failed) > 0 {
		return fault.Conflict("trust counters not applied for: %s", strings.Join(failed, ", "))
	}
	return nil
}

// applyVerdict moves one participant's trust counters. A pass raises tp
// and lowers np; a fail does the opposite. Both counters saturate at zero.
// The write is conditional on the counters observed here; a lost race is
// reported, not retried.
func (s *Settlement) applyVerdict(entry protocol.VerdictEntry, now int64) error {
	if err := s.db.UpsertParticipant(entry.WalletAddress, 0, now); err != nil {
		return fault.Transient(err, "ensure participant")
	}
	p, err := s.db.GetParticipant(entry.WalletAddress)
	if err != nil {
		return fault.Transient(err, "load participant")
	}

	newTP, newNP := p.TP, p.NP
	switch entry.Result {
	case protocol.ResultPassed:
		newTP += protocol.TrustUnit
		if newNP -= protocol.TrustUnit; newNP < 0 {
			newNP = 0
		}
	case protocol.ResultFailed:
		newNP += protocol.TrustUnit
		if newTP -= protocol.TrustUnit; newTP < 0 {
			newTP = 0
		}
	default:
		return fault.Validation("unknown verdict result %q", entry.Result)
	}

	err = s.db.UpdateTrustCounters(entry.WalletAddress, p.TP, p.NP, newTP, newNP)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Conflict("trust counters changed concurrently")
	}
	if err != nil {
		return fault.Transient(err, "write trust counters")
	}
	return nil
}
