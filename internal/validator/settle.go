package validator

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/protocol"
	"github.com/upow-network/imagepool/internal/storage"
)

// settleDeadline bounds one verdict delivery round trip.
const settleDeadline = 15 * time.Second

// Processor drains the intake queue: each received batch is adjudicated
// once and either discarded or turned into a queued verdict report.
type Processor struct {
	db      *storage.DB
	engine  *Engine
	address string
	log     *zap.Logger
}

// NewProcessor creates a Processor. address is this validator's wallet
// address, stamped on every report it produces.
func NewProcessor(db *storage.DB, engine *Engine, address string, log *zap.Logger) *Processor {
	return &Processor{db: db, engine: engine, address: address, log: log}
}

// ProcessOnce adjudicates the oldest received batch, if any. Returns false
// when the queue is empty. A batch that cannot be adjudicated is dropped;
// an all-fail outcome is also dropped, because a batch where nobody agrees
// punishes nobody.
func (p *Processor) ProcessOnce(ctx context.Context) (bool, error) {
	rb, err := p.db.NextReceivedBatch()
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fault.Transient(err, "read intake queue")
	}

	if err := p.db.MarkBatchProcessed(rb.ValID, rb.PoolWallet, time.Now().Unix()); err != nil {
		return false, fault.Transient(err, "mark batch processed")
	}

	report, err := p.adjudicate(rb)
	if err != nil {
		p.log.Warn("batch discarded without verdict",
			zap.String("val_id", rb.ValID), zap.Error(err))
		return true, p.discard(rb.ValID)
	}
	if report == nil {
		p.log.Info("all samples failed consensus, batch discarded",
			zap.String("val_id", rb.ValID))
		return true, p.discard(rb.ValID)
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return false, fault.Transient(err, "marshal verdict report")
	}
	if err := p.db.SaveVerdictReport(&storage.VerdictReportRow{
		ValID:     rb.ValID,
		PoolIP:    rb.PoolIP,
		PoolPort:  rb.PoolPort,
		Payload:   payload,
		CreatedAt: time.Now().Unix(),
	}); err != nil {
		return false, fault.Transient(err, "queue verdict report")
	}

	p.log.Info("verdict queued for delivery",
		zap.String("val_id", rb.ValID),
		zap.Int("participants", len(report.Tasks)))
	return true, p.discard(rb.ValID)
}

// discard removes a batch from the intake queue.
func (p *Processor) discard(valID string) error {
	if err := p.db.DeleteReceivedBatch(valID); err != nil {
		return fault.Transient(err, "drop received batch")
	}
	return nil
}

// adjudicate runs consensus over the batch payload and builds the verdict
// report. Returns (nil, nil) for an all-fail outcome.
func (p *Processor) adjudicate(rb *storage.ReceivedBatch) (*protocol.VerdictReport, error) {
	var tasks []protocol.TaskRecord
	if err := json.Unmarshal(rb.Payload, &tasks); err != nil {
		return nil, fault.Validation("stored payload is not a task array: %v", err)
	}

	samples := make([]Sample, 0, len(tasks))
	for i, t := range tasks {
		out, err := base64.StdEncoding.DecodeString(t.Output)
		if err != nil {
			return nil, fault.Validation("task %d output is not base64: %v", i, err)
		}
		samples = append(samples, Sample{WalletAddress: t.WalletAddress, Output: out})
	}

	passed, err := p.engine.Adjudicate(samples)
	if err != nil {
		return nil, err
	}
	if AllFailed(passed) {
		return nil, nil
	}

	// One entry per distinct wallet; a wallet with any passing sample passes.
	walletPassed := make(map[string]bool)
	order := make([]string, 0, len(samples))
	for i, s := range samples {
		if _, ok := walletPassed[s.WalletAddress]; !ok {
			order = append(order, s.WalletAddress)
		}
		walletPassed[s.WalletAddress] = walletPassed[s.WalletAddress] || passed[i]
	}

	report := &protocol.VerdictReport{
		ValID:            rb.ValID,
		ValidatorAddress: p.address,
		PoolIP:           rb.PoolIP,
		PoolPort:         rb.PoolPort,
	}
	for _, w := range order {
		entry := protocol.VerdictEntry{WalletAddress: w}
		if walletPassed[w] {
			entry.Result = protocol.ResultPassed
			entry.TP = protocol.TrustUnit
		} else {
			entry.Result = protocol.ResultFailed
			entry.NP = protocol.TrustUnit
		}
		report.Tasks = append(report.Tasks, entry)
	}
	return report, nil
}

// Sender delivers queued verdict reports back to their pools over the
// pool's settlement websocket.
type Sender struct {
	db     *storage.DB
	dialer *websocket.Dialer
	log    *zap.Logger
}

// NewSender creates a Sender using the default websocket dialer.
func NewSender(db *storage.DB, log *zap.Logger) *Sender {
	return &Sender{db: db, dialer: websocket.DefaultDialer, log: log}
}

// SendOnce delivers the oldest queued report, if any. Returns false when
// the queue is empty. A report the pool refuses permanently (anything but
// a transport failure) is dropped; retrying it cannot change the answer.
func (s *Sender) SendOnce(ctx context.Context) (bool, error) {
	row, err := s.db.NextVerdictReport()
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fault.Transient(err, "read verdict queue")
	}

	ack, err := s.deliver(ctx, row)
	if err != nil {
		// Transport failure: keep the report queued and stop draining so
		// the loop does not spin against an unreachable pool.
		s.log.Warn("verdict delivery failed",
			zap.String("val_id", row.ValID), zap.Error(err))
		return false, nil
	}

	if ack.Status != "ok" {
		s.log.Warn("pool refused verdict",
			zap.String("val_id", row.ValID),
			zap.String("status", ack.Status),
			zap.String("message", ack.Message))
	} else {
		s.log.Info("verdict settled", zap.String("val_id", row.ValID))
	}

	if err := s.db.DeleteVerdictReport(row.ValID); err != nil {
		return false, fault.Transient(err, "drop delivered verdict")
	}
	return true, nil
}

// deliver performs one websocket round trip to the pool's settle endpoint.
func (s *Sender) deliver(ctx context.Context, row *storage.VerdictReportRow) (*protocol.SettleAck, error) {
	dialCtx, cancel := context.WithTimeout(ctx, settleDeadline)
	defer cancel()

	url := fmt.Sprintf("ws://%s:%d/settle", row.PoolIP, row.PoolPort)
	conn, _, err := s.dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(settleDeadline)
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, row.Payload); err != nil {
		return nil, fmt.Errorf("send verdict: %w", err)
	}

	ack := &protocol.SettleAck{}
	if err := conn.ReadJSON(ack); err != nil {
		return nil, fmt.Errorf("read ack: %w", err)
	}
	return ack, nil
}
