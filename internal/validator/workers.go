package validator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Background loop intervals.
const (
	processInterval = 10 * time.Second
	sendInterval    = 10 * time.Second
)

// Workers runs the validator's background loops: batch adjudication and
// verdict delivery.
type Workers struct {
	processor *Processor
	sender    *Sender
	log       *zap.Logger
}

// NewWorkers wires the background loops.
func NewWorkers(processor *Processor, sender *Sender, log *zap.Logger) *Workers {
	return &Workers{processor: processor, sender: sender, log: log}
}

// Start launches the loops. They stop when ctx is cancelled.
func (w *Workers) Start(ctx context.Context) {
	go w.runProcessor(ctx)
	go w.runSender(ctx)
}

// runProcessor drains the intake queue, sleeping only when it is empty.
func (w *Workers) runProcessor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(processInterval):
			for {
				worked, err := w.processor.ProcessOnce(ctx)
				if err != nil {
					w.log.Error("process received batch", zap.Error(err))
					break
				}
				if !worked {
					break
				}
			}
		}
	}
}

// runSender drains the verdict queue, sleeping only when it is empty.
func (w *Workers) runSender(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(sendInterval):
			for {
				worked, err := w.sender.SendOnce(ctx)
				if err != nil {
					w.log.Error("send verdict report", zap.Error(err))
					break
				}
				if !worked {
					break
				}
			}
		}
	}
}
