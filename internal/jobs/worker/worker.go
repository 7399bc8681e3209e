// Package worker drains the outbox: a pool of poll loops claims pending
// events under row locks and dispatches them to registered handlers.
// Delivery is at-least-once; every handler must tolerate redelivery.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/repos"
	"github.com/personakit/personakit-backend/internal/types"
	"github.com/personakit/personakit-backend/internal/utils"
)

type HandlerFunc func(ctx context.Context, event types.OutboxEvent) error

// TxRunner runs fn inside a transaction. Claiming must happen inside one
// so the row locks survive from SELECT FOR UPDATE to the status flip.
type TxRunner func(ctx context.Context, fn func(tx *gorm.DB) error) error

func GormTxRunner(db *gorm.DB) TxRunner {
	return func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return db.WithContext(ctx).Transaction(fn)
	}
}

type Pool struct {
	runTx        TxRunner
	outbox       repos.OutboxRepo
	handlers     map[string]HandlerFunc
	concurrency  int
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	log          *logger.Logger
	wg           sync.WaitGroup
}

func NewPool(runTx TxRunner, outbox repos.OutboxRepo, log *logger.Logger) *Pool {
	return &Pool{
		runTx:        runTx,
		outbox:       outbox,
		handlers:     map[string]HandlerFunc{},
		concurrency:  utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, log),
		pollInterval: time.Duration(utils.GetEnvAsInt("OUTBOX_POLL_INTERVAL_MS", 500, log)) * time.Millisecond,
		batchSize:    utils.GetEnvAsInt("OUTBOX_BATCH_SIZE", 10, log),
		maxAttempts:  utils.GetEnvAsInt("OUTBOX_MAX_ATTEMPTS", 3, log),
		log:          log.With("component", "OutboxWorker"),
	}
}

// Register binds an event type to its handler. Call before Start.
func (p *Pool) Register(eventType string, handler HandlerFunc) {
	p.handlers[eventType] = handler
}

// Start launches the poll loops. They stop when ctx is canceled; Wait
// blocks until in-flight events finish.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("outbox workers starting",
		"concurrency", p.concurrency,
		"poll_interval", p.pollInterval.String(),
		"batch_size", p.batchSize,
	)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keep draining while batches come back full, so a backlog
			// clears faster than one batch per tick.
			for {
				n, err := p.drainOnce(ctx)
				if err != nil {
					p.log.Error("outbox claim failed", "worker", id, "error", err)
					break
				}
				if n < p.batchSize {
					break
				}
			}
		}
	}
}

func (p *Pool) drainOnce(ctx context.Context) (int, error) {
	var claimed []types.OutboxEvent
	err := p.runTx(ctx, func(tx *gorm.DB) error {
		var err error
		claimed, err = p.outbox.ClaimBatch(ctx, tx, p.batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, event := range claimed {
		p.dispatch(ctx, event)
	}
	return len(claimed), nil
}

func (p *Pool) dispatch(ctx context.Context, event types.OutboxEvent) {
	err := p.invoke(ctx, event)
	if err == nil {
		if markErr := p.outbox.MarkDone(ctx, nil, event.ID); markErr != nil {
			p.log.Error("failed to mark event done", "event_id", event.ID.String(), "error", markErr)
		}
		return
	}
	p.log.Warn("outbox handler failed",
		"event_id", event.ID.String(),
		"event_type", event.EventType,
		"attempts", event.Attempts,
		"error", err,
	)
	if markErr := p.outbox.MarkFailed(ctx, nil, &event, err, p.maxAttempts); markErr != nil {
		p.log.Error("failed to mark event failed", "event_id", event.ID.String(), "error", markErr)
	}
}

// invoke shields the loop from handler panics; a panicking handler is a
// failed attempt, not a dead worker.
func (p *Pool) invoke(ctx context.Context, event types.OutboxEvent) (err error) {
	handler, ok := p.handlers[event.EventType]
	if !ok {
		return fmt.Errorf("no handler registered for event type %q", event.EventType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}
