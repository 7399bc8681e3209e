package repos

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/types"
)

const (
	retryBaseDelay = time.Minute
	retryMaxDelay  = time.Hour

	// staleClaimAfter bounds how long an event may sit in processing
	// before it counts as abandoned by a lost worker and becomes
	// claimable again. Redelivery to a slow-but-alive worker is possible
	// past this bound; handlers are idempotent.
	staleClaimAfter = 5 * time.Minute
)

// OutboxRepo is the at-least-once queue. Enqueue always runs in the same
// transaction as the state change it announces; ClaimBatch hands events to
// exactly one worker at a time via FOR UPDATE SKIP LOCKED.
type OutboxRepo interface {
	Enqueue(ctx context.Context, tx *gorm.DB, event *types.OutboxEvent) error
	ClaimBatch(ctx context.Context, tx *gorm.DB, limit int) ([]types.OutboxEvent, error)
	MarkDone(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	MarkFailed(ctx context.Context, tx *gorm.DB, event *types.OutboxEvent, cause error, maxAttempts int) error
	CountByStatus(ctx context.Context, tx *gorm.DB, status string) (int64, error)
}

type outboxRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOutboxRepo(db *gorm.DB, log *logger.Logger) OutboxRepo {
	return &outboxRepo{db: db, log: log.With("repo", "OutboxRepo")}
}

func (r *outboxRepo) Enqueue(ctx context.Context, tx *gorm.DB, event *types.OutboxEvent) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if event.Status == "" {
		event.Status = types.OutboxStatusPending
	}
	if event.RunAfter.IsZero() {
		event.RunAfter = time.Now().UTC()
	}
	return transaction.WithContext(ctx).Create(event).Error
}

// ClaimBatch picks up to limit runnable events, oldest first, and flips
// them to processing with the attempt counted. Runnable means pending and
// due, or stuck in processing past staleClaimAfter (a worker crashed
// between claim and MarkDone). The NOT EXISTS guard skips any event whose
// aggregate still has an earlier unfinished event, so events for one
// aggregate are always delivered in creation order even with many workers
// polling; a stale event is the earliest unfinished of its aggregate and
// so gets reclaimed before anything behind it runs.
func (r *outboxRepo) ClaimBatch(ctx context.Context, tx *gorm.DB, limit int) ([]types.OutboxEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 10
	}

	staleCutoff := time.Now().UTC().Add(-staleClaimAfter)
	var events []types.OutboxEvent
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("(status = ? AND run_after <= now()) OR (status = ? AND updated_at < ?)",
			types.OutboxStatusPending, types.OutboxStatusProcessing, staleCutoff).
		Where(`NOT EXISTS (
			SELECT 1 FROM outbox_event prior
			WHERE prior.aggregate_id = outbox_event.aggregate_id
			  AND prior.status IN (?, ?)
			  AND prior.created_at < outbox_event.created_at
		)`, types.OutboxStatusPending, types.OutboxStatusProcessing).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	now := time.Now().UTC()
	err = transaction.WithContext(ctx).
		Model(&types.OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":     types.OutboxStatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Status = types.OutboxStatusProcessing
		events[i].Attempts++
	}
	return events, nil
}

func (r *outboxRepo) MarkDone(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     types.OutboxStatusDone,
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkFailed requeues the event with exponential backoff, or parks it as
// failed once attempts reach maxAttempts. Failed events stay in the table
// for inspection and manual requeue.
func (r *outboxRepo) MarkFailed(ctx context.Context, tx *gorm.DB, event *types.OutboxEvent, cause error, maxAttempts int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	updates := map[string]any{
		"last_error": cause.Error(),
		"updated_at": now,
	}
	if event.Attempts >= maxAttempts {
		updates["status"] = types.OutboxStatusFailed
		r.log.Error("outbox event exhausted retries",
			"event_id", event.ID.String(),
			"event_type", event.EventType,
			"attempts", event.Attempts,
			"error", cause,
		)
	} else {
		updates["status"] = types.OutboxStatusPending
		updates["run_after"] = now.Add(backoffDelay(event.Attempts))
	}
	return transaction.WithContext(ctx).
		Model(&types.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(updates).Error
}

func (r *outboxRepo) CountByStatus(ctx context.Context, tx *gorm.DB, status string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.OutboxEvent{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// backoffDelay doubles per attempt from retryBaseDelay, capped at
// retryMaxDelay. attempts is the count already made, so the first retry
// waits one minute.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(attempts-1)))
	if delay > retryMaxDelay || delay <= 0 {
		return retryMaxDelay
	}
	return delay
}
