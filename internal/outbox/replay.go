package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxReplayDelay = time.Hour

// Replayer moves dead-lettered events back into the outbox with exponential
// backoff and quarantines entries that keep failing.
type Replayer struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger
}

// NewReplayer constructs a Replayer. Non-positive values select 5 retries and a one minute base delay.
func NewReplayer(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, logger *log.Logger) *Replayer {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if logger == nil {
		logger = log.Default().WithPrefix("outbox-replay")
	}
	return &Replayer{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// Run calls RunOnce every interval until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, err := r.RunOnce(ctx, batchSize)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("replay batch failed", "err", err)
			} else if requeued > 0 {
				r.logger.Info("replayed dead-lettered events", "count", requeued)
			}
		}
	}
}

// RunOnce handles up to batchSize due entries and returns how many were requeued.
func (r *Replayer) RunOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	entries, err := r.dueEntries(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, entry := range entries {
		ok, handleErr := r.handle(ctx, entry)
		if handleErr != nil {
			err = errors.Join(err, fmt.Errorf("dlq entry %d: %w", entry.ID, handleErr))
			continue
		}
		if ok {
			requeued++
		}
	}
	r.updateBacklog(ctx)
	return requeued, err
}

func (r *Replayer) dueEntries(ctx context.Context, limit int) ([]dlqEntry, error) {
	const query = `SELECT dlq_id, event_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, reason, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY failed_at, dlq_id
        LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []dlqEntry
	for rows.Next() {
		var e dlqEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Topic, &e.SchemaSubject, &e.PartitionKey, &e.Payload, &e.Reason, &e.RetryCount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// handle reports true when the entry went back to the outbox.
func (r *Replayer) handle(ctx context.Context, entry dlqEntry) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if entry.RetryCount >= r.maxRetries {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
			"retry limit reached", entry.ID,
		); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		replayQuarantined.WithLabelValues(entry.Topic).Inc()
		r.logger.Warn("quarantined dead-lettered event", "dlq_id", entry.ID, "event_type", entry.EventType, "retries", entry.RetryCount)
		return false, nil
	}

	if reqErr := requeue(ctx, tx, entry); reqErr != nil {
		// The failed INSERT aborted the transaction; schedule the retry on a fresh one.
		_ = tx.Rollback(ctx)
		delay := backoffDelay(r.baseDelay, entry.RetryCount+1)
		if _, err := r.pool.Exec(ctx,
			`UPDATE outbox_dlq
                SET retry_count = retry_count + 1,
                    last_attempt_at = NOW(),
                    next_retry_at = NOW() + make_interval(secs => $1),
                    reason = $2
              WHERE dlq_id = $3`,
			delay.Seconds(), reqErr.Error(), entry.ID,
		); err != nil {
			return false, err
		}
		replayRetries.WithLabelValues(entry.Topic).Inc()
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	replayRequeued.WithLabelValues(entry.Topic).Inc()
	return true, nil
}

func (r *Replayer) updateBacklog(ctx context.Context) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return
	}
	dlqBacklog.Set(float64(count))
}

// requeue reinserts the payload into the outbox. dedupe_key stays NULL so the
// published original does not block the replay.
func requeue(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for event %d", entry.EventID)
	}
	if _, ok := schemaCatalog[entry.EventType]; !ok {
		return fmt.Errorf("no schema metadata for event_type=%s", entry.EventType)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic, entry.SchemaSubject, entry.PartitionKey, entry.Payload,
	)
	return err
}

// backoffDelay doubles base for every attempt after the first, capped at an hour.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 12 {
		return maxReplayDelay
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > maxReplayDelay {
		return maxReplayDelay
	}
	return delay
}

type dlqEntry struct {
	ID            int64
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
	Reason        string
	RetryCount    int
}
