// Package outbox delivers sync events recorded in Postgres to Kafka.
package outbox

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/Unfixab1e/fitfolio/internal/events"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Option configures optional behaviour for the Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClaimLease sets how long a claimed but unpublished row stays reserved
// before another dispatcher may pick it up again.
func WithClaimLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.claimLease = lease
		}
	}
}

// Dispatcher drains the outbox table and delivers events to Kafka framed with
// Schema Registry ids. Batches that cannot be delivered are dead-lettered.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     messageWriter
	registry     schemaRegistrar
	logger       *log.Logger
	pollInterval time.Duration
	batchSize    int
	claimLease   time.Duration

	mu        sync.Mutex
	schemaIDs map[string]int

	done chan struct{}
}

// NewDispatcher constructs a Dispatcher. Non-positive values select a one second poll and batches of 100.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	d := &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		logger:       log.Default().WithPrefix("outbox"),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		claimLease:   5 * time.Minute,
		schemaIDs:    make(map[string]int),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start polls until ctx is cancelled. Run it in its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox batch failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	started := time.Now()
	messages, err := d.claim(ctx)
	if err != nil || len(messages) == 0 {
		return err
	}
	defer func() { batchDuration.Observe(time.Since(started).Seconds()) }()

	deliveryErr := d.deliver(ctx, messages)
	if deliveryErr != nil {
		d.logger.Warn("outbox delivery failed, dead-lettering batch", "count", len(messages), "err", deliveryErr)
		failedCounter.Add(float64(len(messages)))
	} else {
		deliveredCounter.Add(float64(len(messages)))
	}
	return d.settle(ctx, messages, deliveryErr)
}

// claim reserves the next batch in one statement. Rows whose lease expired are
// eligible again so a crashed dispatcher does not strand them.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	const stmt = `WITH due AS (
            SELECT event_id FROM outbox
            WHERE published_at IS NULL
              AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2))
            ORDER BY event_id
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        UPDATE outbox o SET claimed_at = NOW()
        FROM due WHERE o.event_id = due.event_id
        RETURNING o.event_id, o.aggregate_type, o.aggregate_id, o.event_type, o.topic, o.schema_subject, o.partition_key, o.payload`

	rows, err := d.pool.Query(ctx, stmt, d.batchSize, d.claimLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.EventID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Topic, &m.SchemaSubject, &m.PartitionKey, &m.Payload)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	slices.SortFunc(messages, func(a, b Message) int { return cmp.Compare(a.EventID, b.EventID) })
	return messages, nil
}

// deliver frames every message before writing any, so a batch with an
// unknown event type never reaches Kafka.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	framed := make([]kafka.Message, len(messages))
	for i, msg := range messages {
		record, err := d.frame(ctx, msg)
		if err != nil {
			return err
		}
		framed[i] = record
	}
	for _, batch := range groupByTopic(messages, framed) {
		if err := d.producer.WriteMessages(ctx, batch.topic, batch.records...); err != nil {
			return fmt.Errorf("write %s: %w", batch.topic, err)
		}
	}
	return nil
}

func (d *Dispatcher) frame(ctx context.Context, msg Message) (kafka.Message, error) {
	schema, ok := schemaCatalog[msg.EventType]
	if !ok {
		return kafka.Message{}, fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
	}
	id, err := d.schemaID(ctx, msg.SchemaSubject, schema)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: encodeWireFormat(id, msg.Payload),
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "schema_subject", Value: []byte(msg.SchemaSubject)},
		},
	}, nil
}

// schemaID registers a subject at most once per process.
func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	d.mu.Lock()
	id, ok := d.schemaIDs[subject]
	d.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.schemaIDs[subject] = id
	d.mu.Unlock()
	return id, nil
}

// settle marks the batch published and, when delivery failed, copies it into
// outbox_dlq in the same transaction.
func (d *Dispatcher) settle(ctx context.Context, messages []Message, deliveryErr error) error {
	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.EventID
	}

	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		if deliveryErr != nil {
			for _, msg := range messages {
				batch.Queue(`INSERT INTO outbox_dlq (event_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, reason)
                    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
					msg.EventID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Topic, msg.SchemaSubject, msg.PartitionKey, msg.Payload,
					fmt.Sprintf("%s (topic=%s)", deliveryErr, msg.Topic))
			}
		}
		batch.Queue(`UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("settle outbox batch: %w", err)
		}
		if deliveryErr != nil {
			for _, msg := range messages {
				dlqCounter.WithLabelValues(msg.Topic).Inc()
			}
		}
		return nil
	})
}

// Message is an outbox row.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

type topicBatch struct {
	topic   string
	records []kafka.Message
}

// groupByTopic keeps first-seen topic order and event order within a topic.
func groupByTopic(messages []Message, framed []kafka.Message) []topicBatch {
	var batches []topicBatch
	index := make(map[string]int)
	for i, msg := range messages {
		pos, ok := index[msg.Topic]
		if !ok {
			pos = len(batches)
			index[msg.Topic] = pos
			batches = append(batches, topicBatch{topic: msg.Topic})
		}
		batches[pos].records = append(batches[pos].records, framed[i])
	}
	return batches
}

// encodeWireFormat prefixes payload with the Confluent magic byte and the
// big-endian schema id.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	out := make([]byte, 0, 5+len(payload))
	out = append(out, 0)
	out = binary.BigEndian.AppendUint32(out, uint32(schemaID))
	return append(out, payload...)
}

var schemaCatalog = map[string]string{
	events.SyncCompletedType: syncCompletedSchema,
}
