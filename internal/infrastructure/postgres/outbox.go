// Package postgres stores dispensing inputs and timeline runs in PostgreSQL
// and relays run events to the broker through a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

// relayLockID is the advisory lock that elects a single active relay.
const relayLockID = int64(0x72787469) // "rxti"

// Entry is one queued broker message.
type Entry struct {
	ID        int64
	PatientID string
	EventType string
	Topic     string
	Key       string
	Payload   json.RawMessage
	CreatedAt time.Time
	Attempts  int
	LastError *string
}

// RelayConfig controls how the relay drains the outbox.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts failed publishes move an entry to DeadLetterTopic.
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	DeadLetterTopic string
	// SweepInterval paces dead-lettering and retention cleanup.
	SweepInterval time.Duration
	// Retain is how long processed entries are kept. Zero keeps them.
	Retain time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxAttempts:     5,
		BaseBackoff:     time.Second,
		MaxBackoff:      5 * time.Minute,
		DeadLetterTopic: "timeline.dead-letter",
		SweepInterval:   time.Minute,
		Retain:          7 * 24 * time.Hour,
	}
}

// Publisher delivers one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

var outboxColumns = []string{"patient_id", "event_type", "payload", "topic", "msg_key"}

// EntriesFromEvents maps timeline events to entries keyed by patient.
func EntriesFromEvents(topic string, events []*timeline.Event) ([]Entry, error) {
	entries := make([]Entry, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", e.ID, err)
		}
		entries = append(entries, Entry{
			PatientID: e.AggregateID,
			EventType: string(e.EventType),
			Topic:     topic,
			Key:       e.AggregateID,
			Payload:   payload,
		})
	}
	return entries, nil
}

// enqueue copies entries into the outbox inside tx so they commit or roll
// back together with the run that produced them.
func enqueue(ctx context.Context, tx pgx.Tx, entries []Entry) (int64, error) {
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"outbox"}, outboxColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]interface{}, error) {
			e := entries[i]
			return []interface{}{e.PatientID, e.EventType, e.Payload, e.Topic, e.Key}, nil
		}))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue outbox entries: %w", err)
	}
	return n, nil
}

// backoff is the delay before the next attempt after attempts failures.
func backoff(attempts int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempts && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// Relay publishes pending outbox entries. Entries for one patient are
// published in id order: an entry waits while an earlier one for the same
// key is unprocessed.
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Int("max_attempts", r.config.MaxAttempts),
		zap.String("dead_letter_topic", r.config.DeadLetterTopic))
}

// Stop waits for the in-flight batch to finish.
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	poll := time.NewTicker(r.config.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(r.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-poll.C:
			r.ProcessBatch(r.ctx)
		case <-sweep.C:
			r.sweep(r.ctx)
		}
	}
}

func (r *Relay) sweep(ctx context.Context) {
	if n, err := r.MoveToDeadLetter(ctx); err != nil {
		r.logger.Error("dead letter sweep failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
	}

	if r.config.Retain <= 0 {
		return
	}
	if n, err := r.CleanupProcessed(ctx, r.config.Retain); err != nil {
		r.logger.Error("outbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Debug("processed outbox entries removed", zap.Int64("count", n))
	}
}

// ProcessBatch publishes one batch of due entries and returns how many
// were published. It does nothing while another relay holds the lock.
func (r *Relay) ProcessBatch(ctx context.Context) int {
	ctx, span := r.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		r.logger.Error("failed to acquire connection", zap.Error(err))
		return 0
	}
	defer conn.Release()

	// Advisory locks are session scoped, so lock and unlock on one connection.
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil || !acquired {
		return 0
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	rows, err := conn.Query(ctx, `
		SELECT o.id, o.patient_id, o.event_type, o.topic, o.msg_key, o.payload,
		       o.created_at, o.attempts, o.last_error
		FROM outbox o
		WHERE o.processed_at IS NULL
		  AND o.attempts < $1
		  AND o.next_attempt_at <= NOW()
		  AND NOT EXISTS (
		      SELECT 1 FROM outbox p
		      WHERE p.msg_key = o.msg_key AND p.id < o.id AND p.processed_at IS NULL)
		ORDER BY o.id
		LIMIT $2
	`, r.config.MaxAttempts, r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return 0
	}
	entries, err := scanEntries(rows)
	if err != nil {
		r.logger.Error("failed to read outbox entries", zap.Error(err))
		span.RecordError(err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, e := range entries {
		if err := r.publish(ctx, e); err != nil {
			r.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.String("patient_id", e.PatientID),
				zap.Int("attempt", e.Attempts+1),
				zap.Error(err))
			continue
		}
		published++
	}
	return published
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.PatientID, &e.EventType, &e.Topic, &e.Key, &e.Payload,
			&e.CreatedAt, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Relay) publish(ctx context.Context, e Entry) error {
	ctx, span := r.tracer.Start(ctx, "outbox.publish",
		trace.WithAttributes(
			attribute.Int64("entry_id", e.ID),
			attribute.String("event_type", e.EventType),
			attribute.String("patient_id", e.PatientID),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, e.Topic, e.Key, e.Payload); err != nil {
		span.RecordError(err)
		delay := backoff(e.Attempts+1, r.config.BaseBackoff, r.config.MaxBackoff)
		if _, uerr := r.pool.Exec(ctx, `
			UPDATE outbox
			SET attempts = attempts + 1, last_error = $1,
			    next_attempt_at = NOW() + make_interval(secs => $2), updated_at = NOW()
			WHERE id = $3
		`, err.Error(), delay.Seconds(), e.ID); uerr != nil {
			r.logger.Error("failed to record publish attempt", zap.Int64("id", e.ID), zap.Error(uerr))
		}
		return err
	}
	return r.markProcessed(ctx, e.ID)
}

func (r *Relay) markProcessed(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// CleanupProcessed deletes entries processed more than olderThan ago.
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// deadLetter is the envelope published for an exhausted entry.
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	PatientID     string          `json:"patient_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func deadLetterPayload(e Entry) ([]byte, error) {
	return json.Marshal(deadLetter{
		OriginalTopic: e.Topic,
		EventType:     e.EventType,
		PatientID:     e.PatientID,
		Payload:       e.Payload,
		Attempts:      e.Attempts,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
	})
}

// MoveToDeadLetter publishes exhausted entries to the dead-letter topic and
// marks them processed, which unblocks later entries for the same patient.
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, event_type, topic, msg_key, payload,
		       created_at, attempts, last_error
		FROM outbox
		WHERE processed_at IS NULL AND attempts >= $1
		ORDER BY id
		LIMIT $2
	`, r.config.MaxAttempts, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, e := range entries {
		payload, err := deadLetterPayload(e)
		if err != nil {
			r.logger.Error("failed to encode dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, e.Key, payload); err != nil {
			r.logger.Error("failed to publish dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := r.markProcessed(ctx, e.ID); err != nil {
			r.logger.Error("failed to mark dead letter entry", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// RelayStats summarises the outbox.
type RelayStats struct {
	Pending       int64
	BackingOff    int64
	Processed24h  int64
	Exhausted     int64
	OldestPending *time.Time
}

func (r *Relay) Stats(ctx context.Context) (*RelayStats, error) {
	s := &RelayStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND attempts < $1),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND attempts < $1 AND next_attempt_at > NOW()),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND attempts >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`, r.config.MaxAttempts).Scan(&s.Pending, &s.BackingOff, &s.Processed24h, &s.Exhausted, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	return s, nil
}
