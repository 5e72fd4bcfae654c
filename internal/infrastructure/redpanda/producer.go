// Package redpanda publishes timeline events to a Kafka-compatible broker
// with franz-go.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

// ProducerConfig tunes the franz-go client used for timeline events.
type ProducerConfig struct {
	Brokers            []string
	BatchMaxBytes      int32
	Linger             time.Duration
	MaxBufferedRecords int
	// Compression is one of lz4, snappy, gzip, zstd or none.
	Compression string
	// RequiredAcks is -1 (all in-sync replicas), 1 (leader) or 0.
	RequiredAcks int16
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultProducerConfig favours throughput: a batch run can emit tens of
// thousands of events at once.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		BatchMaxBytes:      1 << 20,
		Linger:             20 * time.Millisecond,
		MaxBufferedRecords: 100_000,
		Compression:        "lz4",
		RequiredAcks:       -1,
		MaxRetries:         3,
		RetryBackoff:       100 * time.Millisecond,
	}
}

// Producer publishes records and waits for their acks.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// Record is a message before it is handed to the client.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func producerOpts(cfg ProducerConfig) []kgo.Opt {
	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}
	return opts
}

func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(producerOpts(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one message and waits for the ack.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.ProduceBatch(ctx, []*Record{{Topic: topic, Key: key, Value: value}})
}

// ProduceBatch sends records and waits until every one is acked or failed.
func (p *Producer) ProduceBatch(ctx context.Context, records []*Record) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.produce",
		trace.WithAttributes(attribute.Int("batch_size", len(records))))
	defer span.End()

	krs := make([]*kgo.Record, len(records))
	for i, rec := range records {
		krs[i] = toKgoRecord(ctx, rec)
	}

	var failed int
	var first error
	for _, res := range p.client.ProduceSync(ctx, krs...) {
		if res.Err == nil {
			continue
		}
		failed++
		if first == nil {
			first = res.Err
			p.logger.Error("failed to produce message",
				zap.String("topic", res.Record.Topic),
				zap.String("key", string(res.Record.Key)),
				zap.Error(res.Err))
		}
	}
	if first != nil {
		span.RecordError(first)
		return fmt.Errorf("%d of %d records failed, first: %w", failed, len(records), first)
	}
	return nil
}

// PublishEvents publishes timeline events keyed by patient so each
// patient's events stay ordered within a partition.
func (p *Producer) PublishEvents(ctx context.Context, topic string, events []*timeline.Event) error {
	records, err := EventRecords(topic, events)
	if err != nil {
		return err
	}
	return p.ProduceBatch(ctx, records)
}

// EventRecords encodes events as broker records.
func EventRecords(topic string, events []*timeline.Event) ([]*Record, error) {
	records := make([]*Record, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", e.ID, err)
		}
		records = append(records, &Record{
			Topic: topic,
			Key:   e.AggregateID,
			Value: value,
			Headers: map[string]string{
				"event_type": string(e.EventType),
				"event_id":   e.ID,
			},
		})
	}
	return records, nil
}

func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records for up to 30s and closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

func toKgoRecord(ctx context.Context, rec *Record) *kgo.Record {
	kr := &kgo.Record{
		Topic: rec.Topic,
		Key:   []byte(rec.Key),
		Value: rec.Value,
	}
	for k, v := range rec.Headers {
		kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{record: kr})
	return kr
}

// headerCarrier lets the OpenTelemetry propagator write record headers.
type headerCarrier struct {
	record *kgo.Record
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c.record.Headers))
	for i, h := range c.record.Headers {
		keys[i] = h.Key
	}
	return keys
}
