package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TopicTimelineEvents = "timeline.events"
	TopicDeadLetter     = "timeline.dead-letter"
)

// TopicSpec describes a topic the timeline services produce to.
type TopicSpec struct {
	Name       string
	Partitions int32
	Replicas   int16
	Retention  time.Duration
}

func (s TopicSpec) configs() map[string]*string {
	retention := strconv.FormatInt(s.Retention.Milliseconds(), 10)
	policy := "delete"
	compression := "lz4"
	return map[string]*string{
		"retention.ms":     &retention,
		"cleanup.policy":   &policy,
		"compression.type": &compression,
	}
}

// TimelineTopics returns the events and dead-letter topics. Events are keyed
// by patient, so the events topic carries most of the partitions.
func TimelineTopics(eventsTopic string, replicas int16) []TopicSpec {
	if eventsTopic == "" {
		eventsTopic = TopicTimelineEvents
	}
	if replicas < 1 {
		replicas = 1
	}
	return []TopicSpec{
		{Name: eventsTopic, Partitions: 12, Replicas: replicas, Retention: 30 * 24 * time.Hour},
		{Name: TopicDeadLetter, Partitions: 3, Replicas: replicas, Retention: 7 * 24 * time.Hour},
	}
}

// Admin creates and inspects topics.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kc, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kc), logger: logger}, nil
}

// Ensure creates every topic in specs that the cluster does not have yet
// and returns the names it created.
func (a *Admin) Ensure(ctx context.Context, specs []TopicSpec) ([]string, error) {
	missing, err := a.missing(ctx, specs)
	if err != nil {
		return nil, err
	}

	var created []string
	for _, s := range missing {
		resp, err := a.client.CreateTopic(ctx, s.Partitions, s.Replicas, s.configs(), s.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			// Another admin won the race.
			a.logger.Debug("topic appeared concurrently", zap.String("topic", s.Name))
		case err != nil:
			return created, fmt.Errorf("failed to create topic %s: %w", s.Name, err)
		default:
			created = append(created, s.Name)
			a.logger.Info("topic created",
				zap.String("topic", s.Name),
				zap.Int32("partitions", s.Partitions),
				zap.Duration("retention", s.Retention))
		}
	}
	return created, nil
}

func (a *Admin) missing(ctx context.Context, specs []TopicSpec) ([]TopicSpec, error) {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}

	details, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	var out []TopicSpec
	for _, s := range specs {
		d, ok := details[s.Name]
		if !ok || errors.Is(d.Err, kerr.UnknownTopicOrPartition) {
			out = append(out, s)
			continue
		}
		if d.Err != nil {
			return nil, fmt.Errorf("failed to describe topic %s: %w", s.Name, d.Err)
		}
		if got := int32(len(d.Partitions)); got != s.Partitions {
			a.logger.Warn("existing topic has a different partition count",
				zap.String("topic", s.Name),
				zap.Int32("partitions", got),
				zap.Int32("expected", s.Partitions))
		}
	}
	return out, nil
}

func (a *Admin) Close() {
	a.client.Close()
}
