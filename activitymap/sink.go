package activitymap

import (
	"context"
	"encoding/json"
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"github.com/segmentio/kafka-go"

	accounts "github.com/goliatone/go-accounts"
)

// Publisher ships normalized records to an audit backend
type Publisher interface {
	Publish(ctx context.Context, record Normalized) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, record Normalized) error

// Publish implements Publisher
func (f PublisherFunc) Publish(ctx context.Context, record Normalized) error {
	return f(ctx, record)
}

// Sink is an accounts.ActivitySink that normalizes every event and hands
// it to each publisher. Every publisher is tried, errors are joined.
type Sink struct {
	publishers []Publisher
	opts       []Option
}

var _ accounts.ActivitySink = (*Sink)(nil)

// NewSink returns a Sink, opts are applied to every Normalize call
func NewSink(opts []Option, publishers ...Publisher) *Sink {
	return &Sink{
		publishers: publishers,
		opts:       opts,
	}
}

// Record implements accounts.ActivitySink
func (s *Sink) Record(ctx context.Context, event accounts.ActivityEvent) error {
	record := Normalize(event, s.opts...)

	var errs []error
	for _, p := range s.publishers {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes records to logger at info level
func LogPublisher(logger accounts.Logger) Publisher {
	return PublisherFunc(func(_ context.Context, record Normalized) error {
		logger.Info("activity",
			"verb", record.Verb,
			"actor_id", record.ActorID,
			"object_id", record.ObjectID,
			"metadata", record.Metadata,
		)
		return nil
	})
}

// MessageWriter is the subset of kafka.Writer used by KafkaPublisher
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes records as JSON keyed by object id, so events of
// one account stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaPublisher returns a publisher writing to topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	})
}

// NewKafkaPublisherWithWriter allows injecting a test writer
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish implements Publisher
func (k *KafkaPublisher) Publish(ctx context.Context, record Normalized) error {
	value, err := json.Marshal(record)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode activity")
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.ObjectID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "verb", Value: []byte(record.Verb)},
		},
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to publish activity").
			WithMetadata(map[string]any{"verb": record.Verb})
	}
	return nil
}

// Close closes the underlying writer
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
