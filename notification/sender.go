package notification

import (
	"context"
	"encoding/json"

	goerrors "github.com/goliatone/go-errors"
	"github.com/segmentio/kafka-go"
)

const defaultRecipientsPerMessage = 500

// Sender delivers a resolved notification
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, msg Message) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	if f == nil {
		return nil
	}
	return f(ctx, msg)
}

// MessageWriter is the subset of kafka.Writer used by KafkaSender
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes notifications to a topic consumed by the push
// gateway. Large recipient sets are split across several messages that
// share the notification id as key.
type KafkaSender struct {
	writer              MessageWriter
	recipientsPerRecord int
}

// NewKafkaSender returns a sender writing to topic on brokers
func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaSenderWithWriter(w)
}

// NewKafkaSenderWithWriter allows injecting a test writer.
func NewKafkaSenderWithWriter(w MessageWriter) *KafkaSender {
	return &KafkaSender{
		writer:              w,
		recipientsPerRecord: defaultRecipientsPerMessage,
	}
}

// Send implements Sender. All chunks are written in one call so a failure
// leaves the notification unsent as a whole.
func (k *KafkaSender) Send(ctx context.Context, msg Message) error {
	key := []byte(msg.NotificationID.String())

	var records []kafka.Message
	for _, chunk := range chunkRecipients(msg.Recipients, k.recipientsPerRecord) {
		part := msg
		part.Recipients = chunk

		value, err := json.Marshal(part)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode notification")
		}

		records = append(records, kafka.Message{
			Key:   key,
			Value: value,
			Headers: []kafka.Header{
				{Key: "notification_id", Value: key},
			},
		})
	}

	if err := k.writer.WriteMessages(ctx, records...); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to publish notification")
	}
	return nil
}

// Close closes the underlying writer.
func (k *KafkaSender) Close() error {
	return k.writer.Close()
}

func chunkRecipients(recipients []Recipient, size int) [][]Recipient {
	if len(recipients) == 0 {
		return [][]Recipient{nil}
	}
	if size <= 0 {
		size = len(recipients)
	}

	var chunks [][]Recipient
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		chunks = append(chunks, recipients[start:end])
	}
	return chunks
}
