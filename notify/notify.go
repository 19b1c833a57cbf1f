// Package notify delivers case event notices to the messaging pipeline.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chargeflow/dispute"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notice is the message body consumed by the SMS/e-mail senders.
type Notice struct {
	CaseID       string            `json:"case_id"`
	EventKind    dispute.EventKind `json:"event_kind"`
	RecipientRef string            `json:"recipient_ref"`
	NotifiedAt   time.Time         `json:"notified_at"`
}

// KafkaNotifier publishes one Notice per call, keyed by case id so notices
// for a case stay ordered within a partition.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("notify: at least one broker required")
	}
	if topic == "" {
		return nil, fmt.Errorf("notify: topic required")
	}
	return NewKafkaNotifierWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, topic), nil
}

func NewKafkaNotifierWithWriter(w MessageWriter, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic, now: time.Now}
}

func (n *KafkaNotifier) Notify(ctx context.Context, caseID string, kind dispute.EventKind, recipientRef string) error {
	payload, err := json.Marshal(Notice{
		CaseID:       caseID,
		EventKind:    kind,
		RecipientRef: recipientRef,
		NotifiedAt:   n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(caseID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_kind", Value: []byte(kind)},
		},
	}); err != nil {
		return fmt.Errorf("notify: publish %s for %s: %w", kind, caseID, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier only logs; used when no broker is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, caseID string, kind dispute.EventKind, recipientRef string) error {
	n.log.Info("notify: notice",
		zap.String("case_id", caseID),
		zap.String("event", string(kind)),
		zap.String("recipient", recipientRef))
	return nil
}
