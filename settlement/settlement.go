// Package settlement issues refund commands for approved disputes.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chargeflow/dispute"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// refundNamespace scopes settlement references derived from case ids.
var refundNamespace = uuid.MustParse("6f1c8a52-3d0e-4b7a-9c55-0d8e2b7f4a91")

// RefFor returns the settlement reference for a case. It is stable, so a
// redelivered command carries the same reference and the settlement side
// can drop the duplicate.
func RefFor(caseID string) string {
	return uuid.NewSHA1(refundNamespace, []byte(caseID)).String()
}

// RefundCommand is the message consumed by the bank/card-network settlement worker.
type RefundCommand struct {
	SettlementRef string          `json:"settlement_ref"`
	CaseID        string          `json:"case_id"`
	Currency      string          `json:"currency"`
	AmountMinor   int64           `json:"amount_minor"`
	Amount        decimal.Decimal `json:"amount"`
	RequestedAt   time.Time       `json:"requested_at"`
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSettler struct {
	writer MessageWriter
	now    func() time.Time
}

func NewKafkaSettler(brokers []string, topic string) (*KafkaSettler, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("settlement: at least one broker required")
	}
	if topic == "" {
		return nil, fmt.Errorf("settlement: topic required")
	}
	return NewKafkaSettlerWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}), nil
}

func NewKafkaSettlerWithWriter(w MessageWriter) *KafkaSettler {
	return &KafkaSettler{writer: w, now: time.Now}
}

// InitiateRefund publishes the refund command and returns its reference
// without waiting for settlement.
func (s *KafkaSettler) InitiateRefund(ctx context.Context, caseID string, amount dispute.Money) (string, error) {
	if err := amount.Validate(); err != nil {
		return "", err
	}
	cmd := RefundCommand{
		SettlementRef: RefFor(caseID),
		CaseID:        caseID,
		Currency:      amount.Currency,
		AmountMinor:   amount.Minor,
		Amount:        amount.Decimal(),
		RequestedAt:   s.now().UTC(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("settlement: encode: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(caseID),
		Value: payload,
	}); err != nil {
		return "", fmt.Errorf("settlement: publish refund for %s: %w", caseID, err)
	}
	return cmd.SettlementRef, nil
}

func (s *KafkaSettler) Close() error {
	return s.writer.Close()
}

// LogSettler records the refund it would have requested.
type LogSettler struct {
	log *zap.Logger
}

func NewLogSettler(log *zap.Logger) *LogSettler {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSettler{log: log}
}

func (s *LogSettler) InitiateRefund(_ context.Context, caseID string, amount dispute.Money) (string, error) {
	ref := RefFor(caseID)
	s.log.Info("settlement: refund requested",
		zap.String("case_id", caseID),
		zap.String("settlement_ref", ref),
		zap.String("amount", amount.Decimal().String()),
		zap.String("currency", amount.Currency))
	return ref, nil
}
