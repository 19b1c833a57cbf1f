package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"chargeflow/dispute"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type fakeWriter struct {
	err  error
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestRefFor_StablePerCase(t *testing.T) {
	if RefFor("case-1") != RefFor("case-1") {
		t.Fatalf("reference must be stable")
	}
	if RefFor("case-1") == RefFor("case-2") {
		t.Fatalf("references must differ across cases")
	}
}

func TestKafkaSettler_InitiateRefund(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSettlerWithWriter(w)
	amount := dispute.Money{Currency: "TRY", Minor: 50000}

	ref, err := s.InitiateRefund(context.Background(), "case-1", amount)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	again, err := s.InitiateRefund(context.Background(), "case-1", amount)
	if err != nil || again != ref {
		t.Fatalf("redelivery must reuse %s, got %s %v", ref, again, err)
	}

	var cmd RefundCommand
	if err := json.Unmarshal(w.msgs[0].Value, &cmd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.SettlementRef != ref || cmd.AmountMinor != 50000 || cmd.Amount.String() != "500" || cmd.Currency != "TRY" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if string(w.msgs[0].Key) != "case-1" {
		t.Fatalf("expected case id key, got %q", w.msgs[0].Key)
	}
}

func TestKafkaSettler_Errors(t *testing.T) {
	s := NewKafkaSettlerWithWriter(&fakeWriter{err: errors.New("broker down")})
	if _, err := s.InitiateRefund(context.Background(), "case-1", dispute.Money{Currency: "TRY", Minor: 1}); err == nil {
		t.Fatalf("expected publish error")
	}
	if _, err := s.InitiateRefund(context.Background(), "case-1", dispute.Money{Currency: "TRY"}); !errors.Is(err, dispute.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero amount, got %v", err)
	}
}

func TestLogSettler(t *testing.T) {
	ref, err := NewLogSettler(zap.NewNop()).InitiateRefund(context.Background(), "case-7", dispute.Money{Currency: "USD", Minor: 1250})
	if err != nil || ref != RefFor("case-7") {
		t.Fatalf("unexpected ref %s %v", ref, err)
	}
}
