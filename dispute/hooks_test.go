package dispute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type notice struct {
	caseID    string
	kind      EventKind
	recipient string
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []notice
}

func (f *fakeNotifier) Notify(ctx context.Context, caseID string, kind EventKind, recipientRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, notice{caseID, kind, recipientRef})
	return nil
}

func (f *fakeNotifier) kinds() map[EventKind]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[EventKind]string, len(f.sent))
	for _, n := range f.sent {
		out[n.kind] = n.recipient
	}
	return out
}

type fakeSettler struct {
	mu      sync.Mutex
	err     error
	refunds []Money
}

func (f *fakeSettler) InitiateRefund(ctx context.Context, caseID string, amount Money) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.refunds = append(f.refunds, amount)
	return "ref-" + caseID, nil
}

func TestDispatcher_NotifiesAndSettles(t *testing.T) {
	notifier := &fakeNotifier{failures: 2}
	settler := &fakeSettler{}
	hooks := NewDispatcher(notifier, settler, zap.NewNop()).WithRetry(time.Second, 5, time.Millisecond)
	svc := newTestService(t).WithDispatcher(hooks)
	ctx := context.Background()

	c := mustCreate(t, svc, atmCase())
	if _, err := svc.ForwardToBank(ctx, ForwardParams{CaseID: c.ID, ActorRef: "OP1"}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if _, err := svc.ChangeStatus(ctx, ChangeStatusParams{CaseID: c.ID, Target: StatusApproved, Notes: "ok", ActorRef: "BANK1", Party: PartyBank}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	svc.Close()

	sent := notifier.kinds()
	if sent[EventCreated] != "C1" || sent[EventApproved] != "C1" {
		t.Fatalf("customer not notified: %v", sent)
	}
	if sent[EventStatusChanged] != RecipientBank {
		t.Fatalf("bank not notified of forward: %v", sent)
	}
	if notifier.calls != 5 {
		t.Fatalf("expected 3 deliveries and 2 retries, got %d calls", notifier.calls)
	}
	if len(settler.refunds) != 1 || settler.refunds[0].Minor != 50000 {
		t.Fatalf("expected one refund of the case amount, got %v", settler.refunds)
	}
}

func TestDispatcher_FailureDoesNotAffectCase(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	hooks := NewDispatcher(nil, &fakeSettler{err: errors.New("ledger down")}, zap.NewNop()).
		WithRetry(time.Second, 2, time.Millisecond).
		WithMetrics(metrics)
	svc := newTestService(t).WithDispatcher(hooks).WithMetrics(metrics)
	ctx := context.Background()

	c := mustCreate(t, svc, atmCase())
	c, err := svc.ChangeStatus(ctx, ChangeStatusParams{CaseID: c.ID, Target: StatusApproved, Notes: "ok", ActorRef: "OP1"})
	if err != nil {
		t.Fatalf("approval must succeed despite settlement failure: %v", err)
	}
	svc.Close()

	if got := testutil.ToFloat64(metrics.hookFailures.WithLabelValues("settlement.refund")); got != 1 {
		t.Fatalf("expected one failed hook, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.operations.WithLabelValues(string(OpChangeStatus), "ok")); got != 1 {
		t.Fatalf("expected one ok change_status, got %v", got)
	}
	stored, _ := svc.GetCase(ctx, c.ID)
	if stored.Status != StatusApproved {
		t.Fatalf("hook failure leaked into case state: %s", stored.Status)
	}
}

func TestDispatcher_DetachedFromCallerContext(t *testing.T) {
	notifier := &fakeNotifier{}
	hooks := NewDispatcher(notifier, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c := Case{ID: "case-1", CustomerRef: "C1"}
	hooks.Dispatch(ctx, c, []TimelineEvent{{Kind: EventCreated}})
	cancel()
	hooks.Close()

	if len(notifier.sent) != 1 {
		t.Fatalf("expected delivery after caller cancelled, got %d", len(notifier.sent))
	}

	var nilHooks *Dispatcher
	nilHooks.Dispatch(context.Background(), c, []TimelineEvent{{Kind: EventCreated}})
	nilHooks.Close()
}

func TestRecipientFor(t *testing.T) {
	c := Case{CustomerRef: "C7"}
	cases := []struct {
		ev   TimelineEvent
		want string
	}{
		{TimelineEvent{Kind: EventCreated}, "C7"},
		{TimelineEvent{Kind: EventInfoRequested}, "C7"},
		{TimelineEvent{Kind: EventRejected}, "C7"},
		{TimelineEvent{Kind: EventDocumentAdded}, RecipientOperator},
		{TimelineEvent{Kind: EventStatusChanged, ToStatus: StatusPendingAtBank}, RecipientBank},
		{TimelineEvent{Kind: EventStatusChanged, ToStatus: StatusPendingAtOperator}, RecipientOperator},
	}
	for _, tc := range cases {
		if got := recipientFor(c, tc.ev); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.ev.Kind, tc.want, got)
		}
	}
}
