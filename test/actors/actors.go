package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"chargeflow/dispute"
)

// Pool is the shared working set the actors fight over: a small number of
// transactions so creations collide, and the cases opened for them.
type Pool struct {
	Transactions []string
	Cases        func(ctx context.Context) ([]dispute.Case, error)
}

// tolerated reports whether err is an outcome the service is allowed to
// return under contention or while chaos kills connections.
func tolerated(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch dispute.KindOf(err) {
	case dispute.KindStateConflict, dispute.KindConcurrencyConflict, dispute.KindCollaboratorUnavailable:
		return true
	case dispute.KindUnknown:
		// Driver errors from terminated backends.
		return true
	default:
		return false
	}
}

func loop(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); !tolerated(err) {
			return err
		}
		time.Sleep(pause())
	}
}

func jitter(base, spread int) func() time.Duration {
	return func() time.Duration { return time.Duration(base+rand.Intn(spread)) * time.Millisecond }
}

func pick(ctx context.Context, p Pool) (dispute.Case, bool) {
	cases, err := p.Cases(ctx)
	if err != nil || len(cases) == 0 {
		return dispute.Case{}, false
	}
	return cases[rand.Intn(len(cases))], true
}

// Opener keeps opening disputes on the shared transactions; most attempts
// must fail with ErrDuplicateTransaction.
func Opener(ctx context.Context, svc *dispute.Service, p Pool, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 20), func() error {
		ch := dispute.ChannelPOS
		reason := dispute.ReasonDuplicateCharge
		if rand.Intn(2) == 0 {
			ch, reason = dispute.ChannelATM, dispute.ReasonCashNotDispensed
		}
		_, err := svc.CreateCase(ctx, dispute.CreateCaseParams{
			CustomerRef:    fmt.Sprintf("C%d", rand.Intn(5)),
			TransactionRef: p.Transactions[rand.Intn(len(p.Transactions))],
			Channel:        ch,
			Amount:         dispute.Money{Currency: "TRY", Minor: int64(100 + rand.Intn(100000))},
			Reason:         reason,
			IdempotencyKey: fmt.Sprintf("open-%d", rand.Intn(50)),
		})
		if errors.Is(err, dispute.ErrIdempotencyKeyReused) {
			return nil
		}
		return err
	})
}

// Operator forwards cases and asks for documents.
func Operator(ctx context.Context, svc *dispute.Service, p Pool, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(15, 30), func() error {
		c, ok := pick(ctx, p)
		if !ok {
			return nil
		}
		if rand.Intn(2) == 0 {
			_, err := svc.ForwardToBank(ctx, dispute.ForwardParams{CaseID: c.ID, ActorRef: "OP-stress"})
			return err
		}
		_, err := svc.RequestAdditionalInfo(ctx, dispute.RequestInfoParams{
			CaseID:        c.ID,
			ActorRef:      "OP-stress",
			RequiredTypes: []dispute.DocumentType{dispute.DocumentReceipt},
		})
		return err
	})
}

// Customer uploads receipts, with retried idempotency keys.
func Customer(ctx context.Context, svc *dispute.Service, p Pool, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(15, 30), func() error {
		c, ok := pick(ctx, p)
		if !ok {
			return nil
		}
		key := fmt.Sprintf("doc-%s-%d", c.ID, rand.Intn(3))
		_, err := svc.AttachDocument(ctx, dispute.AttachDocumentParams{
			CaseID:         c.ID,
			Type:           dispute.DocumentReceipt,
			Name:           "receipt.jpg",
			UploaderRef:    c.CustomerRef,
			Locator:        "evidence://stress/" + key,
			IdempotencyKey: key,
		})
		return err
	})
}

// Decider races approvals against rejections.
func Decider(ctx context.Context, svc *dispute.Service, p Pool, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(30, 60), func() error {
		c, ok := pick(ctx, p)
		if !ok {
			return nil
		}
		target := dispute.StatusApproved
		if rand.Intn(2) == 0 {
			target = dispute.StatusRejected
		}
		_, err := svc.ChangeStatus(ctx, dispute.ChangeStatusParams{
			CaseID:   c.ID,
			Target:   target,
			Notes:    "stress decision",
			ActorRef: "OP-stress",
		})
		return err
	})
}

// Reader walks the console views; reads must never fail on contention.
func Reader(ctx context.Context, svc *dispute.Service, stop <-chan struct{}) error {
	views := []dispute.View{dispute.ViewAll, dispute.ViewPendingAtOperator, dispute.ViewPendingAtBank, dispute.ViewPendingInfo, dispute.ViewCompleted}
	return loop(ctx, stop, jitter(20, 20), func() error {
		cases, err := svc.ListCases(ctx, dispute.Filter{View: views[rand.Intn(len(views))], Limit: 20})
		if err != nil {
			return err
		}
		for _, c := range cases {
			if _, err := dispute.DeriveStage(c); err != nil {
				return fmt.Errorf("reader: %s: %w", c.ID, err)
			}
		}
		return nil
	})
}
