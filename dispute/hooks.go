package dispute

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Recipients used for notifications that are not addressed to the customer.
const (
	RecipientOperator = "tkpay-operations"
	RecipientBank     = "issuer-bank"
)

// Dispatcher runs post-commit side effects. It never reports back into
// case state: failures are retried, then logged and counted.
type Dispatcher struct {
	notifier Notifier
	settler  Settler
	log      *zap.Logger
	metrics  *Metrics

	timeout         time.Duration
	maxAttempts     uint64
	initialInterval time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(notifier Notifier, settler Settler, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		notifier:        notifier,
		settler:         settler,
		log:             log,
		timeout:         5 * time.Second,
		maxAttempts:     5,
		initialInterval: 200 * time.Millisecond,
	}
}

// WithRetry sets the per-attempt timeout, the attempt budget and the first
// backoff interval.
func (d *Dispatcher) WithRetry(timeout time.Duration, maxAttempts int, initialInterval time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	if maxAttempts > 0 {
		d.maxAttempts = uint64(maxAttempts)
	}
	if initialInterval > 0 {
		d.initialInterval = initialInterval
	}
	return d
}

func (d *Dispatcher) WithMetrics(m *Metrics) *Dispatcher {
	d.metrics = m
	return d
}

type hookCall struct {
	name string
	run  func(ctx context.Context) error
}

// Dispatch schedules the hooks for events just committed on c. It returns
// immediately; the caller's cancellation does not reach the hooks.
func (d *Dispatcher) Dispatch(ctx context.Context, c Case, events []TimelineEvent) {
	if d == nil {
		return
	}
	calls := d.plan(c, events)
	if len(calls) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		var g errgroup.Group
		for _, call := range calls {
			call := call
			g.Go(func() error { return d.run(detached, c.ID, call) })
		}
		_ = g.Wait()
	}()
}

// Close waits for scheduled hooks to finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) plan(c Case, events []TimelineEvent) []hookCall {
	calls := make([]hookCall, 0, len(events)+1)
	for _, ev := range events {
		ev := ev
		if d.notifier != nil {
			recipient := recipientFor(c, ev)
			calls = append(calls, hookCall{
				name: "notify." + string(ev.Kind),
				run: func(ctx context.Context) error {
					return d.notifier.Notify(ctx, c.ID, ev.Kind, recipient)
				},
			})
		}
		if ev.Kind == EventApproved && d.settler != nil {
			amount := c.Amount
			calls = append(calls, hookCall{
				name: "settlement.refund",
				run: func(ctx context.Context) error {
					ref, err := d.settler.InitiateRefund(ctx, c.ID, amount)
					if err != nil {
						return err
					}
					d.log.Info("dispute: refund initiated",
						zap.String("case_id", c.ID),
						zap.String("settlement_ref", ref),
						zap.String("amount", amount.String()))
					return nil
				},
			})
		}
	}
	return calls
}

func recipientFor(c Case, ev TimelineEvent) string {
	switch ev.Kind {
	case EventStatusChanged:
		if ev.ToStatus == StatusPendingAtBank {
			return RecipientBank
		}
		return RecipientOperator
	case EventDocumentAdded:
		return RecipientOperator
	default:
		return c.CustomerRef
	}
}

func (d *Dispatcher) run(ctx context.Context, caseID string, call hookCall) error {
	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return call.run(attemptCtx)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.initialInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, d.maxAttempts-1), ctx)

	err := backoff.RetryNotify(attempt, retry, func(err error, wait time.Duration) {
		d.log.Warn("dispute: hook attempt failed",
			zap.String("case_id", caseID),
			zap.String("hook", call.name),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	})
	if err != nil {
		d.metrics.hookFailed(call.name)
		d.log.Error("dispute: hook abandoned",
			zap.String("case_id", caseID),
			zap.String("hook", call.name),
			zap.Error(err))
	}
	return err
}
