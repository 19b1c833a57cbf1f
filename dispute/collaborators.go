package dispute

import "context"

// Locker serializes mutations on a key. Implementations live in caselock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// BlobStore holds evidence content; the case only keeps the locator.
type BlobStore interface {
	Put(ctx context.Context, blob []byte) (locator string, err error)
	Get(ctx context.Context, locator string) ([]byte, error)
}

// Notifier delivers a notice about a committed event. Delivery is
// at-least-once; implementations must tolerate duplicates.
type Notifier interface {
	Notify(ctx context.Context, caseID string, kind EventKind, recipientRef string) error
}

// Settler starts the refund for an approved case and returns the
// settlement reference. The case id is the deduplication key.
type Settler interface {
	InitiateRefund(ctx context.Context, caseID string, amount Money) (settlementRef string, err error)
}
