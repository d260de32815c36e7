// Package matching is the pairing engine: it filters and ranks waiting users,
// commits a pairing after re-validating it against the stores, and reverses a
// reservation when a user withdraws. Every activation is stateless; all
// shared state lives in the queue and account stores.
package matching

import (
	"context"

	"github.com/whisper/matchmaker/internal/account"
	"github.com/whisper/matchmaker/internal/queue"
)

// QueueStore is the queue of waiting users (implemented by queue.Store).
type QueueStore interface {
	Enqueue(ctx context.Context, entry queue.Entry) error
	Get(ctx context.Context, uid string) (*queue.Entry, error)
	Remove(ctx context.Context, uid string) (bool, error)
	All(ctx context.Context) ([]queue.Entry, error)
	Size(ctx context.Context) (int64, error)
}

// AccountStore holds balances, chat membership and sessions (implemented by
// account.Store).
type AccountStore interface {
	Get(ctx context.Context, uid string) (*account.Account, error)
	Reserve(ctx context.Context, uid string) error
	Refund(ctx context.Context, uid string) error
	CommitPairing(ctx context.Context, p account.Pairing) error
}

// Publisher delivers match results to users (implemented by
// messaging.NATSClient).
type Publisher interface {
	PublishMatchFound(uid string, data []byte) error
}
