package matching

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/whisper/matchmaker/internal/metrics"
)

// CancelResult is returned to the user who withdrew.
type CancelResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Refunded bool   `json:"refunded"`
}

// Canceller removes a user's queue entry and refunds a paid reservation.
type Canceller struct {
	queue    QueueStore
	accounts AccountStore
	logger   *zap.Logger
}

// NewCanceller creates a canceller.
func NewCanceller(q QueueStore, accounts AccountStore, logger *zap.Logger) *Canceller {
	return &Canceller{queue: q, accounts: accounts, logger: logger}
}

// Cancel withdraws uid from the queue. Cancelling a user who is not queued is
// a successful no-op. The refund is only issued by the call that actually
// deleted the entry, so concurrent or repeated cancels credit at most once and
// a pairing that consumed the entry first is never refunded.
func (c *Canceller) Cancel(ctx context.Context, uid string) (CancelResult, error) {
	res, err := c.cancel(ctx, uid)
	if err == nil {
		metrics.CancellationsTotal.WithLabelValues(strconv.FormatBool(res.Refunded)).Inc()
	}
	return res, err
}

func (c *Canceller) cancel(ctx context.Context, uid string) (CancelResult, error) {
	entry, err := c.queue.Get(ctx, uid)
	if err != nil {
		return CancelResult{}, fmt.Errorf("matching: cancel %s: %w", uid, err)
	}
	if entry == nil {
		return CancelResult{Success: true, Message: "not in queue"}, nil
	}

	removed, err := c.queue.Remove(ctx, uid)
	if err != nil {
		return CancelResult{}, fmt.Errorf("matching: cancel %s: %w", uid, err)
	}
	if !removed {
		c.logger.Debug("entry already removed by a concurrent activation", zap.String("uid", uid))
		return CancelResult{Success: true, Message: "not in queue"}, nil
	}

	if !entry.UsedCoin {
		c.logger.Info("search cancelled", zap.String("uid", uid))
		return CancelResult{Success: true, Message: "search cancelled"}, nil
	}

	if err := c.accounts.Refund(ctx, uid); err != nil {
		return CancelResult{}, fmt.Errorf("matching: refund %s: %w", uid, err)
	}
	c.logger.Info("search cancelled, coin refunded", zap.String("uid", uid))
	return CancelResult{Success: true, Message: "search cancelled, coin refunded", Refunded: true}, nil
}

// Withdraw removes uid's entry after a failed activation. A user who already
// has a chat spent any reservation on it, so they only lose the entry; anyone
// else is cancelled as usual. When the account cannot be read the entry is
// removed without a refund.
func (c *Canceller) Withdraw(ctx context.Context, uid string) error {
	acct, err := c.accounts.Get(ctx, uid)
	if err != nil || (acct != nil && acct.InChat()) {
		if err != nil {
			c.logger.Error("withdraw: account lookup failed, not refunding",
				zap.String("uid", uid), zap.Error(err))
		}
		if _, rmErr := c.queue.Remove(ctx, uid); rmErr != nil {
			return fmt.Errorf("matching: withdraw %s: %w", uid, rmErr)
		}
		return nil
	}
	_, err = c.Cancel(ctx, uid)
	return err
}
