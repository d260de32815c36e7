package matching

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/matchmaker/internal/metrics"
)

// StartSweeper periodically removes queue entries stranded by a pairing whose
// cleanup failed: entries of users who already have a chat. It blocks until
// ctx is cancelled.
func StartSweeper(ctx context.Context, q QueueStore, accounts AccountStore, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			sweepStranded(ctx, q, accounts, logger)
			if size, err := q.Size(ctx); err == nil {
				metrics.QueueSize.Set(float64(size))
			}
		}
	}
}

// sweepStranded returns the number of entries it removed. The reservation of
// a stranded entry was spent by its pairing, so nothing is refunded.
func sweepStranded(ctx context.Context, q QueueStore, accounts AccountStore, logger *zap.Logger) int {
	entries, err := q.All(ctx)
	if err != nil {
		logger.Warn("sweep: load queue", zap.Error(err))
		return 0
	}

	removed := 0
	for _, entry := range entries {
		acct, err := accounts.Get(ctx, entry.UID)
		if err != nil || acct == nil || !acct.InChat() {
			continue
		}
		ok, err := q.Remove(ctx, entry.UID)
		if err != nil {
			logger.Warn("sweep: remove entry", zap.String("uid", entry.UID), zap.Error(err))
			continue
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		metrics.SweptEntries.Add(float64(removed))
		logger.Info("sweep: removed stranded entries", zap.Int("count", removed))
	}
	return removed
}
