package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/matchmaker/internal/metrics"
	"github.com/whisper/matchmaker/internal/queue"
)

// Engine reacts to queue insertions. Each call to HandleEntryCreated is an
// independent activation over a fresh snapshot of the pool.
type Engine struct {
	queue     QueueStore
	committer *Committer
	canceller *Canceller
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an engine. The canceller is used to withdraw the
// triggering user when an activation fails.
func NewEngine(q QueueStore, committer *Committer, canceller *Canceller, logger *zap.Logger) *Engine {
	return &Engine{
		queue:     q,
		committer: committer,
		canceller: canceller,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleEntryCreated tries to pair the user behind a newly created entry.
// Failures never propagate: the user's own entry is withdrawn so they are not
// left waiting invisibly, and the match is not retried.
func (e *Engine) HandleEntryCreated(ctx context.Context, entry queue.Entry) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, entry.UID, fmt.Errorf("panic: %v", r))
		}
	}()

	outcome, err := e.pair(ctx, entry)
	if err != nil {
		e.fail(ctx, entry.UID, err)
		return
	}
	metrics.PairingsTotal.WithLabelValues(string(outcome)).Inc()
}

func (e *Engine) pair(ctx context.Context, entry queue.Entry) (Outcome, error) {
	pool, err := e.queue.All(ctx)
	if err != nil {
		return "", fmt.Errorf("matching: load pool: %w", err)
	}
	metrics.QueueSize.Set(float64(len(pool)))

	now := e.now()
	sel, ok := SelectBest(FilterCompatible(entry, pool), entry, now)
	if !ok {
		e.logger.Debug("no partner yet", zap.String("uid", entry.UID), zap.Int("pool", len(pool)))
		return OutcomeNoPartner, nil
	}
	metrics.SelectionsTotal.WithLabelValues(string(sel.Tier)).Inc()

	res, err := e.committer.Commit(ctx, entry.UID, sel.Partner.UID)
	if err != nil {
		return "", err
	}
	if res.Outcome == OutcomePaired {
		wait := now.Sub(time.UnixMilli(min(entry.Timestamp, sel.Partner.Timestamp)))
		metrics.MatchWait.Observe(wait.Seconds())
	}
	return res.Outcome, nil
}

// fail withdraws the triggering entry after an unexpected error. When the
// account batch itself failed it is unknown whether a reservation was spent,
// so the entry is dropped without a refund. A failure after the pairing was
// committed leaves the user in a chat, which Withdraw treats as spent.
func (e *Engine) fail(ctx context.Context, uid string, cause error) {
	metrics.PairingsTotal.WithLabelValues("error").Inc()
	e.logger.Error("pairing failed, withdrawing entry", zap.String("uid", uid), zap.Error(cause))

	if errors.Is(cause, errCommitFailed) {
		if _, err := e.queue.Remove(ctx, uid); err != nil {
			e.logger.Error("withdraw entry", zap.String("uid", uid), zap.Error(err))
		}
		return
	}
	if err := e.canceller.Withdraw(ctx, uid); err != nil {
		e.logger.Error("withdraw entry", zap.String("uid", uid), zap.Error(err))
	}
}
