package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/matchmaker/internal/account"
	"github.com/whisper/matchmaker/internal/metrics"
	"github.com/whisper/matchmaker/internal/queue"
)

// Outcome is the result of one pairing activation.
type Outcome string

const (
	OutcomePaired    Outcome = "paired"
	OutcomeNoPartner Outcome = "no_partner"
	// OutcomeRaceLost: a concurrent activation consumed one side first.
	OutcomeRaceLost Outcome = "race_lost"
	// OutcomeConflict: both entries were present but one user is already
	// in a chat; both entries were dropped.
	OutcomeConflict Outcome = "conflict"
)

// errCommitFailed marks errors returned by the account batch itself, where
// the caller cannot tell whether a reservation was consumed.
var errCommitFailed = errors.New("matching: pairing commit failed")

// CommitResult describes what Commit did.
type CommitResult struct {
	Outcome Outcome
	Session *account.ChatSession
}

// Committer re-validates a selected pair and commits it.
type Committer struct {
	queue     QueueStore
	accounts  AccountStore
	publisher Publisher
	canceller *Canceller
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// NewCommitter creates a committer. publisher may be nil.
func NewCommitter(q QueueStore, accounts AccountStore, publisher Publisher, logger *zap.Logger) *Committer {
	return &Committer{
		queue:     q,
		accounts:  accounts,
		publisher: publisher,
		canceller: NewCanceller(q, accounts, logger),
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Commit pairs userID with partnerID. Both queue entries and accounts are
// re-read first; a vanished entry aborts with no side effects, and a user
// already in a chat aborts after dropping both entries.
func (c *Committer) Commit(ctx context.Context, userID, partnerID string) (CommitResult, error) {
	var (
		userEntry, partnerEntry *queue.Entry
		userAcct, partnerAcct   *account.Account
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { userEntry, err = c.queue.Get(gctx, userID); return })
	g.Go(func() (err error) { partnerEntry, err = c.queue.Get(gctx, partnerID); return })
	g.Go(func() (err error) { userAcct, err = c.accounts.Get(gctx, userID); return })
	g.Go(func() (err error) { partnerAcct, err = c.accounts.Get(gctx, partnerID); return })
	if err := g.Wait(); err != nil {
		return CommitResult{}, fmt.Errorf("matching: recheck %s/%s: %w", userID, partnerID, err)
	}

	if userEntry == nil || partnerEntry == nil {
		c.logger.Debug("entry gone before commit",
			zap.String("uid", userID), zap.String("partner", partnerID))
		return CommitResult{Outcome: OutcomeRaceLost}, nil
	}
	if userAcct == nil {
		return CommitResult{}, fmt.Errorf("matching: recheck %s: %w", userID, account.ErrUserNotFound)
	}
	if partnerAcct == nil {
		return CommitResult{}, fmt.Errorf("matching: recheck %s: %w", partnerID, account.ErrUserNotFound)
	}

	if userAcct.InChat() || partnerAcct.InChat() {
		c.logger.Info("participant already in chat, dropping both entries",
			zap.String("uid", userID), zap.String("partner", partnerID))
		c.dropConflicting(ctx, userAcct, partnerAcct)
		return CommitResult{Outcome: OutcomeConflict}, nil
	}

	now := c.now()
	session := account.ChatSession{
		ID:           c.newID(),
		Participants: [2]string{userID, partnerID},
		ParticipantInfo: map[string]account.ParticipantInfo{
			userID:    participantInfo(userAcct, userEntry),
			partnerID: participantInfo(partnerAcct, partnerEntry),
		},
		StartedAt: now,
		CreatedAt: now,
	}
	err := c.accounts.CommitPairing(ctx, account.Pairing{
		Session: session,
		ConsumeReservation: map[string]bool{
			userID:    userEntry.UsedCoin,
			partnerID: partnerEntry.UsedCoin,
		},
	})
	if errors.Is(err, account.ErrAlreadyInChat) {
		c.logger.Info("participant joined a chat during commit",
			zap.String("uid", userID), zap.String("partner", partnerID))
		return CommitResult{Outcome: OutcomeRaceLost}, nil
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: %w", errCommitFailed, err)
	}

	// The session is valid from here on; cleanup problems are only logged.
	if failed := c.removeEntries(ctx, userID, partnerID); failed > 0 {
		metrics.CleanupFailures.Add(float64(failed))
	}

	if c.publisher != nil {
		shared := SharedInterests(userEntry.Interests, partnerEntry.Interests)
		if err := publishMatchFound(c.publisher, session, shared); err != nil {
			c.logger.Warn("publish match result", zap.String("chat_id", session.ID), zap.Error(err))
		}
	}

	c.logger.Info("paired",
		zap.String("chat_id", session.ID),
		zap.String("uid", userID),
		zap.String("partner", partnerID))
	return CommitResult{Outcome: OutcomePaired, Session: &session}, nil
}

// removeEntries deletes the given queue entries and returns how many
// removals failed. Entries that are already gone count as removed.
func (c *Committer) removeEntries(ctx context.Context, uids ...string) int {
	failed := 0
	for _, uid := range uids {
		if _, err := c.queue.Remove(ctx, uid); err != nil {
			failed++
			c.logger.Warn("remove queue entry", zap.String("uid", uid), zap.Error(err))
		}
	}
	return failed
}

// dropConflicting withdraws both sides of a pair that cannot be committed.
// A user already in a chat spent any reservation on that chat, so their
// entry is only removed; the other side is cancelled and gets a paid
// reservation back.
func (c *Committer) dropConflicting(ctx context.Context, accts ...*account.Account) {
	for _, a := range accts {
		if a.InChat() {
			c.removeEntries(ctx, a.UID)
			continue
		}
		if _, err := c.canceller.Cancel(ctx, a.UID); err != nil {
			c.logger.Warn("withdraw conflicting entry", zap.String("uid", a.UID), zap.Error(err))
		}
	}
}

func participantInfo(acct *account.Account, entry *queue.Entry) account.ParticipantInfo {
	return account.ParticipantInfo{
		Username:  acct.Username,
		Gender:    entry.Gender,
		Interests: entry.Interests,
	}
}
