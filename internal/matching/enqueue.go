package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/matchmaker/internal/account"
	"github.com/whisper/matchmaker/internal/ban"
	"github.com/whisper/matchmaker/internal/queue"
)

var (
	// ErrInvalidRequest is returned for malformed search requests.
	ErrInvalidRequest = errors.New("matching: invalid search request")
	// ErrBanned is returned while the user serves a search ban.
	ErrBanned = errors.New("matching: user is banned from searching")
)

// SearchRequest is what a user submits to start waiting for a partner.
type SearchRequest struct {
	Preference    string   `json:"preference"`
	Gender        string   `json:"gender"`
	UsedCoin      bool     `json:"usedCoin"`
	Interests     []string `json:"interests"`
	BlockedUsers  []string `json:"blockedUsers"`
	SearchTimeout int      `json:"searchTimeout"`
}

// BanChecker is implemented by ban.Store.
type BanChecker interface {
	Status(ctx context.Context, uid string) (ban.Status, error)
}

// TagFilter drops unacceptable interest tags (implemented by
// moderation.Filter).
type TagFilter interface {
	CheckInterests(tags []string) []string
}

// Enqueuer puts users into the queue, reserving a coin for paid searches.
type Enqueuer struct {
	queue    QueueStore
	accounts AccountStore
	bans     BanChecker
	tags     TagFilter
	logger   *zap.Logger
	now      func() time.Time
}

// EnqueueOption configures an Enqueuer.
type EnqueueOption func(*Enqueuer)

// WithBans rejects users with an active search ban.
func WithBans(b BanChecker) EnqueueOption {
	return func(e *Enqueuer) { e.bans = b }
}

// WithTagFilter screens interest tags before they enter the pool.
func WithTagFilter(f TagFilter) EnqueueOption {
	return func(e *Enqueuer) { e.tags = f }
}

// NewEnqueuer creates an enqueuer.
func NewEnqueuer(q QueueStore, accounts AccountStore, logger *zap.Logger, opts ...EnqueueOption) *Enqueuer {
	e := &Enqueuer{queue: q, accounts: accounts, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue validates req, reserves a coin when the preference is paid for, and
// creates the queue entry. A failure after the reservation releases it
// unless the entry may already be waiting or paired.
func (e *Enqueuer) Enqueue(ctx context.Context, uid string, req SearchRequest) (queue.Entry, error) {
	entry, err := e.buildEntry(uid, req)
	if err != nil {
		return queue.Entry{}, err
	}
	if err := e.checkBan(ctx, uid); err != nil {
		return queue.Entry{}, err
	}

	acct, err := e.accounts.Get(ctx, uid)
	if err != nil {
		return queue.Entry{}, fmt.Errorf("matching: enqueue %s: %w", uid, err)
	}
	if acct == nil {
		return queue.Entry{}, account.ErrUserNotFound
	}
	if acct.InChat() {
		return queue.Entry{}, account.ErrAlreadyInChat
	}

	if entry.UsedCoin {
		if err := e.accounts.Reserve(ctx, uid); err != nil {
			return queue.Entry{}, fmt.Errorf("matching: reserve %s: %w", uid, err)
		}
	}

	if err := e.queue.Enqueue(ctx, entry); err != nil {
		if entry.UsedCoin {
			e.releaseAfterFailedEnqueue(ctx, uid, err)
		}
		if errors.Is(err, queue.ErrAlreadyQueued) {
			return queue.Entry{}, err
		}
		return queue.Entry{}, fmt.Errorf("matching: enqueue %s: %w", uid, err)
	}

	e.logger.Info("enqueued",
		zap.String("uid", uid),
		zap.Bool("used_coin", entry.UsedCoin),
		zap.Strings("interests", entry.Interests))
	return entry, nil
}

// releaseAfterFailedEnqueue refunds the reservation only when the new entry
// is known not to be waiting. Otherwise the entry may have been paired, which
// spent the coin, or may still be queued, in which case a later cancel
// refunds it.
func (e *Enqueuer) releaseAfterFailedEnqueue(ctx context.Context, uid string, cause error) {
	if !errors.Is(cause, queue.ErrAlreadyQueued) && !errors.Is(cause, queue.ErrNotQueued) {
		e.logger.Warn("enqueue failed with entry state unknown, keeping reservation",
			zap.String("uid", uid), zap.Error(cause))
		return
	}
	if err := e.accounts.Refund(ctx, uid); err != nil {
		e.logger.Error("release reservation after failed enqueue",
			zap.String("uid", uid), zap.Error(err))
	}
}

// checkBan fails open when the ban store is unreachable.
func (e *Enqueuer) checkBan(ctx context.Context, uid string) error {
	if e.bans == nil {
		return nil
	}
	st, err := e.bans.Status(ctx, uid)
	if err != nil {
		e.logger.Warn("ban lookup failed, allowing search", zap.String("uid", uid), zap.Error(err))
		return nil
	}
	if st.Banned {
		return fmt.Errorf("%w: %s, %s remaining", ErrBanned, st.Reason, st.Remaining.Round(time.Second))
	}
	return nil
}

func (e *Enqueuer) buildEntry(uid string, req SearchRequest) (queue.Entry, error) {
	if strings.TrimSpace(uid) == "" {
		return queue.Entry{}, fmt.Errorf("%w: missing uid", ErrInvalidRequest)
	}
	if req.SearchTimeout < 0 {
		return queue.Entry{}, fmt.Errorf("%w: negative searchTimeout", ErrInvalidRequest)
	}

	preference := strings.TrimSpace(req.Preference)
	if preference == "" {
		preference = queue.PreferenceAny
	}
	// A coin only buys strict gender filtering.
	if req.UsedCoin && preference == queue.PreferenceAny {
		return queue.Entry{}, fmt.Errorf("%w: usedCoin requires a gender preference", ErrInvalidRequest)
	}

	interests := normalizeTags(req.Interests, "")
	if e.tags != nil {
		interests = e.tags.CheckInterests(interests)
	}

	return queue.Entry{
		UID:           uid,
		Timestamp:     e.now().UnixMilli(),
		Preference:    preference,
		Gender:        strings.TrimSpace(req.Gender),
		UsedCoin:      req.UsedCoin,
		Interests:     interests,
		BlockedUsers:  normalizeTags(req.BlockedUsers, uid),
		SearchTimeout: req.SearchTimeout,
	}, nil
}

// normalizeTags trims, drops empties and duplicates, and drops skip.
func normalizeTags(tags []string, skip string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || t == skip || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
