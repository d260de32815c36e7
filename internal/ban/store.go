// Package ban keeps temporary search bans in Redis. A banned user cannot
// enter the matching queue until the ban expires:
//
//	Key:   ban:<uid>
//	Value: <reason>
//	TTL:   ban duration
//
// Bans are applied automatically once a user collects enough offenses
// (for example repeated rate limit breaches) within OffensesTTL.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix      = "ban:"
	OffensesPrefix = "offenses:"

	// Escalating ban durations, by offense count at or past the threshold.
	Ban15Min  = 15 * time.Minute
	Ban1Hour  = 1 * time.Hour
	Ban24Hour = 24 * time.Hour

	// OffensesTTL is the window offenses are counted in. It starts at the
	// first offense and does not slide.
	OffensesTTL = 24 * time.Hour

	// AutoBanThreshold is the number of offenses that triggers a ban.
	AutoBanThreshold = 3
)

// Status is the ban state of one user.
type Status struct {
	Banned    bool
	Reason    string
	Remaining time.Duration
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Status reports whether uid is banned. Redis errors are returned so callers
// can pick their policy; the matcher fails open.
func (s *Store) Status(ctx context.Context, uid string) (Status, error) {
	key := BanPrefix + uid

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: get %s: %w", uid, err)
	}

	// The ban exists even if its TTL can't be read.
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = 0
	}
	return Status{Banned: true, Reason: reason, Remaining: ttl}, nil
}

// Ban bans uid for duration.
func (s *Store) Ban(ctx context.Context, uid string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+uid, reason, duration).Err()
}

// Unban lifts a ban immediately. Operator helper; the matcher only lets bans
// expire.
func (s *Store) Unban(ctx context.Context, uid string) error {
	return s.client.Del(ctx, BanPrefix+uid).Err()
}

// Offenses returns the number of offenses recorded in the current window.
func (s *Store) Offenses(ctx context.Context, uid string) (int, error) {
	n, err := s.client.Get(ctx, OffensesPrefix+uid).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RecordOffense counts one offense against uid and bans once the count
// reaches AutoBanThreshold. It returns the applied ban duration, or zero when
// no ban was applied.
//
//	3rd offense  -> 15 minutes
//	4th offense  -> 1 hour
//	5th+ offense -> 24 hours
func (s *Store) RecordOffense(ctx context.Context, uid, reason string) (time.Duration, error) {
	key := OffensesPrefix + uid

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: offense incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffensesTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: offense expire: %w", err)
		}
	}

	if count < AutoBanThreshold {
		return 0, nil
	}
	duration := escalationDuration(int(count) - AutoBanThreshold + 1)
	if err := s.Ban(ctx, uid, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: apply: %w", err)
	}
	return duration, nil
}

func escalationDuration(level int) time.Duration {
	switch {
	case level <= 1:
		return Ban15Min
	case level == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}
