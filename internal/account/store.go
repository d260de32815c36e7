// Package account provides PostgreSQL-backed storage for user balances,
// chat membership and chat sessions. Balance changes run in serializable
// single-record transactions; a pairing is written as one all-or-nothing
// transaction spanning the new session and both participants.
package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	ErrUserNotFound      = errors.New("account: user not found")
	ErrInsufficientCoins = errors.New("account: insufficient coins")
	ErrAlreadyInChat     = errors.New("account: user already in a chat")
)

// serializationFailure is the SQLSTATE Postgres reports when a serializable
// transaction loses to a concurrent one.
const serializationFailure = "40001"

const maxTxAttempts = 3

// Account is the part of a user record the matcher reads and writes.
type Account struct {
	UID           string
	Username      string
	Coins         int64
	ReservedCoins int64
	CurrentChatID *string
	UpdatedAt     time.Time
}

// InChat reports whether the user is a participant of an active session.
func (a *Account) InChat() bool {
	return a.CurrentChatID != nil && *a.CurrentChatID != ""
}

// ParticipantInfo is the per-participant snapshot seeded into a new session.
type ParticipantInfo struct {
	Username      string   `json:"username"`
	Gender        string   `json:"gender"`
	Interests     []string `json:"interests"`
	IsTyping      bool     `json:"isTyping"`
	ProfileViewed bool     `json:"profileViewed"`
}

// ChatSession is a two-party chat created by a successful pairing.
type ChatSession struct {
	ID              string
	Participants    [2]string
	ParticipantInfo map[string]ParticipantInfo
	StartedAt       time.Time
	CreatedAt       time.Time
}

// Pairing is the batch written by CommitPairing.
type Pairing struct {
	Session ChatSession
	// ConsumeReservation lists participants whose reserved coin is spent by
	// this pairing.
	ConsumeReservation map[string]bool
}

// Store manages accounts and chat sessions in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new account store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the account for uid. Returns nil if not found.
func (s *Store) Get(ctx context.Context, uid string) (*Account, error) {
	const query = `
		SELECT uid, username, coins, reserved_coins, current_chat_id, updated_at
		FROM accounts
		WHERE uid = $1`

	var (
		acct   Account
		chatID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, uid).Scan(
		&acct.UID, &acct.Username, &acct.Coins, &acct.ReservedCoins, &chatID, &acct.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account: get %s: %w", uid, err)
	}
	if chatID.Valid {
		acct.CurrentChatID = &chatID.String
	}
	return &acct, nil
}

// Reserve moves one coin from the available balance to the reserved balance.
func (s *Store) Reserve(ctx context.Context, uid string) error {
	return s.serializable(ctx, func(tx *sql.Tx) error {
		var coins int64
		err := tx.QueryRowContext(ctx, `SELECT coins FROM accounts WHERE uid = $1`, uid).Scan(&coins)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("account: reserve read: %w", err)
		}
		if coins < 1 {
			return ErrInsufficientCoins
		}

		const update = `
			UPDATE accounts
			SET coins = coins - 1, reserved_coins = reserved_coins + 1, updated_at = NOW()
			WHERE uid = $1`
		if _, err := tx.ExecContext(ctx, update, uid); err != nil {
			return fmt.Errorf("account: reserve write: %w", err)
		}
		return nil
	})
}

// Refund returns one reserved coin to the available balance. The reserved
// balance is floored at zero so drifted bookkeeping never goes negative.
func (s *Store) Refund(ctx context.Context, uid string) error {
	return s.serializable(ctx, func(tx *sql.Tx) error {
		var coins, reserved int64
		err := tx.QueryRowContext(ctx,
			`SELECT coins, reserved_coins FROM accounts WHERE uid = $1`, uid,
		).Scan(&coins, &reserved)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("account: refund read: %w", err)
		}

		const update = `
			UPDATE accounts
			SET coins = $2, reserved_coins = $3, updated_at = NOW()
			WHERE uid = $1`
		if _, err := tx.ExecContext(ctx, update, uid, coins+1, max(reserved-1, 0)); err != nil {
			return fmt.Errorf("account: refund write: %w", err)
		}
		return nil
	})
}

// CommitPairing creates the session and points both participants at it in a
// single transaction. A participant that already has a chat aborts the whole
// batch with ErrAlreadyInChat.
func (s *Store) CommitPairing(ctx context.Context, p Pairing) error {
	info, err := json.Marshal(p.Session.ParticipantInfo)
	if err != nil {
		return fmt.Errorf("account: marshal participant info: %w", err)
	}

	return s.serializable(ctx, func(tx *sql.Tx) error {
		const insert = `
			INSERT INTO chat_sessions (id, participants, participant_info, started_at, created_at)
			VALUES ($1, $2, $3, $4, $5)`
		_, err := tx.ExecContext(ctx, insert,
			p.Session.ID,
			pq.Array(p.Session.Participants[:]),
			info,
			p.Session.StartedAt,
			p.Session.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("account: insert session: %w", err)
		}

		const update = `
			UPDATE accounts
			SET current_chat_id = $2,
			    reserved_coins = CASE WHEN $3 THEN GREATEST(reserved_coins - 1, 0) ELSE reserved_coins END,
			    updated_at = NOW()
			WHERE uid = $1 AND current_chat_id IS NULL`
		for _, uid := range p.Session.Participants {
			res, err := tx.ExecContext(ctx, update, uid, p.Session.ID, p.ConsumeReservation[uid])
			if err != nil {
				return fmt.Errorf("account: assign chat to %s: %w", uid, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("account: assign chat to %s: %w", uid, err)
			}
			if n != 1 {
				return ErrAlreadyInChat
			}
		}
		return nil
	})
}

// GetSession returns a chat session by id. Returns nil if not found.
func (s *Store) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	const query = `
		SELECT id, participants, participant_info, started_at, created_at
		FROM chat_sessions
		WHERE id = $1`

	var (
		cs           ChatSession
		participants []string
		info         []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&cs.ID, pq.Array(&participants), &info, &cs.StartedAt, &cs.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account: get session %s: %w", id, err)
	}
	if len(participants) != 2 {
		return nil, fmt.Errorf("account: session %s has %d participants", id, len(participants))
	}
	copy(cs.Participants[:], participants)
	if err := json.Unmarshal(info, &cs.ParticipantInfo); err != nil {
		return nil, fmt.Errorf("account: decode session %s: %w", id, err)
	}
	return &cs, nil
}

// serializable runs fn in a serializable transaction, retrying when Postgres
// reports a serialization failure.
func (s *Store) serializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return fmt.Errorf("account: gave up after %d attempts: %w", maxTxAttempts, err)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("account: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("account: commit: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == serializationFailure
}
