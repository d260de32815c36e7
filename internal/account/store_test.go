package account

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

var (
	selectAccount  = regexp.QuoteMeta(`SELECT uid, username, coins, reserved_coins, current_chat_id, updated_at`)
	selectCoins    = regexp.QuoteMeta(`SELECT coins FROM accounts WHERE uid = $1`)
	selectBalances = regexp.QuoteMeta(`SELECT coins, reserved_coins FROM accounts WHERE uid = $1`)
	updateAccounts = regexp.QuoteMeta(`UPDATE accounts`)
	insertSession  = regexp.QuoteMeta(`INSERT INTO chat_sessions`)
)

func TestGet_Found(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(selectAccount).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"uid", "username", "coins", "reserved_coins", "current_chat_id", "updated_at"}).
			AddRow("alice", "Alice", int64(3), int64(1), "chat-1", now))

	acct, err := s.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "Alice", acct.Username)
	assert.EqualValues(t, 3, acct.Coins)
	assert.EqualValues(t, 1, acct.ReservedCoins)
	require.NotNil(t, acct.CurrentChatID)
	assert.Equal(t, "chat-1", *acct.CurrentChatID)
	assert.True(t, acct.InChat())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NullChat(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(selectAccount).WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"uid", "username", "coins", "reserved_coins", "current_chat_id", "updated_at"}).
			AddRow("bob", "Bob", int64(0), int64(0), nil, time.Now()))

	acct, err := s.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Nil(t, acct.CurrentChatID)
	assert.False(t, acct.InChat())
}

func TestGet_Missing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(selectAccount).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	acct, err := s.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestReserve_MovesOneCoin(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectCoins).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"coins"}).AddRow(int64(2)))
	mock.ExpectExec(updateAccounts).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Reserve(context.Background(), "alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserve_InsufficientCoins(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectCoins).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"coins"}).AddRow(int64(0)))
	mock.ExpectRollback()

	err := s.Reserve(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrInsufficientCoins)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefund_IncrementsAndDecrements(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectBalances).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"coins", "reserved_coins"}).AddRow(int64(4), int64(1)))
	mock.ExpectExec(updateAccounts).WithArgs("alice", int64(5), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Refund(context.Background(), "alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefund_FloorsReservedAtZero(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectBalances).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"coins", "reserved_coins"}).AddRow(int64(0), int64(0)))
	mock.ExpectExec(updateAccounts).WithArgs("alice", int64(1), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Refund(context.Background(), "alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefund_UserNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectBalances).WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.Refund(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet(), "no update may be attempted")
}

func TestRefund_RetriesSerializationFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectBalances).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"coins", "reserved_coins"}).AddRow(int64(1), int64(1)))
	mock.ExpectExec(updateAccounts).WillReturnError(&pq.Error{Code: serializationFailure})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(selectBalances).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"coins", "reserved_coins"}).AddRow(int64(1), int64(1)))
	mock.ExpectExec(updateAccounts).WithArgs("alice", int64(2), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Refund(context.Background(), "alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefund_GivesUpAfterMaxAttempts(t *testing.T) {
	s, mock := newMockStore(t)

	for i := 0; i < maxTxAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(selectBalances).WillReturnError(&pq.Error{Code: serializationFailure})
		mock.ExpectRollback()
	}

	err := s.Refund(context.Background(), "alice")
	require.Error(t, err)
	var pqErr *pq.Error
	assert.True(t, errors.As(err, &pqErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testPairing() Pairing {
	now := time.Now()
	return Pairing{
		Session: ChatSession{
			ID:           "chat-1",
			Participants: [2]string{"alice", "bob"},
			ParticipantInfo: map[string]ParticipantInfo{
				"alice": {Username: "Alice"},
				"bob":   {Username: "Bob"},
			},
			StartedAt: now,
			CreatedAt: now,
		},
		ConsumeReservation: map[string]bool{"alice": true},
	}
}

func TestCommitPairing_WritesBatch(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertSession).
		WithArgs("chat-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateAccounts).WithArgs("alice", "chat-1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateAccounts).WithArgs("bob", "chat-1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CommitPairing(context.Background(), testPairing()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPairing_RollsBackWhenParticipantAlreadyInChat(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertSession).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateAccounts).WithArgs("alice", "chat-1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateAccounts).WithArgs("bob", "chat-1", false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.CommitPairing(context.Background(), testPairing())
	assert.ErrorIs(t, err, ErrAlreadyInChat)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, participants, participant_info`)).WithArgs("chat-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "participants", "participant_info", "started_at", "created_at"}).
			AddRow("chat-1", "{alice,bob}", []byte(`{"alice":{"username":"Alice"},"bob":{"username":"Bob"}}`), now, now))

	cs, err := s.GetSession(context.Background(), "chat-1")
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.Equal(t, [2]string{"alice", "bob"}, cs.Participants)
	assert.Equal(t, "Bob", cs.ParticipantInfo["bob"].Username)
}
