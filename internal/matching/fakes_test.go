package matching

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/whisper/matchmaker/internal/account"
	"github.com/whisper/matchmaker/internal/queue"
)

// memQueue is an in-memory QueueStore.
type memQueue struct {
	mu        sync.Mutex
	entries   map[string]queue.Entry
	removeErr map[string]error
	// failRemoveOnce makes the next Remove of a uid fail with errBoom.
	failRemoveOnce map[string]bool
	allErr         error
}

func newMemQueue(entries ...queue.Entry) *memQueue {
	q := &memQueue{
		entries:        map[string]queue.Entry{},
		removeErr:      map[string]error{},
		failRemoveOnce: map[string]bool{},
	}
	for _, e := range entries {
		q.entries[e.UID] = e
	}
	return q
}

func (q *memQueue) Enqueue(_ context.Context, e queue.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[e.UID]; ok {
		return queue.ErrAlreadyQueued
	}
	q.entries[e.UID] = e
	return nil
}

func (q *memQueue) Get(_ context.Context, uid string) (*queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[uid]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (q *memQueue) Remove(_ context.Context, uid string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.removeErr[uid]; err != nil {
		return false, err
	}
	if q.failRemoveOnce[uid] {
		delete(q.failRemoveOnce, uid)
		return false, errBoom
	}
	_, ok := q.entries[uid]
	delete(q.entries, uid)
	return ok, nil
}

func (q *memQueue) All(_ context.Context) ([]queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.allErr != nil {
		return nil, q.allErr
	}
	out := make([]queue.Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, byEnqueueTime)
	return out, nil
}

func (q *memQueue) Size(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

func (q *memQueue) has(uid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[uid]
	return ok
}

// flakyNotifyQueue inserts the entry and then fails like queue.Store does
// when the insertion notification is lost. during runs while the entry is
// already visible to other activations.
type flakyNotifyQueue struct {
	*memQueue
	during func()
	err    error
}

func (q *flakyNotifyQueue) Enqueue(ctx context.Context, e queue.Entry) error {
	if err := q.memQueue.Enqueue(ctx, e); err != nil {
		return err
	}
	if q.during != nil {
		q.during()
	}
	return q.err
}

// memAccounts is an in-memory AccountStore that mirrors account.Store's
// balance rules.
type memAccounts struct {
	mu        sync.Mutex
	accounts  map[string]*account.Account
	sessions  []account.ChatSession
	refunds   map[string]int
	commitErr error
}

func newMemAccounts(accts ...account.Account) *memAccounts {
	m := &memAccounts{accounts: map[string]*account.Account{}, refunds: map[string]int{}}
	for _, a := range accts {
		m.accounts[a.UID] = &a
	}
	return m
}

func (m *memAccounts) Get(_ context.Context, uid string) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[uid]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) Reserve(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[uid]
	if !ok {
		return account.ErrUserNotFound
	}
	if a.Coins < 1 {
		return account.ErrInsufficientCoins
	}
	a.Coins--
	a.ReservedCoins++
	return nil
}

func (m *memAccounts) Refund(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[uid]
	if !ok {
		return account.ErrUserNotFound
	}
	a.Coins++
	a.ReservedCoins = max(a.ReservedCoins-1, 0)
	m.refunds[uid]++
	return nil
}

func (m *memAccounts) CommitPairing(_ context.Context, p account.Pairing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	for _, uid := range p.Session.Participants {
		a, ok := m.accounts[uid]
		if !ok || a.InChat() {
			return account.ErrAlreadyInChat
		}
	}
	for _, uid := range p.Session.Participants {
		a := m.accounts[uid]
		id := p.Session.ID
		a.CurrentChatID = &id
		if p.ConsumeReservation[uid] {
			a.ReservedCoins = max(a.ReservedCoins-1, 0)
		}
	}
	m.sessions = append(m.sessions, p.Session)
	return nil
}

func (m *memAccounts) account(uid string) account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.accounts[uid]
}

func (m *memAccounts) setChat(uid, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[uid].CurrentChatID = &chatID
}

type mockPublisher struct {
	mock.Mock
}

func (p *mockPublisher) PublishMatchFound(uid string, data []byte) error {
	return p.Called(uid, data).Error(0)
}

var errBoom = errors.New("boom")

func acct(uid string, coins int64) account.Account {
	return account.Account{UID: uid, Username: "user-" + uid, Coins: coins}
}
