// Package ledger keeps the local mirror of a wallet contract's transfer
// history and balance consistent with the remote event log.
package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
)

// Snapshot is a point-in-time copy of the session state. It never aliases the
// live ledger slice.
type Snapshot struct {
	Connected          bool
	SessionID          string
	Epoch              uint64
	Account            common.Address
	Contract           *types.ContractReference
	Balance            *uint256.Int
	Transactions       []types.Transaction
	SubscriptionActive bool
}

type sessionState struct {
	connected  bool
	sessionID  string
	account    common.Address
	contract   *types.ContractReference
	balance    *uint256.Int
	balanceSeq uint64
	txs        []types.Transaction
	keys       map[types.NaturalKey]uint64
	subscribed bool
}

func initialState() *sessionState {
	return &sessionState{
		balance: new(uint256.Int),
		keys:    make(map[types.NaturalKey]uint64),
	}
}

// Store owns the canonical session state. All writes go through update, which
// holds the single write lock and rejects callers from a retired epoch.
type Store struct {
	mu    sync.RWMutex
	epoch uint64
	state *sessionState
}

// NewStore returns a store in the initial, disconnected state.
func NewStore() *Store {
	return &Store{state: initialState()}
}

// Open installs a fresh connected session and returns its epoch. Any previous
// state is discarded in the same critical section.
func (s *Store) Open(sessionID string, account common.Address, contract types.ContractReference) uint64 {
	st := initialState()
	st.connected = true
	st.sessionID = sessionID
	st.account = account
	ref := contract
	st.contract = &ref

	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.state = st
	return s.epoch
}

// Retire advances the epoch without clearing state. Callbacks still carrying
// the previous epoch can no longer mutate the store, while readers keep seeing
// the last consistent view until Reset.
func (s *Store) Retire() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	return s.epoch
}

// Reset atomically replaces the session with the initial state.
func (s *Store) Reset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.state = initialState()
	return s.epoch
}

// Epoch returns the current session generation.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	snap := Snapshot{
		Connected:          st.connected,
		SessionID:          st.sessionID,
		Epoch:              s.epoch,
		Account:            st.account,
		Balance:            st.balance.Clone(),
		Transactions:       append([]types.Transaction(nil), st.txs...),
		SubscriptionActive: st.subscribed,
	}
	if st.contract != nil {
		ref := *st.contract
		snap.Contract = &ref
	}
	return snap
}

// Transactions returns a copy of the ledger in admission order.
func (s *Store) Transactions() []types.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Transaction(nil), s.state.txs...)
}

// Len returns the number of admitted transactions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.txs)
}

// Balance returns the last stored balance snapshot.
func (s *Store) Balance() *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.balance.Clone()
}

// MarkSubscribed flags the session as having live subscriptions. It reports
// false when the flag was already set so callers never register twice.
func (s *Store) MarkSubscribed(epoch uint64) (bool, error) {
	marked := false
	err := s.update(epoch, func(st *sessionState) {
		if st.subscribed {
			return
		}
		st.subscribed = true
		marked = true
	})
	return marked, err
}

// SubscriptionActive reports whether live subscriptions are registered.
func (s *Store) SubscriptionActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.subscribed
}

// setBalance stores value if seq is newer than the stored balance's sequence.
func (s *Store) setBalance(epoch, seq uint64, value *uint256.Int) (bool, error) {
	applied := false
	err := s.update(epoch, func(st *sessionState) {
		if seq <= st.balanceSeq {
			return
		}
		st.balance = value.Clone()
		st.balanceSeq = seq
		applied = true
	})
	return applied, err
}

// update runs fn under the write lock. fn must not fail part-way: every
// mutation it performs is one unit from the readers' point of view.
func (s *Store) update(epoch uint64, fn func(st *sessionState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || !s.state.connected {
		return walleterrors.ErrStaleSession
	}
	fn(s.state)
	return nil
}
