// Package remotetest provides an in-memory remote ledger for tests.
package remotetest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"thresholdsig/contracts"
	"thresholdsig/contracts/contractstest"
	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
	"thresholdsig/remote"
)

// Operation names accepted by SetError.
const (
	OpNetworkID        = "NetworkID"
	OpLatestPosition   = "LatestPosition"
	OpHistoricalEvents = "HistoricalEvents"
	OpSubscribe        = "Subscribe"
	OpBalance          = "Balance"
	OpSubmit           = "Submit"
)

// Ledger is a single-contract chain held in memory. Subscriptions replay
// history from their start position before delivering new events, so callers
// see the same overlap a real provider produces.
type Ledger struct {
	tb       testing.TB
	contract common.Address

	mu           sync.Mutex
	networkID    uint64
	head         uint64
	history      []types.RawEvent
	subs         map[*subscription]struct{}
	opened       int
	balance      *uint256.Int
	balanceCalls int
	errs         map[string]error
	submitted    []types.Call
	onBalance    func(context.Context)
}

var _ remote.Client = (*Ledger)(nil)

// New returns an empty ledger for the contract deployed at address.
func New(tb testing.TB, networkID uint64, address common.Address) *Ledger {
	return &Ledger{
		tb:        tb,
		contract:  address,
		networkID: networkID,
		subs:      make(map[*subscription]struct{}),
		balance:   new(uint256.Int),
		errs:      make(map[string]error),
	}
}

// SetError makes op fail with err until cleared with a nil err.
func (l *Ledger) SetError(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.errs, op)
		return
	}
	l.errs[op] = err
}

// SetBalance overrides the contract balance.
func (l *Ledger) SetBalance(v uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = uint256.NewInt(v)
}

// OnBalance installs a hook run at the start of every Balance call.
func (l *Ledger) OnBalance(fn func(context.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBalance = fn
}

// BalanceCalls reports how many Balance queries were served.
func (l *Ledger) BalanceCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceCalls
}

// Subscriptions reports how many subscriptions were ever opened.
func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

// ActiveSubscriptions reports the subscriptions not yet unsubscribed.
func (l *Ledger) ActiveSubscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Submitted returns the calls accepted by Submit.
func (l *Ledger) Submitted() []types.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Call(nil), l.submitted...)
}

// History returns every event recorded so far.
func (l *Ledger) History() []types.RawEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.RawEvent(nil), l.history...)
}

// ContractBalance returns the balance held by the contract.
func (l *Ledger) ContractBalance() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance.Uint64()
}

// Record appends ev to history without notifying subscribers, as if it was
// emitted while no subscription was connected.
func (l *Ledger) Record(ev types.RawEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(ev)
}

func (l *Ledger) record(ev types.RawEvent) {
	l.history = append(l.history, ev)
	if ev.Log.BlockNumber > l.head {
		l.head = ev.Log.BlockNumber
	}
}

// Emit appends ev to history and delivers it to every live subscription of
// its kind. It blocks until each subscriber accepted or unsubscribed.
func (l *Ledger) Emit(ev types.RawEvent) {
	l.mu.Lock()
	l.record(ev)
	subs := l.matching(ev.Kind)
	l.mu.Unlock()
	for _, sub := range subs {
		sub.send(ev)
	}
}

// Deliver pushes ev to live subscriptions only, for redelivery scenarios.
func (l *Ledger) Deliver(ev types.RawEvent) {
	l.mu.Lock()
	subs := l.matching(ev.Kind)
	l.mu.Unlock()
	for _, sub := range subs {
		sub.send(ev)
	}
}

func (l *Ledger) matching(kind types.EventKind) []*subscription {
	var out []*subscription
	for sub := range l.subs {
		if sub.kind == kind {
			out = append(out, sub)
		}
	}
	return out
}

func (l *Ledger) fail(op string) error {
	if err, ok := l.errs[op]; ok {
		return err
	}
	return nil
}

func (l *Ledger) NetworkID(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(OpNetworkID); err != nil {
		return 0, err
	}
	return l.networkID, nil
}

func (l *Ledger) LatestPosition(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(OpLatestPosition); err != nil {
		return 0, err
	}
	return l.head, nil
}

func (l *Ledger) HistoricalEvents(_ context.Context, contract types.ContractReference, kind types.EventKind, from, to uint64) ([]types.RawEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(OpHistoricalEvents); err != nil {
		return nil, err
	}
	var out []types.RawEvent
	for _, ev := range l.history {
		if ev.Kind != kind || ev.Log.Address != contract.Address {
			continue
		}
		if ev.Log.BlockNumber < from || ev.Log.BlockNumber > to {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *Ledger) Subscribe(_ context.Context, contract types.ContractReference, kind types.EventKind, from uint64) (remote.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(OpSubscribe); err != nil {
		return nil, err
	}
	sub := &subscription{
		ledger: l,
		kind:   kind,
		events: make(chan types.RawEvent),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.subs[sub] = struct{}{}
	l.opened++

	var replay []types.RawEvent
	for _, ev := range l.history {
		if ev.Kind == kind && ev.Log.Address == contract.Address && ev.Log.BlockNumber >= from {
			replay = append(replay, ev)
		}
	}
	if len(replay) > 0 {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for _, ev := range replay {
				sub.send(ev)
			}
		}()
	}
	return sub, nil
}

func (l *Ledger) Balance(ctx context.Context, address common.Address) (*uint256.Int, error) {
	l.mu.Lock()
	hook := l.onBalance
	l.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceCalls++
	if err := l.fail(OpBalance); err != nil {
		return nil, err
	}
	if address != l.contract {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Set(l.balance), nil
}

// Submit mines call in a new block. Calls to transfer emit a Transfer log and
// plain value transfers emit a Deposit log; both are delivered live before
// the receipt is returned.
func (l *Ledger) Submit(_ context.Context, call types.Call) (*types.Receipt, error) {
	l.mu.Lock()
	if err := l.fail(OpSubmit); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.submitted = append(l.submitted, call)
	l.head++
	pos := contractstest.Position{
		Block:  l.head,
		TxHash: common.BigToHash(new(big.Int).SetUint64(1_000_000 + l.head)),
	}
	ev, err := l.execute(call, pos)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.Emit(ev)
	return &types.Receipt{TxHash: pos.TxHash, BlockNumber: pos.Block, Logs: []gethtypes.Log{ev.Log}}, nil
}

func (l *Ledger) execute(call types.Call, pos contractstest.Position) (types.RawEvent, error) {
	if call.To != l.contract {
		return types.RawEvent{}, fmt.Errorf("remotetest: call to unknown contract %s", call.To.Hex())
	}
	if len(call.Data) == 0 {
		if call.Value != nil {
			l.balance = new(uint256.Int).Add(l.balance, call.Value)
		}
		amount := new(big.Int)
		if call.Value != nil {
			amount = call.Value.ToBig()
		}
		var sender common.Address
		if call.From != nil {
			sender = call.From.Address()
		}
		return types.RawEvent{Kind: types.EventDeposit, Log: contractstest.DepositLog(l.tb, l.contract, sender, amount, l.balance.ToBig(), pos)}, nil
	}
	parsed, err := contracts.ABI()
	if err != nil {
		return types.RawEvent{}, err
	}
	if len(call.Data) < 4 {
		return types.RawEvent{}, fmt.Errorf("remotetest: short calldata")
	}
	method, err := parsed.MethodById(call.Data[:4])
	if err != nil || method.Name != contracts.TransferMethod {
		return types.RawEvent{}, fmt.Errorf("remotetest: unsupported call")
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return types.RawEvent{}, fmt.Errorf("remotetest: unpack transfer: %w", err)
	}
	to := args[0].(common.Address)
	amount := args[1].(*big.Int)
	debit, _ := uint256.FromBig(amount)
	if debit.Gt(l.balance) {
		return types.RawEvent{}, fmt.Errorf("%w: insufficient balance", walleterrors.ErrRejected)
	}
	l.balance = new(uint256.Int).Sub(l.balance, debit)
	return types.RawEvent{Kind: types.EventTransfer, Log: contractstest.TransferLog(l.tb, l.contract, to, amount, pos)}, nil
}

func (l *Ledger) Close() {}

type subscription struct {
	ledger *Ledger
	kind   types.EventKind
	events chan types.RawEvent

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	quit   chan struct{}
	once   sync.Once
	done   chan struct{}
}

func (s *subscription) Events() <-chan types.RawEvent { return s.events }

func (s *subscription) send(ev types.RawEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *subscription) Unsubscribe() <-chan struct{} {
	s.once.Do(func() {
		close(s.quit)
		s.ledger.mu.Lock()
		delete(s.ledger.subs, s)
		s.ledger.mu.Unlock()
		s.wg.Wait()
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		close(s.done)
	})
	return s.done
}
