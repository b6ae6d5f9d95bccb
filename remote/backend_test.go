package remote

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// fakeBackend is an in-memory node. Logs appended with record are only
// visible to FilterLogs; push sends them to live subscribers as well.
type fakeBackend struct {
	mu sync.Mutex

	networkID *big.Int
	chainID   *big.Int
	head      uint64
	logs      []gethtypes.Log
	subs      []*fakeSub
	balances  map[common.Address]*big.Int
	receipts  map[common.Hash]*gethtypes.Receipt
	sent      []*gethtypes.Transaction

	noNotifications bool
	subscribeErr    error
	estimateErr     error
	receiptStatus   uint64
	receiptLogs     func(tx *gethtypes.Transaction) []*gethtypes.Log
	filterCalls     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		networkID:     big.NewInt(5777),
		chainID:       big.NewInt(5777),
		balances:      make(map[common.Address]*big.Int),
		receipts:      make(map[common.Hash]*gethtypes.Receipt),
		receiptStatus: gethtypes.ReceiptStatusSuccessful,
	}
}

func (f *fakeBackend) NetworkID(context.Context) (*big.Int, error) { return f.networkID, nil }
func (f *fakeBackend) ChainID(context.Context) (*big.Int, error)   { return f.chainID, nil }
func (f *fakeBackend) Close()                                      {}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++
	var out []gethtypes.Log
	for _, lg := range f.logs {
		if matches(q, lg) {
			out = append(out, lg)
		}
	}
	return out, nil
}

func matches(q ethereum.FilterQuery, lg gethtypes.Log) bool {
	if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Addresses) > 0 {
		found := false
		for _, addr := range q.Addresses {
			if addr == lg.Address {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
		if len(lg.Topics) == 0 {
			return false
		}
		found := false
		for _, topic := range q.Topics[0] {
			if topic == lg.Topics[0] {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeBackend) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noNotifications {
		return nil, rpc.ErrNotificationsUnsupported
	}
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSub{query: q, ch: ch, errc: make(chan error, 1), quit: make(chan struct{})}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// record appends lg to the chain without notifying subscribers.
func (f *fakeBackend) record(lg gethtypes.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, lg)
	if lg.BlockNumber > f.head {
		f.head = lg.BlockNumber
	}
}

// push appends lg and delivers it to every active subscription.
func (f *fakeBackend) push(lg gethtypes.Log) {
	f.record(lg)
	for _, sub := range f.activeSubs() {
		if matches(ethereum.FilterQuery{Addresses: sub.query.Addresses, Topics: sub.query.Topics}, lg) {
			sub.send(lg)
		}
	}
}

// drop fails every active subscription with err.
func (f *fakeBackend) drop(err error) {
	for _, sub := range f.activeSubs() {
		sub.fail(err)
	}
}

func (f *fakeBackend) activeSubs() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, sub := range f.subs {
		if !sub.closed() {
			out = append(out, sub)
		}
	}
	return out
}

func (f *fakeBackend) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if balance, ok := f.balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 90_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.head++
	receipt := &gethtypes.Receipt{
		Status:      f.receiptStatus,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.head),
	}
	if f.receiptLogs != nil {
		receipt.Logs = f.receiptLogs(tx)
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

type fakeSub struct {
	query ethereum.FilterQuery
	ch    chan<- gethtypes.Log
	errc  chan error

	mu       sync.Mutex
	quit     chan struct{}
	quitOnce sync.Once
}

func (s *fakeSub) Err() <-chan error { return s.errc }

func (s *fakeSub) Unsubscribe() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *fakeSub) closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *fakeSub) send(lg gethtypes.Log) {
	select {
	case s.ch <- lg:
	case <-s.quit:
	}
}

func (s *fakeSub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return
	}
	s.errc <- err
	s.Unsubscribe()
}

var errConnectionReset = errors.New("read tcp: connection reset by peer")
