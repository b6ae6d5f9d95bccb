// Package session drives the wallet session lifecycle: connecting to the
// remote ledger, backfilling history, keeping live subscriptions and tearing
// everything down again.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"thresholdsig/contracts"
	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
	"thresholdsig/ledger"
	"thresholdsig/observability"
	"thresholdsig/remote"
)

// ErrInvalidValue is returned for transfers or deposits of zero.
var ErrInvalidValue = errors.New("session: value must be positive")

// AccountSource yields the account that drives a session. Implementations
// return ErrUserDenied when the holder refuses access.
type AccountSource interface {
	Account(ctx context.Context) (types.Account, error)
}

// Option customises a Manager.
type Option func(*Manager)

// WithSink forwards every admitted transfer to sink.
func WithSink(sink ledger.Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithLogger overrides the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFromBlock sets the first block scanned by the history backfill.
func WithFromBlock(block uint64) Option {
	return func(m *Manager) { m.fromBlock = block }
}

// Manager owns the single wallet session of the process. Connect, Disconnect
// and SwitchAccount are serialized; commands and reads may run concurrently
// with them.
type Manager struct {
	remote    remote.Client
	registry  remote.ArtifactSource
	accounts  AccountSource
	store     *ledger.Store
	sink      ledger.Sink
	logger    *slog.Logger
	fromBlock uint64

	lifecycle sync.Mutex

	mu      sync.RWMutex
	phase   Phase
	failure *Failure
	live    *liveSession
}

type liveSession struct {
	id         string
	epoch      uint64
	account    types.Account
	contract   types.ContractReference
	normalizer *ledger.Normalizer
	reconciler *ledger.Reconciler
	balance    *ledger.BalanceRefresher
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []remote.Subscription
	pumps  sync.WaitGroup
}

// New constructs a disconnected manager.
func New(client remote.Client, registry remote.ArtifactSource, accounts AccountSource, store *ledger.Store, opts ...Option) *Manager {
	m := &Manager{
		remote:   client,
		registry: registry,
		accounts: accounts,
		store:    store,
		logger:   slog.Default(),
		phase:    PhaseDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "session"))
	recordPhase(PhaseDisconnected)
	return m
}

// Store exposes the session store for read views.
func (m *Manager) Store() *ledger.Store { return m.store }

// Status reports the current phase and the last connect failure.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := Status{Phase: m.phase, Failure: m.failure}
	if m.live != nil {
		status.SessionID = m.live.id
	}
	return status
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	if p != PhaseFailed {
		m.failure = nil
	}
	m.mu.Unlock()
	recordPhase(p)
}

func (m *Manager) fail(at Phase, err error) error {
	failure := &Failure{Phase: at, Err: err}
	m.mu.Lock()
	m.phase = PhaseFailed
	m.failure = failure
	m.mu.Unlock()
	recordPhase(PhaseFailed)
	m.logger.Warn("connect failed", slog.String("phase", string(at)), slog.Any("error", err))
	return failure
}

// Connect establishes a live session. It is a no-op while a session is live.
// On failure nothing of the attempt survives: the store is back in its
// initial state and the returned *Failure wraps the typed cause.
func (m *Manager) Connect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.Status().Phase == PhaseLive {
		return nil
	}
	m.setPhase(PhaseConnecting)

	account, err := m.accounts.Account(ctx)
	if err != nil {
		return m.fail(PhaseConnecting, err)
	}
	networkID, err := m.remote.NetworkID(ctx)
	if err != nil {
		return m.fail(PhaseConnecting, err)
	}
	registry, err := m.registry.Load(ctx)
	if err != nil {
		return m.fail(PhaseConnecting, err)
	}
	contract, err := registry.Lookup(networkID)
	if err != nil {
		return m.fail(PhaseConnecting, err)
	}
	normalizer, err := ledger.NewNormalizer(contract)
	if err != nil {
		return m.fail(PhaseConnecting, err)
	}
	m.setPhase(PhaseContractLoaded)

	ls := m.open(account, contract, normalizer)
	m.logger.Info("session opened",
		slog.String("session_id", ls.id),
		slog.Uint64("network_id", networkID),
		slog.String("contract", contract.Address.Hex()),
		slog.String("account", account.Address().Hex()))

	if err := ls.balance.Refresh(ctx); err != nil {
		return m.abort(ls, PhaseContractLoaded, err)
	}
	m.setPhase(PhaseSyncing)
	if err := m.sync(ctx, ls); err != nil {
		return m.abort(ls, PhaseSyncing, err)
	}

	m.mu.Lock()
	m.live = ls
	m.mu.Unlock()
	m.setPhase(PhaseLive)
	m.logger.Info("session live",
		slog.String("session_id", ls.id),
		slog.Int("transactions", m.store.Len()),
		slog.String("balance", m.store.Balance().Dec()))
	return nil
}

func (m *Manager) open(account types.Account, contract types.ContractReference, normalizer *ledger.Normalizer) *liveSession {
	id := uuid.NewString()
	epoch := m.store.Open(id, account.Address(), contract)
	logger := m.logger.With(slog.String("session_id", id))
	opts := []ledger.ReconcilerOption{ledger.WithLogger(logger)}
	if m.sink != nil {
		opts = append(opts, ledger.WithSink(m.sink))
	}
	ctx, cancel := context.WithCancel(context.Background())
	address := contract.Address
	return &liveSession{
		id:         id,
		epoch:      epoch,
		account:    account,
		contract:   contract,
		normalizer: normalizer,
		reconciler: ledger.NewReconciler(m.store, normalizer, opts...),
		balance: ledger.NewBalanceRefresher(m.store, epoch, func(ctx context.Context) (*uint256.Int, error) {
			return m.remote.Balance(ctx, address)
		}, logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// sync backfills Transfer history up to the current head and subscribes from
// that same head. Events at the head arrive on both paths and collapse on
// their natural key.
func (m *Manager) sync(ctx context.Context, ls *liveSession) error {
	head, err := m.remote.LatestPosition(ctx)
	if err != nil {
		return err
	}
	events, err := m.remote.HistoricalEvents(ctx, ls.contract, types.EventTransfer, m.fromBlock, head)
	if err != nil {
		return err
	}
	admitted := 0
	for _, ev := range events {
		outcome, _ := ls.reconciler.Ingest(ctx, ls.epoch, ev)
		if outcome == ledger.Admitted {
			admitted++
		}
	}
	ls.logger.Info("history backfilled",
		slog.Uint64("from", m.fromBlock),
		slog.Uint64("head", head),
		slog.Int("events", len(events)),
		slog.Int("admitted", admitted))

	for _, kind := range []types.EventKind{types.EventTransfer, types.EventDeposit} {
		sub, err := m.remote.Subscribe(ctx, ls.contract, kind, head)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
		ls.subs = append(ls.subs, sub)
		ls.pumps.Add(1)
		go m.pump(ls, sub)
	}
	if _, err := m.store.MarkSubscribed(ls.epoch); err != nil {
		return err
	}
	return nil
}

func (m *Manager) pump(ls *liveSession, sub remote.Subscription) {
	defer ls.pumps.Done()
	for ev := range sub.Events() {
		switch ev.Kind {
		case types.EventTransfer:
			_, _ = ls.reconciler.Ingest(ls.ctx, ls.epoch, ev)
		case types.EventDeposit:
			if ev.Log.Address != ls.contract.Address || ev.Log.Removed {
				observability.Events().RecordEvent(string(ev.Kind), ledger.Rejected.String())
				ls.logger.Warn("dropping foreign deposit event", slog.String("address", ev.Log.Address.Hex()))
				continue
			}
			observability.Events().RecordEvent(string(ev.Kind), "refresh")
			ls.balance.Trigger()
		default:
			ls.logger.Warn("dropping event of unknown kind", slog.String("kind", string(ev.Kind)))
		}
	}
}

func (m *Manager) abort(ls *liveSession, at Phase, err error) error {
	m.store.Retire()
	if terr := m.teardown(context.Background(), ls); terr != nil {
		ls.logger.Warn("teardown after failed connect", slog.Any("error", terr))
	}
	m.store.Reset()
	return m.fail(at, err)
}

// teardown stops every producer bound to ls. The store epoch must already be
// retired so anything still in flight is discarded.
func (m *Manager) teardown(ctx context.Context, ls *liveSession) error {
	ls.cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range ls.subs {
		g.Go(func() error {
			select {
			case <-sub.Unsubscribe():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	if err == nil {
		ls.pumps.Wait()
	}
	ls.balance.Stop()
	return err
}

// Disconnect ends the current session. Once it returns no callback of the old
// session can touch the store.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.disconnect(ctx)
}

func (m *Manager) disconnect(ctx context.Context) error {
	m.mu.Lock()
	ls := m.live
	m.live = nil
	m.mu.Unlock()

	m.store.Retire()
	var err error
	if ls != nil {
		err = m.teardown(ctx, ls)
		ls.logger.Info("session closed")
	}
	m.store.Reset()
	m.setPhase(PhaseDisconnected)
	return err
}

// SwitchAccount handles an account change: the old session is torn down and a
// new one connected for whatever account the source now yields.
func (m *Manager) SwitchAccount(ctx context.Context) error {
	m.lifecycle.Lock()
	if err := m.disconnect(ctx); err != nil {
		m.lifecycle.Unlock()
		return err
	}
	m.lifecycle.Unlock()
	return m.Connect(ctx)
}

func (m *Manager) current() (*liveSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.live == nil || m.phase != PhaseLive {
		return nil, walleterrors.ErrNotConnected
	}
	return m.live, nil
}

// Account returns the address driving the live session.
func (m *Manager) Account() (common.Address, error) {
	ls, err := m.current()
	if err != nil {
		return common.Address{}, err
	}
	return ls.account.Address(), nil
}

// SubmitTransfer sends a co-signed transfer and reconciles the Transfer event
// from its receipt. The live subscription delivers the same event again; both
// collapse into the returned entry.
func (m *Manager) SubmitTransfer(ctx context.Context, to common.Address, value *uint256.Int, sig types.Signature) (types.Transaction, error) {
	if value == nil || value.IsZero() {
		return types.Transaction{}, ErrInvalidValue
	}
	ls, err := m.current()
	if err != nil {
		return types.Transaction{}, err
	}
	data, err := contracts.PackTransfer(ls.contract.ABI, to, value, sig)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("pack transfer: %w", err)
	}
	receipt, err := m.remote.Submit(ctx, types.Call{From: ls.account, To: ls.contract.Address, Data: data})
	if err != nil {
		return types.Transaction{}, err
	}
	transferID := ls.contract.ABI.Events[contracts.TransferEvent].ID
	for _, lg := range receipt.Logs {
		if lg.Address != ls.contract.Address || len(lg.Topics) == 0 || lg.Topics[0] != transferID {
			continue
		}
		draft, err := ls.normalizer.Normalize(types.RawEvent{Kind: types.EventTransfer, Log: lg})
		if err != nil {
			ls.logger.Warn("receipt carries malformed transfer", slog.String("tx", receipt.TxHash.Hex()), slog.Any("error", err))
			continue
		}
		if draft.To != to || draft.Value.Cmp(value) != 0 {
			continue
		}
		_, tx, err := ls.reconciler.Apply(ctx, ls.epoch, draft)
		if err != nil {
			return types.Transaction{}, fmt.Errorf("reconcile %s: %w", receipt.TxHash.Hex(), err)
		}
		return tx, nil
	}
	return types.Transaction{}, fmt.Errorf("%w: receipt %s has no matching transfer event", walleterrors.ErrMalformedEvent, receipt.TxHash.Hex())
}

// Deposit sends value to the contract and schedules a balance refresh.
func (m *Manager) Deposit(ctx context.Context, value *uint256.Int) error {
	if value == nil || value.IsZero() {
		return ErrInvalidValue
	}
	ls, err := m.current()
	if err != nil {
		return err
	}
	receipt, err := m.remote.Submit(ctx, types.Call{From: ls.account, To: ls.contract.Address, Value: value})
	if err != nil {
		return err
	}
	ls.logger.Info("deposit mined", slog.String("tx", receipt.TxHash.Hex()), slog.String("value", value.Dec()))
	ls.balance.Trigger()
	return nil
}

// Close disconnects the session, if any.
func (m *Manager) Close(ctx context.Context) error {
	return m.Disconnect(ctx)
}
