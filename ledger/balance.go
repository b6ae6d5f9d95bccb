package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"
	"golang.org/x/sync/singleflight"

	walleterrors "thresholdsig/core/errors"
	"thresholdsig/observability"
)

// BalanceFunc fetches the authoritative contract balance.
type BalanceFunc func(ctx context.Context) (*uint256.Int, error)

// BalanceRefresher keeps the stored balance in step with the remote ledger.
// Triggers that arrive while a query is in flight collapse into at most one
// follow-up query, and the store only accepts the most recently completed
// result.
type BalanceRefresher struct {
	store  *Store
	epoch  uint64
	fetch  BalanceFunc
	logger *slog.Logger

	group     singleflight.Group
	completed atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending bool
	stopped bool
}

// NewBalanceRefresher binds a refresher to one session epoch.
func NewBalanceRefresher(store *Store, epoch uint64, fetch BalanceFunc, logger *slog.Logger) *BalanceRefresher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BalanceRefresher{
		store:  store,
		epoch:  epoch,
		fetch:  fetch,
		logger: logger.With(slog.String("component", "balance")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Refresh queries the balance and stores it. Concurrent callers share one
// query.
func (b *BalanceRefresher) Refresh(ctx context.Context) error {
	_, err, _ := b.group.Do("balance", func() (interface{}, error) {
		return nil, b.query(ctx)
	})
	return err
}

// Trigger schedules a refresh without blocking. It is the deposit-event hook.
func (b *BalanceRefresher) Trigger() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if b.running {
		b.pending = true
		b.mu.Unlock()
		observability.Balance().RecordCoalesced()
		return
	}
	b.running = true
	b.wg.Add(1)
	b.mu.Unlock()
	go b.loop()
}

func (b *BalanceRefresher) loop() {
	defer b.wg.Done()
	for {
		_ = b.Refresh(b.ctx)
		b.mu.Lock()
		if !b.pending || b.stopped {
			b.running = false
			b.pending = false
			b.mu.Unlock()
			return
		}
		b.pending = false
		b.mu.Unlock()
	}
}

// Stop cancels background refreshes and waits for them to return.
func (b *BalanceRefresher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

func (b *BalanceRefresher) query(ctx context.Context) error {
	value, err := b.fetch(ctx)
	seq := b.completed.Add(1)
	if err != nil {
		observability.Balance().RecordQuery("error")
		b.logger.Warn("balance query failed", slog.Uint64("seq", seq), slog.Any("error", err))
		return err
	}
	if value == nil {
		observability.Balance().RecordQuery("error")
		return fmt.Errorf("%w: empty balance response", walleterrors.ErrRemoteUnavailable)
	}
	applied, err := b.store.setBalance(b.epoch, seq, value)
	if errors.Is(err, walleterrors.ErrStaleSession) {
		observability.Balance().RecordQuery("stale")
		b.logger.Debug("discarding balance for retired session", slog.Uint64("seq", seq))
		return err
	}
	if err != nil {
		return err
	}
	if !applied {
		observability.Balance().RecordQuery("superseded")
		return nil
	}
	observability.Balance().RecordQuery("success")
	b.logger.Debug("balance updated", slog.String("balance", value.Dec()), slog.Uint64("seq", seq))
	return nil
}
