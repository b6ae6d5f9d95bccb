package remote

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"thresholdsig/core/types"
	"thresholdsig/observability"
)

const (
	modePush = "push"
	modePoll = "poll"

	logBuffer = 128
)

// logSubscription keeps a filter alive across provider disconnects. Push mode
// rides SubscribeFilterLogs; when the endpoint has no notification support it
// polls FilterLogs instead. After every reconnect the gap is re-read from the
// last block seen, so delivery is at least once.
type logSubscription struct {
	client  *EVMClient
	query   ethereum.FilterQuery
	kind    types.EventKind
	limiter *rate.Limiter
	logger  *slog.Logger

	// cursor is the first block not known to be fully delivered.
	cursor uint64

	events chan types.RawEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	once sync.Once
	done chan struct{}
}

func newLogSubscription(c *EVMClient, query ethereum.FilterQuery, kind types.EventKind, from uint64) *logSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	perSecond := rate.Limit(c.opts.ReconnectPerMinute / 60)
	return &logSubscription{
		client:  c,
		query:   query,
		kind:    kind,
		limiter: rate.NewLimiter(perSecond, c.opts.ReconnectBurst),
		logger:  c.logger.With(slog.String("subscription", string(kind))),
		cursor:  from,
		events:  make(chan types.RawEvent),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *logSubscription) Events() <-chan types.RawEvent { return s.events }

func (s *logSubscription) Unsubscribe() <-chan struct{} {
	s.once.Do(func() {
		s.cancel()
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	return s.done
}

// start performs the first handshake so an unreachable provider is reported to
// the caller instead of being retried in the background.
func (s *logSubscription) start(ctx context.Context) error {
	sub, logs, err := s.open(ctx)
	switch {
	case errors.Is(err, rpc.ErrNotificationsUnsupported):
		s.logger.Info("notifications unsupported, polling", slog.Duration("interval", s.client.opts.PollInterval))
		s.wg.Add(1)
		go s.poll()
		return nil
	case err != nil:
		s.Unsubscribe()
		return err
	}
	s.wg.Add(1)
	go s.run(sub, logs)
	return nil
}

func (s *logSubscription) open(ctx context.Context) (ethereum.Subscription, chan gethtypes.Log, error) {
	logs := make(chan gethtypes.Log, logBuffer)
	query := s.query
	query.FromBlock = new(big.Int).SetUint64(s.cursor)
	var sub ethereum.Subscription
	err := s.client.observe(ctx, "Subscribe", func(ctx context.Context) error {
		var err error
		sub, err = s.client.backend.SubscribeFilterLogs(ctx, query, logs)
		return err
	})
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return nil, nil, rpc.ErrNotificationsUnsupported
	}
	if err != nil {
		return nil, nil, err
	}
	return sub, logs, nil
}

func (s *logSubscription) run(sub ethereum.Subscription, logs chan gethtypes.Log) {
	defer s.wg.Done()
	defer close(s.events)
	for {
		if sub != nil {
			if s.pump(sub, logs) {
				return
			}
			sub = nil
		}
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
		observability.Remote().RecordReconnect(string(s.kind), modePush)
		var err error
		sub, logs, err = s.open(s.ctx)
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			s.logger.Info("notifications unsupported after reconnect, polling")
			s.pollLoop()
			return
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("resubscribe failed", slog.Any("error", err))
		}
	}
}

// pump delivers live logs until the provider drops the subscription. It
// reports true once the subscription has been cancelled by the caller.
func (s *logSubscription) pump(sub ethereum.Subscription, logs chan gethtypes.Log) bool {
	defer sub.Unsubscribe()
	if err := s.catchUp(); err != nil {
		if s.ctx.Err() != nil {
			return true
		}
		s.logger.Warn("catch-up failed", slog.Any("error", err), slog.Uint64("from", s.cursor))
		return false
	}
	for {
		select {
		case <-s.ctx.Done():
			return true
		case lg := <-logs:
			if !s.deliver(lg) {
				return true
			}
			if lg.BlockNumber > s.cursor {
				s.cursor = lg.BlockNumber
			}
		case err := <-sub.Err():
			if s.ctx.Err() != nil {
				return true
			}
			s.logger.Warn("subscription dropped", slog.Any("error", err), slog.Uint64("resume_from", s.cursor))
			return false
		}
	}
}

// catchUp reads [cursor, head] so logs emitted while disconnected are not
// lost. The live subscription is already open, so nothing newer can fall into
// a gap.
func (s *logSubscription) catchUp() error {
	head, err := s.client.LatestPosition(s.ctx)
	if err != nil {
		return err
	}
	if head < s.cursor {
		return nil
	}
	if err := s.fetch(s.cursor, head); err != nil {
		return err
	}
	if head+1 > s.cursor {
		s.cursor = head + 1
	}
	return nil
}

func (s *logSubscription) fetch(from, to uint64) error {
	query := s.query
	query.FromBlock = new(big.Int).SetUint64(from)
	query.ToBlock = new(big.Int).SetUint64(to)
	var logs []gethtypes.Log
	err := s.client.observe(s.ctx, "FilterLogs", func(ctx context.Context) error {
		var err error
		logs, err = s.client.backend.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return err
	}
	for _, ev := range wrapLogs(s.kind, logs) {
		if !s.deliver(ev.Log) {
			return s.ctx.Err()
		}
	}
	return nil
}

func (s *logSubscription) deliver(lg gethtypes.Log) bool {
	select {
	case s.events <- types.RawEvent{Kind: s.kind, Log: lg}:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *logSubscription) poll() {
	defer s.wg.Done()
	defer close(s.events)
	s.pollLoop()
}

func (s *logSubscription) pollLoop() {
	ticker := time.NewTicker(s.client.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.catchUp(); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			observability.Remote().RecordReconnect(string(s.kind), modePoll)
			s.logger.Warn("poll failed", slog.Any("error", err), slog.Uint64("from", s.cursor))
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
