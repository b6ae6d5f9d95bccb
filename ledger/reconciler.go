package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
	"thresholdsig/observability"
)

// Outcome describes what happened to a draft handed to the reconciler.
type Outcome int

const (
	// Admitted means the draft was appended with a fresh TxIndex.
	Admitted Outcome = iota + 1
	// Duplicate means a transaction with the same natural key already exists.
	Duplicate
	// Stale means the draft belonged to a retired session and was discarded.
	Stale
	// Rejected means the raw event failed normalization.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Rejected:
		return "malformed"
	default:
		return "unknown"
	}
}

// Admission describes a newly admitted transaction for downstream sinks.
type Admission struct {
	SessionID string
	NetworkID uint64
	Contract  common.Address
	Account   common.Address
	Tx        types.Transaction
}

// Sink receives admissions after they are committed to the store. Sink
// failures never roll back an admission.
type Sink interface {
	Record(ctx context.Context, admission Admission) error
}

// Reconciler is the single writer of the transaction ledger. Drafts produced
// concurrently by backfill, live subscriptions and local submissions are
// serialized through the store's write lock.
type Reconciler struct {
	store      *Store
	normalizer *Normalizer
	sink       Sink
	logger     *slog.Logger
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithSink forwards admissions to sink.
func WithSink(sink Sink) ReconcilerOption {
	return func(r *Reconciler) {
		r.sink = sink
	}
}

// WithLogger overrides the reconciler logger.
func WithLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReconciler constructs a reconciler writing into store.
func NewReconciler(store *Store, normalizer *Normalizer, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:      store,
		normalizer: normalizer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "reconciler"))
	return r
}

// Apply admits d into the session identified by epoch. The natural-key lookup
// and the append happen in one critical section, so a draft delivered twice on
// any combination of channels yields exactly one ledger entry.
func (r *Reconciler) Apply(ctx context.Context, epoch uint64, d types.Draft) (Outcome, types.Transaction, error) {
	if d.Key.IsZero() || d.Value == nil {
		return Rejected, types.Transaction{}, fmt.Errorf("%w: draft without identity or value", walleterrors.ErrMalformedEvent)
	}
	var (
		outcome   Outcome
		tx        types.Transaction
		admission Admission
		size      int
	)
	err := r.store.update(epoch, func(st *sessionState) {
		if idx, ok := st.keys[d.Key]; ok {
			outcome = Duplicate
			tx = st.txs[idx-1]
			return
		}
		tx = types.Transaction{
			TxIndex:  uint64(len(st.txs)) + 1,
			To:       d.To,
			Value:    d.Value.Clone(),
			Executed: true,
		}
		st.txs = append(st.txs, tx)
		st.keys[d.Key] = tx.TxIndex
		outcome = Admitted
		size = len(st.txs)
		admission = Admission{
			SessionID: st.sessionID,
			Account:   st.account,
			Tx:        tx,
		}
		if st.contract != nil {
			admission.NetworkID = st.contract.NetworkID
			admission.Contract = st.contract.Address
		}
	})
	if errors.Is(err, walleterrors.ErrStaleSession) {
		observability.Events().RecordEvent(string(types.EventTransfer), Stale.String())
		return Stale, types.Transaction{}, err
	}
	if err != nil {
		return 0, types.Transaction{}, err
	}
	observability.Events().RecordEvent(string(types.EventTransfer), outcome.String())
	if outcome != Admitted {
		return outcome, tx, nil
	}
	observability.Events().SetLedgerSize(size)
	r.logger.Debug("transfer admitted",
		slog.Uint64("tx_index", tx.TxIndex),
		slog.String("to", tx.To.Hex()),
		slog.String("value", tx.Value.Dec()),
		slog.String("tx_hash", d.Key.TxHash.Hex()),
		slog.Uint64("log_index", uint64(d.Key.LogIndex)),
	)
	if r.sink != nil {
		if err := r.sink.Record(ctx, admission); err != nil {
			r.logger.Warn("journal admission failed", slog.Uint64("tx_index", tx.TxIndex), slog.Any("error", err))
		}
	}
	return outcome, tx, nil
}

// Ingest normalizes ev and applies the resulting draft. Malformed events are
// logged and dropped; the returned error is informational only.
func (r *Reconciler) Ingest(ctx context.Context, epoch uint64, ev types.RawEvent) (Outcome, error) {
	draft, err := r.normalizer.Normalize(ev)
	if err != nil {
		observability.Events().RecordEvent(string(ev.Kind), Rejected.String())
		r.logger.Warn("dropping malformed event",
			slog.String("kind", string(ev.Kind)),
			slog.String("tx_hash", ev.Log.TxHash.Hex()),
			slog.Uint64("log_index", uint64(ev.Log.Index)),
			slog.Any("error", err),
		)
		return Rejected, err
	}
	outcome, _, err := r.Apply(ctx, epoch, draft)
	return outcome, err
}
