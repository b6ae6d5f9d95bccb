package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"thresholdsig/contracts/contractstest"
	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
)

func TestBackfillAndLiveDeliveryAdmitOnce(t *testing.T) {
	s := openSession(t)
	ctx := context.Background()
	pos := contractstest.Ref(5)

	backfill := contractstest.Transfer(t, testContract, addrAA, 100, pos)
	live := contractstest.Transfer(t, testContract, addrAA, 100, pos)

	outcome, err := s.reconciler.Ingest(ctx, s.epoch, backfill)
	require.NoError(t, err)
	require.Equal(t, Admitted, outcome)

	outcome, err = s.reconciler.Ingest(ctx, s.epoch, live)
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)

	txs := s.store.Transactions()
	require.Len(t, txs, 1)
	require.Equal(t, uint64(1), txs[0].TxIndex)
	require.Equal(t, addrAA, txs[0].To)
	require.Equal(t, "100", txs[0].Value.Dec())
	require.True(t, txs[0].Executed)
}

func TestRepeatedDeliveryIsIdempotent(t *testing.T) {
	s := openSession(t)
	ctx := context.Background()
	ev := contractstest.Transfer(t, testContract, addrBB, 7, contractstest.Ref(9))
	for i := 0; i < 25; i++ {
		if _, err := s.reconciler.Ingest(ctx, s.epoch, ev); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	if n := s.store.Len(); n != 1 {
		t.Fatalf("expected a single entry, got %d", n)
	}
}

func TestDistinctTransfersWithEqualContentAreKept(t *testing.T) {
	s := openSession(t)
	ctx := context.Background()
	first := contractstest.Transfer(t, testContract, addrAA, 100, contractstest.Ref(1))
	second := contractstest.Transfer(t, testContract, addrAA, 100, contractstest.Ref(2))

	for _, ev := range []types.RawEvent{first, second, first, second} {
		if _, err := s.reconciler.Ingest(ctx, s.epoch, ev); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	txs := s.store.Transactions()
	if len(txs) != 2 {
		t.Fatalf("expected two transfers to the same address, got %d", len(txs))
	}
	assertDenseIndexes(t, txs)
}

func TestIndexesAreDenseFromOne(t *testing.T) {
	s := openSession(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		ev := contractstest.Transfer(t, testContract, addrAA, int64(i), contractstest.Ref(uint64(i)))
		if _, err := s.reconciler.Ingest(ctx, s.epoch, ev); err != nil {
			t.Fatalf("ingest: %v", err)
		}
		// immediate redelivery must not consume an index
		if _, err := s.reconciler.Ingest(ctx, s.epoch, ev); err != nil {
			t.Fatalf("redeliver: %v", err)
		}
	}
	txs := s.store.Transactions()
	require.Len(t, txs, 10)
	assertDenseIndexes(t, txs)
}

func TestConcurrentChannelsConvergeOnSameSet(t *testing.T) {
	s := openSession(t)
	ctx := context.Background()

	const total = 200
	events := make([]types.RawEvent, total)
	for i := range events {
		events[i] = contractstest.Transfer(t, testContract, addrAA, int64(i+1), contractstest.Ref(uint64(i+1)))
	}

	// backfill sees the first 150, live sees the last 120, reconnect replays a random half
	backfill := events[:150]
	live := events[80:]
	replay := make([]types.RawEvent, 0, total/2)
	rng := rand.New(rand.NewSource(7))
	for _, idx := range rng.Perm(total)[:total/2] {
		replay = append(replay, events[idx])
	}

	var wg sync.WaitGroup
	for _, batch := range [][]types.RawEvent{backfill, live, replay} {
		wg.Add(1)
		go func(batch []types.RawEvent) {
			defer wg.Done()
			for _, ev := range batch {
				if _, err := s.reconciler.Ingest(ctx, s.epoch, ev); err != nil {
					t.Errorf("ingest: %v", err)
				}
			}
		}(batch)
	}
	wg.Wait()

	txs := s.store.Transactions()
	require.Len(t, txs, total)
	assertDenseIndexes(t, txs)
	seen := make(map[uint64]bool, total)
	for _, tx := range txs {
		value := tx.Value.Uint64()
		require.False(t, seen[value], "value %d admitted twice", value)
		seen[value] = true
	}
	for i := 1; i <= total; i++ {
		require.True(t, seen[uint64(i)], "transfer %d missing", i)
	}
}

func TestIngestDropsMalformedEvents(t *testing.T) {
	s := openSession(t)
	ctx := context.Background()
	ev := contractstest.Transfer(t, testContract, addrAA, 1, contractstest.Ref(1))
	ev.Log.Data = ev.Log.Data[:10]

	outcome, err := s.reconciler.Ingest(ctx, s.epoch, ev)
	if !errors.Is(err, walleterrors.ErrMalformedEvent) {
		t.Fatalf("expected malformed event error, got %v", err)
	}
	if outcome != Rejected {
		t.Fatalf("expected rejected outcome, got %s", outcome)
	}
	if n := s.store.Len(); n != 0 {
		t.Fatalf("malformed event must not reach the ledger, got %d entries", n)
	}

	good := contractstest.Transfer(t, testContract, addrAA, 2, contractstest.Ref(2))
	if outcome, err := s.reconciler.Ingest(ctx, s.epoch, good); err != nil || outcome != Admitted {
		t.Fatalf("expected later events to be admitted, got %s %v", outcome, err)
	}
}

func TestApplyDiscardsDraftsFromRetiredEpoch(t *testing.T) {
	s := openSession(t)
	ctx := context.Background()
	s.store.Retire()

	ev := contractstest.Transfer(t, testContract, addrAA, 1, contractstest.Ref(1))
	outcome, err := s.reconciler.Ingest(ctx, s.epoch, ev)
	if !errors.Is(err, walleterrors.ErrStaleSession) || outcome != Stale {
		t.Fatalf("expected stale outcome, got %s %v", outcome, err)
	}
	s.store.Reset()
	if n := s.store.Len(); n != 0 {
		t.Fatalf("expected empty ledger after teardown, got %d", n)
	}
}

func TestApplyRejectsDraftWithoutIdentity(t *testing.T) {
	s := openSession(t)
	_, _, err := s.reconciler.Apply(context.Background(), s.epoch, types.Draft{To: addrAA})
	if !errors.Is(err, walleterrors.ErrMalformedEvent) {
		t.Fatalf("expected malformed draft error, got %v", err)
	}
}

type recordingSink struct {
	mu         sync.Mutex
	admissions []Admission
	err        error
}

func (r *recordingSink) Record(_ context.Context, admission Admission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admissions = append(r.admissions, admission)
	return r.err
}

func TestSinkSeesEachAdmissionOnce(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	s := openSession(t, WithSink(sink))
	ctx := context.Background()
	ev := contractstest.Transfer(t, testContract, addrAA, 100, contractstest.Ref(5))
	for i := 0; i < 3; i++ {
		if _, err := s.reconciler.Ingest(ctx, s.epoch, ev); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	require.Len(t, sink.admissions, 1)
	got := sink.admissions[0]
	require.Equal(t, "session-test", got.SessionID)
	require.Equal(t, testContract, got.Contract)
	require.Equal(t, testAccount, got.Account)
	require.Equal(t, uint64(5777), got.NetworkID)
	require.Equal(t, uint64(1), got.Tx.TxIndex)
	// sink failures never undo admission
	require.Equal(t, 1, s.store.Len())
}

func TestOutcomeStrings(t *testing.T) {
	cases := map[Outcome]string{
		Admitted:   "admitted",
		Duplicate:  "duplicate",
		Stale:      "stale",
		Rejected:   "malformed",
		Outcome(0): "unknown",
	}
	for outcome, want := range cases {
		if got := outcome.String(); got != want {
			t.Fatalf("outcome %d: got %q want %q", outcome, got, want)
		}
	}
}
