package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"thresholdsig/contracts/contractstest"
	"thresholdsig/core/types"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000c0ffee00")
	testAccount  = common.HexToAddress("0x00000000000000000000000000000000a11ce000")
	addrAA       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrBB       = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type testSession struct {
	store      *Store
	reconciler *Reconciler
	epoch      uint64
	contract   types.ContractReference
}

func openSession(t *testing.T, opts ...ReconcilerOption) testSession {
	t.Helper()
	contract := contractstest.Contract(t, 5777, testContract)
	store := NewStore()
	epoch := store.Open("session-test", testAccount, contract)
	normalizer, err := NewNormalizer(contract)
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	return testSession{
		store:      store,
		reconciler: NewReconciler(store, normalizer, opts...),
		epoch:      epoch,
		contract:   contract,
	}
}

func assertDenseIndexes(t *testing.T, txs []types.Transaction) {
	t.Helper()
	for i, tx := range txs {
		if tx.TxIndex != uint64(i)+1 {
			t.Fatalf("transaction at position %d has index %d, want %d", i, tx.TxIndex, i+1)
		}
		if !tx.Executed {
			t.Fatalf("transaction %d not marked executed", tx.TxIndex)
		}
	}
}
