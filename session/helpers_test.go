package session

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"thresholdsig/contracts"
	"thresholdsig/core/types"
	"thresholdsig/ledger"
	"thresholdsig/remote"
	"thresholdsig/remote/remotetest"
)

const testNetwork = 5777

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000c0ffee00")
	addrAA       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrBB       = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type keyAccount struct {
	key *ecdsa.PrivateKey
}

func newKeyAccount(t *testing.T) keyAccount {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return keyAccount{key: key}
}

func (a keyAccount) Address() common.Address { return gethcrypto.PubkeyToAddress(a.key.PublicKey) }

func (a keyAccount) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), a.key)
}

// accountSource hands out accounts in order; the last one repeats.
type accountSource struct {
	mu       sync.Mutex
	accounts []types.Account
	err      error
	calls    int
}

func (s *accountSource) Account(context.Context) (types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls
	if idx >= len(s.accounts) {
		idx = len(s.accounts) - 1
	}
	s.calls++
	return s.accounts[idx], nil
}

type staticRegistry struct {
	registry *remote.Registry
}

func (s staticRegistry) Load(context.Context) (*remote.Registry, error) { return s.registry, nil }

func testRegistry(t *testing.T) remote.ArtifactSource {
	t.Helper()
	raw, err := json.Marshal(remote.Artifact{
		ContractName: "ThresholdSig",
		ABI:          contracts.CanonicalABIJSON(),
		Networks:     map[string]remote.ArtifactNetwork{"5777": {Address: testContract.Hex()}},
	})
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	registry, err := remote.ParseArtifact(raw)
	if err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	return staticRegistry{registry: registry}
}

type harness struct {
	remote   *remotetest.Ledger
	accounts *accountSource
	store    *ledger.Store
	manager  *Manager
}

func newHarness(t *testing.T, networkID uint64) *harness {
	t.Helper()
	h := &harness{
		remote:   remotetest.New(t, networkID, testContract),
		accounts: &accountSource{accounts: []types.Account{newKeyAccount(t)}},
		store:    ledger.NewStore(),
	}
	h.manager = New(h.remote, testRegistry(t), h.accounts, h.store)
	t.Cleanup(func() {
		_ = h.manager.Close(context.Background())
	})
	return h
}

func requireInitial(t *testing.T, store *ledger.Store) {
	t.Helper()
	snap := store.Snapshot()
	if snap.Connected || snap.SessionID != "" || snap.Contract != nil || snap.SubscriptionActive {
		t.Fatalf("store not in initial state: %+v", snap)
	}
	if len(snap.Transactions) != 0 {
		t.Fatalf("expected empty ledger, got %d entries", len(snap.Transactions))
	}
	if !snap.Balance.IsZero() {
		t.Fatalf("expected zero balance, got %s", snap.Balance.Dec())
	}
}
