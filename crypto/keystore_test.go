package crypto

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	walleterrors "thresholdsig/core/errors"
)

type staticPassphrase struct {
	value string
	err   error
	calls int
}

func (p *staticPassphrase) Get() (string, error) {
	p.calls++
	return p.value, p.err
}

type forgettingPassphrase struct {
	staticPassphrase
	forgotten int
}

func (p *forgettingPassphrase) Forget() {
	p.forgotten++
	p.value = "pw"
}

func writeKeystore(t *testing.T, key *PrivateKey, passphrase string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys", "account.json")
	if err := saveToKeystore(path, key, passphrase, keystore.LightScryptN, keystore.LightScryptP); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	return path
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := writeKeystore(t, key, "correct horse")

	loaded, err := LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("address mismatch: %s != %s", loaded.Address().Hex(), key.Address().Hex())
	}
}

func TestKeystoreWrongPassphraseIsDenied(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := writeKeystore(t, key, "correct horse")

	_, err = LoadFromKeystore(path, "battery staple")
	if !errors.Is(err, walleterrors.ErrUserDenied) {
		t.Fatalf("expected user denied, got %v", err)
	}
}

func TestKeystoreSourceCachesUnlockedKey(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := writeKeystore(t, key, "pw")
	pass := &staticPassphrase{value: "pw"}
	source := NewKeystoreSource(path, pass)

	for i := 0; i < 2; i++ {
		account, err := source.Account(context.Background())
		if err != nil {
			t.Fatalf("account: %v", err)
		}
		if account.Address() != key.Address() {
			t.Fatalf("unexpected address %s", account.Address().Hex())
		}
	}
	if pass.calls != 1 {
		t.Fatalf("passphrase requested %d times, want 1", pass.calls)
	}
}

func TestKeystoreSourcePassphraseFailure(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := writeKeystore(t, key, "pw")
	source := NewKeystoreSource(path, &staticPassphrase{err: errors.New("no terminal")})

	if _, err := source.Account(context.Background()); !errors.Is(err, walleterrors.ErrUserDenied) {
		t.Fatalf("expected user denied, got %v", err)
	}
}

func TestKeystoreSourceForgetsRejectedPassphrase(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := writeKeystore(t, key, "pw")
	pass := &forgettingPassphrase{staticPassphrase: staticPassphrase{value: "wrong"}}
	source := NewKeystoreSource(path, pass)

	if _, err := source.Account(context.Background()); !errors.Is(err, walleterrors.ErrUserDenied) {
		t.Fatalf("expected user denied, got %v", err)
	}
	if pass.forgotten != 1 {
		t.Fatalf("rejected passphrase not forgotten")
	}
	account, err := source.Account(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if account.Address() != key.Address() {
		t.Fatalf("unexpected address %s", account.Address().Hex())
	}
}

func TestSignTx(t *testing.T) {
	key, err := PrivateKeyFromHex("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(5)})
	chainID := big.NewInt(5777)

	signed, err := key.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != key.Address() {
		t.Fatalf("sender %s, want %s", sender.Hex(), key.Address().Hex())
	}
	if _, err := key.SignTx(tx, nil); err == nil {
		t.Fatalf("expected error without chain id")
	}
}
