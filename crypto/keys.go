// Package crypto holds the wallet account: an secp256k1 key that signs
// transactions for the session.
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"thresholdsig/core/types"
)

// PrivateKey is an unlocked account key. It satisfies types.Account.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

var _ types.Account = (*PrivateKey)(nil)

// GeneratePrivateKey creates a fresh random key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: key}, nil
}

// PrivateKeyFromHex parses a hex encoded key, with or without 0x prefix.
func PrivateKeyFromHex(hexKey string) (*PrivateKey, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: key}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Address returns the account address derived from the public key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PublicKey)
}

// SignTx signs tx for chainID with the latest signer the chain supports.
func (k *PrivateKey) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	if chainID == nil {
		return nil, errors.New("crypto: chain id required")
	}
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), k.PrivateKey)
}
