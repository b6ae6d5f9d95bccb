package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Transaction is a transfer admitted to the local ledger. TxIndex is assigned
// once at admission, starts at 1 and never changes. Value must not be mutated
// after admission.
type Transaction struct {
	TxIndex  uint64         `json:"txIndex"`
	To       common.Address `json:"to"`
	Value    *uint256.Int   `json:"value"`
	Executed bool           `json:"executed"`
}

// NaturalKey identifies a remote transfer independently of the channel it was
// delivered on. It is the position of the log that announced the transfer.
type NaturalKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// IsZero reports whether the key carries no remote position.
func (k NaturalKey) IsZero() bool {
	return k.TxHash == (common.Hash{})
}

// Draft is a normalized transfer waiting to be admitted.
type Draft struct {
	To    common.Address
	Value *uint256.Int
	Key   NaturalKey
}
