package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Account is the unlocked wallet account driving a session.
type Account interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// ContractReference points at the deployed wallet contract for one network.
// It is immutable once resolved.
type ContractReference struct {
	NetworkID uint64
	Address   common.Address
	ABI       abi.ABI
}

// Call describes a state-changing call submitted to the remote ledger.
type Call struct {
	From  Account
	To    common.Address
	Value *uint256.Int
	Data  []byte
}

// Receipt is the mined outcome of a submitted call.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Logs        []gethtypes.Log
}

// Signature is the co-signing service's output for a transfer message.
type Signature struct {
	R [32]byte
	S [32]byte
	V uint8
}
