// Package contractstest builds ThresholdSig logs for tests.
package contractstest

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"thresholdsig/contracts"
	"thresholdsig/core/types"
)

// Position locates a log on the remote ledger.
type Position struct {
	Block    uint64
	TxHash   common.Hash
	LogIndex uint
}

// Ref derives a deterministic position from a small integer reference.
func Ref(ref uint64) Position {
	return Position{
		Block:    ref,
		TxHash:   common.BigToHash(new(big.Int).SetUint64(ref + 1)),
		LogIndex: 0,
	}
}

// TransferLog encodes Transfer(to, amount) emitted by contract at pos.
func TransferLog(tb testing.TB, contract, to common.Address, amount *big.Int, pos Position) gethtypes.Log {
	tb.Helper()
	parsed, err := contracts.ABI()
	if err != nil {
		tb.Fatalf("parse abi: %v", err)
	}
	event := parsed.Events[contracts.TransferEvent]
	data, err := event.Inputs.NonIndexed().Pack(amount)
	if err != nil {
		tb.Fatalf("pack transfer: %v", err)
	}
	return gethtypes.Log{
		Address:     contract,
		Topics:      []common.Hash{event.ID, common.BytesToHash(to.Bytes())},
		Data:        data,
		BlockNumber: pos.Block,
		TxHash:      pos.TxHash,
		Index:       pos.LogIndex,
	}
}

// DepositLog encodes Deposit(sender, amount, balance) emitted by contract at pos.
func DepositLog(tb testing.TB, contract, sender common.Address, amount, balance *big.Int, pos Position) gethtypes.Log {
	tb.Helper()
	parsed, err := contracts.ABI()
	if err != nil {
		tb.Fatalf("parse abi: %v", err)
	}
	event := parsed.Events[contracts.DepositEvent]
	data, err := event.Inputs.NonIndexed().Pack(amount, balance)
	if err != nil {
		tb.Fatalf("pack deposit: %v", err)
	}
	return gethtypes.Log{
		Address:     contract,
		Topics:      []common.Hash{event.ID, common.BytesToHash(sender.Bytes())},
		Data:        data,
		BlockNumber: pos.Block,
		TxHash:      pos.TxHash,
		Index:       pos.LogIndex,
	}
}

// Transfer wraps TransferLog as a raw event.
func Transfer(tb testing.TB, contract, to common.Address, amount int64, pos Position) types.RawEvent {
	tb.Helper()
	return types.RawEvent{Kind: types.EventTransfer, Log: TransferLog(tb, contract, to, big.NewInt(amount), pos)}
}

// Deposit wraps DepositLog as a raw event.
func Deposit(tb testing.TB, contract, sender common.Address, amount, balance int64, pos Position) types.RawEvent {
	tb.Helper()
	return types.RawEvent{Kind: types.EventDeposit, Log: DepositLog(tb, contract, sender, big.NewInt(amount), big.NewInt(balance), pos)}
}

// Contract returns a reference to a ThresholdSig deployment at address on networkID.
func Contract(tb testing.TB, networkID uint64, address common.Address) types.ContractReference {
	tb.Helper()
	parsed, err := contracts.ABI()
	if err != nil {
		tb.Fatalf("parse abi: %v", err)
	}
	return types.ContractReference{NetworkID: networkID, Address: address, ABI: parsed}
}
