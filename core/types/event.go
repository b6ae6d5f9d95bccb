package types

import (
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// EventKind names a contract event class the wallet listens to.
type EventKind string

const (
	EventTransfer EventKind = "Transfer"
	EventDeposit  EventKind = "Deposit"
)

// Valid reports whether the kind is one the wallet understands.
func (k EventKind) Valid() bool {
	switch k {
	case EventTransfer, EventDeposit:
		return true
	default:
		return false
	}
}

// RawEvent is a contract log as delivered by the remote ledger, tagged with
// the event class it was requested for.
type RawEvent struct {
	Kind EventKind
	Log  gethtypes.Log
}

// Position returns the block number the event was emitted in.
func (e RawEvent) Position() uint64 {
	return e.Log.BlockNumber
}
