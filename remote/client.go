// Package remote talks to the authoritative ledger: the wallet contract's
// event log and balance on an EVM network.
package remote

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"thresholdsig/core/types"
)

// Client is the remote ledger contract used by the session manager.
//
// HistoricalEvents is repeatable: the same range always yields the same
// events. Subscriptions deliver at least once and may repeat or reorder
// events across reconnects.
type Client interface {
	NetworkID(ctx context.Context) (uint64, error)
	LatestPosition(ctx context.Context) (uint64, error)
	HistoricalEvents(ctx context.Context, contract types.ContractReference, kind types.EventKind, from, to uint64) ([]types.RawEvent, error)
	Subscribe(ctx context.Context, contract types.ContractReference, kind types.EventKind, from uint64) (Subscription, error)
	Balance(ctx context.Context, address common.Address) (*uint256.Int, error)
	Submit(ctx context.Context, call types.Call) (*types.Receipt, error)
	Close()
}

// Subscription is a cancellable stream of live events.
type Subscription interface {
	// Events is closed once the subscription has fully stopped.
	Events() <-chan types.RawEvent
	// Unsubscribe requests cancellation. The returned channel is closed once no
	// further events can be delivered. It is safe to call more than once.
	Unsubscribe() <-chan struct{}
}
