package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"thresholdsig/contracts"
	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
)

// Normalizer turns raw Transfer logs into drafts. It holds only the immutable
// contract interface and is safe for concurrent use.
type Normalizer struct {
	contract common.Address
	event    abi.Event
	indexed  abi.Arguments
}

// NewNormalizer prepares a normalizer for the referenced deployment.
func NewNormalizer(contract types.ContractReference) (*Normalizer, error) {
	if err := contracts.ValidateABI(contract.ABI); err != nil {
		return nil, err
	}
	event := contract.ABI.Events[contracts.TransferEvent]
	indexed := make(abi.Arguments, 0, len(event.Inputs))
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return &Normalizer{contract: contract.Address, event: event, indexed: indexed}, nil
}

// Normalize validates ev against the Transfer schema and derives its draft.
// Every rejection wraps ErrMalformedEvent.
func (n *Normalizer) Normalize(ev types.RawEvent) (types.Draft, error) {
	if ev.Kind != types.EventTransfer {
		return types.Draft{}, malformed("unexpected event kind %q", ev.Kind)
	}
	log := ev.Log
	if log.Removed {
		return types.Draft{}, malformed("log %s/%d was removed", log.TxHash.Hex(), log.Index)
	}
	if log.Address != n.contract {
		return types.Draft{}, malformed("log emitted by %s, want %s", log.Address.Hex(), n.contract.Hex())
	}
	if len(log.Topics) == 0 || log.Topics[0] != n.event.ID {
		return types.Draft{}, malformed("log is not a %s event", contracts.TransferEvent)
	}
	if log.TxHash == (common.Hash{}) {
		return types.Draft{}, malformed("log carries no transaction hash")
	}
	if len(log.Topics)-1 != len(n.indexed) {
		return types.Draft{}, malformed("log has %d indexed topics, want %d", len(log.Topics)-1, len(n.indexed))
	}

	fields := make(map[string]interface{}, len(n.event.Inputs))
	if err := n.event.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return types.Draft{}, malformed("decode data: %v", err)
	}
	if err := abi.ParseTopicsIntoMap(fields, n.indexed, log.Topics[1:]); err != nil {
		return types.Draft{}, malformed("decode topics: %v", err)
	}

	to, ok := fields["to"].(common.Address)
	if !ok {
		return types.Draft{}, malformed("field to missing or not an address")
	}
	if to == (common.Address{}) {
		return types.Draft{}, malformed("field to is the zero address")
	}
	amount, ok := fields["amount"].(*big.Int)
	if !ok || amount == nil {
		return types.Draft{}, malformed("field amount missing or not an integer")
	}
	if amount.Sign() < 0 {
		return types.Draft{}, malformed("field amount is negative")
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return types.Draft{}, malformed("field amount overflows 256 bits")
	}
	return types.Draft{
		To:    to,
		Value: value,
		Key:   types.NaturalKey{TxHash: log.TxHash, LogIndex: log.Index},
	}, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", walleterrors.ErrMalformedEvent, fmt.Sprintf(format, args...))
}
