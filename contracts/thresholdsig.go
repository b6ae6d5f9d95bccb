// Package contracts describes the ThresholdSig wallet contract interface the
// daemon depends on.
package contracts

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"thresholdsig/core/types"
)

const (
	TransferEvent  = "Transfer"
	DepositEvent   = "Deposit"
	TransferMethod = "transfer"
)

//go:embed thresholdsig.abi.json
var canonicalABI []byte

var (
	parsedOnce sync.Once
	parsedABI  abi.ABI
	parsedErr  error
)

// ABI returns the canonical ThresholdSig interface.
func ABI() (abi.ABI, error) {
	parsedOnce.Do(func() {
		parsedABI, parsedErr = abi.JSON(bytes.NewReader(canonicalABI))
	})
	return parsedABI, parsedErr
}

// CanonicalABIJSON returns a copy of the embedded ABI document.
func CanonicalABIJSON() []byte {
	return append([]byte(nil), canonicalABI...)
}

var transferInputs = []string{"address", "uint256", "bytes32", "uint8", "bytes32", "bytes32"}

// ValidateABI checks that a deployment artifact exposes the events and methods
// the sync engine decodes. Interface descriptors that drift from this shape are
// refused up front instead of producing malformed events later.
func ValidateABI(parsed abi.ABI) error {
	transfer, ok := parsed.Events[TransferEvent]
	if !ok {
		return fmt.Errorf("abi: missing %s event", TransferEvent)
	}
	if err := requireInput(transfer.Inputs, "to", "address"); err != nil {
		return fmt.Errorf("abi: %s event: %w", TransferEvent, err)
	}
	if err := requireInput(transfer.Inputs, "amount", "uint256"); err != nil {
		return fmt.Errorf("abi: %s event: %w", TransferEvent, err)
	}
	if _, ok := parsed.Events[DepositEvent]; !ok {
		return fmt.Errorf("abi: missing %s event", DepositEvent)
	}
	method, ok := parsed.Methods[TransferMethod]
	if !ok {
		return fmt.Errorf("abi: missing %s method", TransferMethod)
	}
	if len(method.Inputs) != len(transferInputs) {
		return fmt.Errorf("abi: %s method takes %d inputs, want %d", TransferMethod, len(method.Inputs), len(transferInputs))
	}
	for i, want := range transferInputs {
		if got := method.Inputs[i].Type.String(); got != want {
			return fmt.Errorf("abi: %s input %d is %s, want %s", TransferMethod, i, got, want)
		}
	}
	return nil
}

func requireInput(args abi.Arguments, name, typ string) error {
	for _, arg := range args {
		if arg.Name != name {
			continue
		}
		if got := arg.Type.String(); got != typ {
			return fmt.Errorf("input %q is %s, want %s", name, got, typ)
		}
		return nil
	}
	return fmt.Errorf("missing input %q", name)
}

// TransferMessage renders the human readable message co-signers approve for a
// transfer.
func TransferMessage(to common.Address, value *uint256.Int) string {
	return fmt.Sprintf("Transfer %s Wei to %s", value.Dec(), to.Hex())
}

// MessageDigest is the sha256 digest of message, as verified on-chain.
func MessageDigest(message string) [32]byte {
	return sha256.Sum256([]byte(message))
}

// PackTransfer encodes a call to transfer(to, amount, messageHash, v, r, s).
func PackTransfer(parsed abi.ABI, to common.Address, value *uint256.Int, sig types.Signature) ([]byte, error) {
	if value == nil {
		return nil, fmt.Errorf("transfer value required")
	}
	digest := MessageDigest(TransferMessage(to, value))
	return parsed.Pack(TransferMethod, to, value.ToBig(), digest, sig.V, sig.R, sig.S)
}
