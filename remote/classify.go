package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"

	walleterrors "thresholdsig/core/errors"
)

// JSON-RPC codes that signal provider pressure rather than a refused call.
var transientRPCCodes = map[int]struct{}{
	-32005: {}, // limit exceeded
	-32603: {}, // internal error
}

// Classify maps a provider error onto the wallet error taxonomy. Transport
// failures become ErrRemoteUnavailable; error responses from the node, reverts
// and refused transactions become ErrRejected. Cancellation and NotFound pass
// through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, walleterrors.ErrRemoteUnavailable) || errors.Is(err, walleterrors.ErrRejected) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ethereum.NotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", walleterrors.ErrRemoteUnavailable, err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= http.StatusInternalServerError || httpErr.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", walleterrors.ErrRemoteUnavailable, err)
		}
		return fmt.Errorf("%w: %w", walleterrors.ErrRejected, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if _, ok := transientRPCCodes[rpcErr.ErrorCode()]; ok {
			return fmt.Errorf("%w: %w", walleterrors.ErrRemoteUnavailable, err)
		}
		return fmt.Errorf("%w: %w", walleterrors.ErrRejected, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return fmt.Errorf("%w: %w", walleterrors.ErrRejected, err)
	}
	return fmt.Errorf("%w: %w", walleterrors.ErrRemoteUnavailable, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, walleterrors.ErrRejected):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ethereum.NotFound):
		return "not_found"
	default:
		return "unavailable"
	}
}
