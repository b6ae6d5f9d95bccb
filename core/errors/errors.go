package errors

import stderrors "errors"

var (
	// ErrUserDenied is returned when the account holder refuses to unlock or
	// connect. The caller may retry.
	ErrUserDenied = stderrors.New("wallet: user denied account access")
	// ErrNetworkMismatch is returned when the connected network has no
	// deployment of the wallet contract.
	ErrNetworkMismatch = stderrors.New("wallet: contract not deployed on this network")
	// ErrRemoteUnavailable marks transient transport failures. Retryable.
	ErrRemoteUnavailable = stderrors.New("wallet: remote ledger unavailable")
	// ErrRejected marks calls the remote ledger refused or reverted. Not retryable.
	ErrRejected = stderrors.New("wallet: call rejected by remote ledger")
	// ErrMalformedEvent marks remote events that do not match the contract schema.
	ErrMalformedEvent = stderrors.New("wallet: malformed event")
	// ErrStaleSession is returned when a mutation targets a session epoch that
	// has already been retired.
	ErrStaleSession = stderrors.New("wallet: stale session")
	// ErrNotConnected is returned by commands issued outside a live session.
	ErrNotConnected = stderrors.New("wallet: session not connected")
)

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	return stderrors.Is(err, ErrRemoteUnavailable)
}
