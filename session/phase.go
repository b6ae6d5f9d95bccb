package session

import (
	"fmt"

	"thresholdsig/observability"
)

// Phase is the lifecycle position of the wallet session.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseConnecting     Phase = "connecting"
	PhaseContractLoaded Phase = "contract_loaded"
	PhaseSyncing        Phase = "syncing"
	PhaseLive           Phase = "live"
	PhaseFailed         Phase = "failed"
)

var knownPhases = []string{
	string(PhaseDisconnected),
	string(PhaseConnecting),
	string(PhaseContractLoaded),
	string(PhaseSyncing),
	string(PhaseLive),
	string(PhaseFailed),
}

// Failure records why a connect attempt ended in PhaseFailed.
type Failure struct {
	// Phase is the phase the session was in when the error occurred.
	Phase Phase
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("session %s: %v", f.Phase, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Status is the externally visible lifecycle state.
type Status struct {
	Phase     Phase
	SessionID string
	Failure   *Failure
}

func recordPhase(p Phase) {
	observability.Session().SetPhase(string(p), knownPhases)
}
