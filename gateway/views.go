package gateway

import (
	"github.com/holiman/uint256"

	"thresholdsig/core/types"
)

type transferRequest struct {
	To    string `json:"to"`
	Value string `json:"value"`
}

type depositRequest struct {
	Value string `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type failureView struct {
	Phase string `json:"phase"`
	Error string `json:"error"`
}

type sessionResponse struct {
	Phase              string       `json:"phase"`
	SessionID          string       `json:"sessionId,omitempty"`
	Connected          bool         `json:"connected"`
	Account            string       `json:"account,omitempty"`
	NetworkID          uint64       `json:"networkId,omitempty"`
	Contract           string       `json:"contract,omitempty"`
	SubscriptionActive bool         `json:"subscriptionActive"`
	Transactions       int          `json:"transactions"`
	Balance            string       `json:"balance"`
	Failure            *failureView `json:"failure,omitempty"`
}

type transactionView struct {
	TxIndex  uint64 `json:"txIndex"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Executed bool   `json:"executed"`
}

type transactionsResponse struct {
	Transactions []transactionView `json:"transactions"`
}

type balanceResponse struct {
	Connected bool   `json:"connected"`
	Balance   string `json:"balance"`
}

type depositResponse struct {
	Value string `json:"value"`
}

func newTransactionView(tx types.Transaction) transactionView {
	return transactionView{
		TxIndex:  tx.TxIndex,
		To:       tx.To.Hex(),
		Value:    decimal(tx.Value),
		Executed: tx.Executed,
	}
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
