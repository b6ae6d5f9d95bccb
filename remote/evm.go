package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
	"thresholdsig/observability"
)

const (
	defaultPollInterval        = 4 * time.Second
	defaultReceiptPollInterval = time.Second
	defaultReconnectPerMinute  = 12
	defaultReconnectBurst      = 3
)

// Backend defines the subset of the Ethereum RPC used by the client.
// *ethclient.Client satisfies it.
type Backend interface {
	NetworkID(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	Close()
}

// Options tunes polling and reconnect behaviour.
type Options struct {
	PollInterval        time.Duration
	ReceiptPollInterval time.Duration
	ReconnectPerMinute  float64
	ReconnectBurst      int
	Logger              *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ReceiptPollInterval <= 0 {
		o.ReceiptPollInterval = defaultReceiptPollInterval
	}
	if o.ReconnectPerMinute <= 0 {
		o.ReconnectPerMinute = defaultReconnectPerMinute
	}
	if o.ReconnectBurst <= 0 {
		o.ReconnectBurst = defaultReconnectBurst
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// EVMClient implements Client against an Ethereum JSON-RPC endpoint.
type EVMClient struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer

	chainMu sync.Mutex
	chainID *big.Int
}

var _ Client = (*EVMClient)(nil)

// Dial connects to the endpoint. Websocket and IPC endpoints get push
// subscriptions; HTTP endpoints fall back to polling.
func Dial(ctx context.Context, endpoint string, opts Options) (*EVMClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	backend, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, Classify(fmt.Errorf("dial %s: %w", trimmed, err))
	}
	return NewEVMClient(backend, opts), nil
}

// NewEVMClient wraps an existing backend.
func NewEVMClient(backend Backend, opts Options) *EVMClient {
	opts = opts.withDefaults()
	return &EVMClient{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "remote")),
		tracer:  otel.Tracer("thresholdsig/remote"),
	}
}

// Close releases the underlying connection.
func (c *EVMClient) Close() {
	if c == nil || c.backend == nil {
		return
	}
	c.backend.Close()
}

func (c *EVMClient) observe(ctx context.Context, op string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := c.tracer.Start(ctx, "remote."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()
	err := Classify(fn(ctx))
	observability.Remote().Observe(op, outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// NetworkID returns the identifier the registry is keyed by.
func (c *EVMClient) NetworkID(ctx context.Context) (uint64, error) {
	var id uint64
	err := c.observe(ctx, "NetworkID", func(ctx context.Context) error {
		value, err := c.backend.NetworkID(ctx)
		if err != nil {
			return err
		}
		if value == nil || !value.IsUint64() {
			return fmt.Errorf("%w: network id out of range", walleterrors.ErrRejected)
		}
		id = value.Uint64()
		return nil
	})
	return id, err
}

// LatestPosition returns the current head block number.
func (c *EVMClient) LatestPosition(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.observe(ctx, "LatestPosition", func(ctx context.Context) error {
		var err error
		head, err = c.backend.BlockNumber(ctx)
		return err
	})
	return head, err
}

// HistoricalEvents returns every log of kind emitted by the contract in the
// inclusive block range, ordered by block and log index.
func (c *EVMClient) HistoricalEvents(ctx context.Context, contract types.ContractReference, kind types.EventKind, from, to uint64) ([]types.RawEvent, error) {
	query, err := filterQuery(contract, kind)
	if err != nil {
		return nil, err
	}
	if from > to {
		return nil, nil
	}
	query.FromBlock = new(big.Int).SetUint64(from)
	query.ToBlock = new(big.Int).SetUint64(to)
	var logs []gethtypes.Log
	err = c.observe(ctx, "HistoricalEvents", func(ctx context.Context) error {
		var err error
		logs, err = c.backend.FilterLogs(ctx, query)
		return err
	}, attribute.String("kind", string(kind)), attribute.Int64("from", int64(from)), attribute.Int64("to", int64(to)))
	if err != nil {
		return nil, err
	}
	return wrapLogs(kind, logs), nil
}

// Subscribe opens a live stream of kind events starting at block from. The
// ctx bounds the handshake only; the stream lives until Unsubscribe.
func (c *EVMClient) Subscribe(ctx context.Context, contract types.ContractReference, kind types.EventKind, from uint64) (Subscription, error) {
	query, err := filterQuery(contract, kind)
	if err != nil {
		return nil, err
	}
	sub := newLogSubscription(c, query, kind, from)
	if err := sub.start(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

// Balance returns the latest balance of address.
func (c *EVMClient) Balance(ctx context.Context, address common.Address) (*uint256.Int, error) {
	var balance *uint256.Int
	err := c.observe(ctx, "Balance", func(ctx context.Context) error {
		value, err := c.backend.BalanceAt(ctx, address, nil)
		if err != nil {
			return err
		}
		if value == nil {
			value = new(big.Int)
		}
		converted, overflow := uint256.FromBig(value)
		if overflow || value.Sign() < 0 {
			return fmt.Errorf("%w: balance %s out of range", walleterrors.ErrMalformedEvent, value)
		}
		balance = converted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Submit signs call with its account, broadcasts it and waits until it is
// mined. A mined but reverted transaction is reported as ErrRejected.
func (c *EVMClient) Submit(ctx context.Context, call types.Call) (*types.Receipt, error) {
	if call.From == nil {
		return nil, fmt.Errorf("submit: account required")
	}
	chainID, err := c.chain(ctx)
	if err != nil {
		return nil, err
	}
	from := call.From.Address()
	value := new(big.Int)
	if call.Value != nil {
		value = call.Value.ToBig()
	}
	to := call.To

	var nonce uint64
	if err := c.observe(ctx, "PendingNonceAt", func(ctx context.Context) error {
		nonce, err = c.backend.PendingNonceAt(ctx, from)
		return err
	}); err != nil {
		return nil, err
	}
	var gasPrice *big.Int
	if err := c.observe(ctx, "SuggestGasPrice", func(ctx context.Context) error {
		gasPrice, err = c.backend.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	var gas uint64
	if err := c.observe(ctx, "EstimateGas", func(ctx context.Context) error {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, GasPrice: gasPrice, Value: value, Data: call.Data})
		return err
	}); err != nil {
		return nil, err
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     call.Data,
	})
	signed, err := call.From.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.observe(ctx, "SendTransaction", func(ctx context.Context) error {
		return c.backend.SendTransaction(ctx, signed)
	}, attribute.String("tx", signed.Hash().Hex())); err != nil {
		return nil, err
	}
	c.logger.Info("transaction submitted",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.String("value", value.String()))

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: transaction %s reverted", walleterrors.ErrRejected, signed.Hash().Hex())
	}
	out := &types.Receipt{TxHash: receipt.TxHash}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		out.Logs = append(out.Logs, *lg)
	}
	return out, nil
}

func (c *EVMClient) chain(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	var id *big.Int
	err := c.observe(ctx, "ChainID", func(ctx context.Context) error {
		var err error
		id, err = c.backend.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.chainID = id
	return id, nil
}

func (c *EVMClient) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(c.opts.ReceiptPollInterval)
	defer ticker.Stop()
	for {
		var receipt *gethtypes.Receipt
		err := c.observe(ctx, "TransactionReceipt", func(ctx context.Context) error {
			var err error
			receipt, err = c.backend.TransactionReceipt(ctx, hash)
			return err
		})
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
		case errors.Is(err, walleterrors.ErrRemoteUnavailable):
			c.logger.Warn("receipt poll failed", slog.String("tx", hash.Hex()), slog.Any("error", err))
		default:
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %w", walleterrors.ErrRemoteUnavailable, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func filterQuery(contract types.ContractReference, kind types.EventKind) (ethereum.FilterQuery, error) {
	if !kind.Valid() {
		return ethereum.FilterQuery{}, fmt.Errorf("unknown event kind %q", kind)
	}
	event, ok := contract.ABI.Events[string(kind)]
	if !ok {
		return ethereum.FilterQuery{}, fmt.Errorf("contract abi has no %s event", kind)
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{contract.Address},
		Topics:    [][]common.Hash{{event.ID}},
	}, nil
}

func wrapLogs(kind types.EventKind, logs []gethtypes.Log) []types.RawEvent {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	out := make([]types.RawEvent, 0, len(logs))
	for _, lg := range logs {
		out = append(out, types.RawEvent{Kind: kind, Log: lg})
	}
	return out
}
