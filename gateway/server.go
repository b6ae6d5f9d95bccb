// Package gateway exposes the wallet session over HTTP: read views of the
// ledger and the connect, disconnect, transfer and deposit commands.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"thresholdsig/contracts"
	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
	"thresholdsig/gateway/middleware"
	"thresholdsig/ledger"
	"thresholdsig/observability/logging"
	"thresholdsig/session"
)

const maxBodyBytes = 1 << 16

// Session is the command surface of a session.Manager.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SwitchAccount(ctx context.Context) error
	Status() session.Status
	Store() *ledger.Store
	SubmitTransfer(ctx context.Context, to common.Address, value *uint256.Int, sig types.Signature) (types.Transaction, error)
	Deposit(ctx context.Context, value *uint256.Int) error
}

// Signer produces co-signatures for transfer messages.
type Signer interface {
	Sign(ctx context.Context, message string) (types.Signature, error)
}

// Config wires the middleware stack.
type Config struct {
	Auth          middleware.AuthConfig
	Replay        middleware.ReplayGuard
	RequiredScope string
	RateLimit     middleware.RateLimit
	CORS          middleware.CORSConfig
	LogRequests   bool
	Logger        *slog.Logger
}

// Server routes HTTP requests to the session.
type Server struct {
	session Session
	signer  Signer
	logger  *slog.Logger
	handler http.Handler
}

// New builds the router. signer may be nil, in which case transfers are refused.
func New(cfg Config, sess Session, signer Signer) (*Server, error) {
	if sess == nil {
		return nil, errors.New("gateway: session required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		session: sess,
		signer:  signer,
		logger:  logger.With(slog.String("component", "gateway")),
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{LogRequests: cfg.LogRequests}, logger)
	auth := middleware.NewAuthenticator(cfg.Auth, logger)
	if cfg.Replay != nil {
		auth.WithReplayGuard(cfg.Replay)
	}
	limits := map[string]middleware.RateLimit{}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limits["commands"] = cfg.RateLimit
	}
	limiter := middleware.NewRateLimiter(limits, logger)

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(obs.Middleware("session")).Get("/session", s.handleSession)
		v1.With(obs.Middleware("transactions")).Get("/transactions", s.handleTransactions)
		v1.With(obs.Middleware("balance")).Get("/balance", s.handleBalance)

		v1.Group(func(cmd chi.Router) {
			cmd.Use(limiter.Middleware("commands"))
			cmd.Use(auth.Middleware(cfg.RequiredScope))
			cmd.With(obs.Middleware("connect")).Post("/connect", s.handleConnect)
			cmd.With(obs.Middleware("disconnect")).Post("/disconnect", s.handleDisconnect)
			cmd.With(obs.Middleware("switch_account")).Post("/account/switch", s.handleSwitchAccount)
			cmd.With(obs.Middleware("transfers")).Post("/transfers", s.handleTransfer)
			cmd.With(obs.Middleware("deposits")).Post("/deposits", s.handleDeposit)
		})
	})

	s.handler = otelhttp.NewHandler(r, "thresholdsig")
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs := s.session.Store().Transactions()
	out := transactionsResponse{Transactions: make([]transactionView, 0, len(txs))}
	for _, tx := range txs {
		out.Transactions = append(out.Transactions, newTransactionView(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Store().Snapshot()
	writeJSON(w, http.StatusOK, balanceResponse{Connected: snap.Connected, Balance: decimal(snap.Balance)})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Connect(r.Context()); err != nil {
		s.writeError(w, "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Disconnect(r.Context()); err != nil {
		s.writeError(w, "disconnect", err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.session.SwitchAccount(r.Context()); err != nil {
		s.writeError(w, "switch account", err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	value, err := parseValue(req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if s.session.Status().Phase != session.PhaseLive {
		s.writeError(w, "transfer", walleterrors.ErrNotConnected)
		return
	}
	if s.signer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "signing service not configured"})
		return
	}
	sig, err := s.signer.Sign(r.Context(), contracts.TransferMessage(to, value))
	if err != nil {
		s.writeError(w, "sign transfer", err)
		return
	}
	tx, err := s.session.SubmitTransfer(r.Context(), to, value, sig)
	if err != nil {
		s.logger.Warn("transfer failed",
			slog.String("to", to.Hex()),
			logging.MaskField("signature", common.Bytes2Hex(sig.R[:])),
			slog.Any("error", err))
		s.writeError(w, "transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(tx))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	value, err := parseValue(req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.session.Deposit(r.Context(), value); err != nil {
		s.writeError(w, "deposit", err)
		return
	}
	writeJSON(w, http.StatusAccepted, depositResponse{Value: value.Dec()})
}

func (s *Server) sessionView() sessionResponse {
	status := s.session.Status()
	snap := s.session.Store().Snapshot()
	out := sessionResponse{
		Phase:              string(status.Phase),
		SessionID:          snap.SessionID,
		Connected:          snap.Connected,
		SubscriptionActive: snap.SubscriptionActive,
		Transactions:       len(snap.Transactions),
		Balance:            decimal(snap.Balance),
	}
	if snap.Connected {
		out.Account = snap.Account.Hex()
	}
	if snap.Contract != nil {
		out.NetworkID = snap.Contract.NetworkID
		out.Contract = snap.Contract.Address.Hex()
	}
	if status.Failure != nil {
		out.Failure = &failureView{Phase: string(status.Failure.Phase), Error: status.Failure.Err.Error()}
	}
	return out
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps the wallet error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, walleterrors.ErrUserDenied):
		return http.StatusForbidden
	case errors.Is(err, walleterrors.ErrNetworkMismatch),
		errors.Is(err, walleterrors.ErrNotConnected),
		errors.Is(err, walleterrors.ErrStaleSession):
		return http.StatusConflict
	case errors.Is(err, walleterrors.ErrRejected),
		errors.Is(err, walleterrors.ErrMalformedEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, walleterrors.ErrRemoteUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid recipient %q", raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("recipient must not be the zero address")
	}
	return addr, nil
}

func parseValue(raw string) (*uint256.Int, error) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	if value.IsZero() {
		return nil, session.ErrInvalidValue
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
