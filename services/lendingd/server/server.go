package server

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cipherlend/crypto"
	nativecommon "cipherlend/native/common"
	"cipherlend/native/fhe"
	"cipherlend/native/lending"
	"cipherlend/observability"
	"cipherlend/services/lendingd/config"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Server exposes the confidential lending engine over HTTP.
type Server struct {
	log        *slog.Logger
	engine     *lending.Engine
	custody    *MemoryCustody
	admin      crypto.Address
	apiTokens  map[string]struct{}
	adminToken string
}

// New wires the HTTP surface to the lending engine. The custody ledger is
// optional; when present the admin faucet endpoint is enabled.
func New(engine *lending.Engine, custody *MemoryCustody, admin crypto.Address, auth config.AuthConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	tokens := make(map[string]struct{}, len(auth.APITokens))
	for _, token := range auth.APITokens {
		tokens[token] = struct{}{}
	}
	return &Server{
		log:        log,
		engine:     engine,
		custody:    custody,
		admin:      admin,
		apiTokens:  tokens,
		adminToken: auth.AdminToken,
	}
}

// Router assembles the chi routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/lending", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/markets", s.handleListMarkets)
			r.Get("/markets/{asset}", s.handleMarketInfo)
			r.Get("/positions/{asset}/{account}", s.handlePositionInfo)
			r.Post("/deposit", s.handleAmountOp("deposit", s.engine.Deposit))
			r.Post("/withdraw", s.handleAmountOp("withdraw", s.engine.Withdraw))
			r.Post("/borrow", s.handleAmountOp("borrow", s.engine.Borrow))
			r.Post("/repay", s.handleAmountOp("repay", s.engine.Repay))
			r.Post("/liquidate", s.handleLiquidate)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/markets/add", s.handleAddMarket)
			r.Post("/markets/remove", s.handleRemoveMarket)
			r.Post("/faucet", s.handleFaucet)
		})
	})
	return r
}

// --- middleware ---

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := contextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.log.Info("http request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		if _, ok := s.apiTokens[token]; !ok && token != s.adminToken {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r) != s.adminToken {
			s.writeError(w, http.StatusForbidden, "administrator token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// --- request/response shapes ---

type encryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	Proof      string `json:"proof"`
}

type amountRequest struct {
	Account string           `json:"account"`
	Asset   string           `json:"asset"`
	Amount  encryptedPayload `json:"amount"`
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Borrower   string `json:"borrower"`
	Asset      string `json:"asset"`
}

type addMarketRequest struct {
	Asset        string           `json:"asset"`
	InterestRate encryptedPayload `json:"interest_rate"`
}

type removeMarketRequest struct {
	Asset string `json:"asset"`
}

type faucetRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type marketResponse struct {
	Asset          string `json:"asset"`
	Active         bool   `json:"active"`
	TotalLiquidity string `json:"total_liquidity"`
	TotalBorrowed  string `json:"total_borrowed"`
	InterestRate   string `json:"interest_rate"`
}

type positionResponse struct {
	Account    string `json:"account"`
	Asset      string `json:"asset"`
	Supplied   string `json:"supplied"`
	Borrowed   string `json:"borrowed"`
	Collateral string `json:"collateral"`
}

// --- handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListMarkets(w http.ResponseWriter, _ *http.Request) {
	assets, err := s.engine.ListMarkets()
	if err != nil {
		s.writeEngineError(w, "list_markets", err)
		return
	}
	if assets == nil {
		assets = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"markets": assets})
}

func (s *Server) handleMarketInfo(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	market, err := s.engine.MarketInfo(asset)
	if err != nil {
		s.writeEngineError(w, "market_info", err)
		return
	}
	if market == nil {
		s.writeError(w, http.StatusNotFound, "unknown market")
		return
	}
	s.writeJSON(w, http.StatusOK, marketResponse{
		Asset:          market.Asset,
		Active:         market.Active,
		TotalLiquidity: handleHex(market.TotalLiquidity.Handle()),
		TotalBorrowed:  handleHex(market.TotalBorrowed.Handle()),
		InterestRate:   handleHex(market.InterestRate.Handle()),
	})
}

func (s *Server) handlePositionInfo(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	account, err := crypto.DecodeAddress(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	position, err := s.engine.PositionInfo(asset, account)
	if err != nil {
		s.writeEngineError(w, "position_info", err)
		return
	}
	s.writeJSON(w, http.StatusOK, positionResponse{
		Account:    account.String(),
		Asset:      asset,
		Supplied:   handleHex(position.Supplied.Handle()),
		Borrowed:   handleHex(position.Borrowed.Handle()),
		Collateral: handleHex(position.Collateral.Handle()),
	})
}

func (s *Server) handleAmountOp(op string, call func(crypto.Address, string, fhe.EncryptedInput) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		account, err := crypto.DecodeAddress(req.Account)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid account address")
			return
		}
		input, err := decodeEncrypted(req.Amount, account.Bytes())
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.instrument(op, func() error {
			return call(account, req.Asset, input)
		}); err != nil {
			s.writeEngineError(w, op, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	liquidator, err := crypto.DecodeAddress(req.Liquidator)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid liquidator address")
		return
	}
	borrower, err := crypto.DecodeAddress(req.Borrower)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid borrower address")
		return
	}
	if err := s.instrument("liquidate", func() error {
		return s.engine.Liquidate(liquidator, borrower, req.Asset)
	}); err != nil {
		s.writeEngineError(w, "liquidate", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddMarket(w http.ResponseWriter, r *http.Request) {
	var req addMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	input, err := decodeEncrypted(req.InterestRate, s.admin.Bytes())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.instrument("add_market", func() error {
		return s.engine.AddMarket(s.admin, req.Asset, input)
	}); err != nil {
		s.writeEngineError(w, "add_market", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "asset": strings.TrimSpace(req.Asset)})
}

func (s *Server) handleRemoveMarket(w http.ResponseWriter, r *http.Request) {
	var req removeMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.instrument("remove_market", func() error {
		return s.engine.RemoveMarket(s.admin, req.Asset)
	}); err != nil {
		s.writeEngineError(w, "remove_market", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "asset": req.Asset})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if s.custody == nil {
		s.writeError(w, http.StatusNotFound, "faucet disabled")
		return
	}
	var req faucetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := crypto.DecodeAddress(req.Account)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		s.writeError(w, http.StatusBadRequest, "amount must be a positive decimal integer")
		return
	}
	s.custody.Credit(req.Asset, account, amount)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"balance": s.custody.Balance(req.Asset, account).String(),
	})
}

// --- helpers ---

func (s *Server) instrument(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
		observability.LendingMetrics().ObserveFailure(op, errorKind(err))
	}
	observability.LendingMetrics().ObserveOperation(op, outcome, time.Since(start))
	return err
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}

func decodeEncrypted(payload encryptedPayload, sender []byte) (fhe.EncryptedInput, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return fhe.EncryptedInput{}, errors.New("ciphertext must be base64 encoded")
	}
	proof, err := base64.StdEncoding.DecodeString(payload.Proof)
	if err != nil {
		return fhe.EncryptedInput{}, errors.New("proof must be base64 encoded")
	}
	return fhe.EncryptedInput{Ciphertext: ciphertext, Proof: proof, Sender: sender}, nil
}

func handleHex(h fhe.Handle) string {
	return hex.EncodeToString(h[:])
}

func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("operation failed", "operation", op, "error", err)
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

// statusForError maps engine failures onto HTTP statuses. Gate refusals are
// 422: the request was well formed, the encrypted predicate said no.
func statusForError(err error) int {
	switch {
	case errors.Is(err, lending.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, fhe.ErrInvalidProof):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrNotSupported), errors.Is(err, lending.ErrMarketInactive):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrAlreadySupported), errors.Is(err, lending.ErrOutstandingLoans):
		return http.StatusConflict
	case errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrUnsafeWithdrawal),
		errors.Is(err, lending.ErrExceedsCollateralLimit),
		errors.Is(err, lending.ErrNoDebt),
		errors.Is(err, lending.ErrNotLiquidatable),
		errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, nativecommon.ErrModulePaused), errors.Is(err, fhe.ErrDecryptionUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, lending.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, fhe.ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, lending.ErrNotSupported), errors.Is(err, lending.ErrMarketInactive):
		return "market_inactive"
	case errors.Is(err, lending.ErrAlreadySupported):
		return "already_supported"
	case errors.Is(err, lending.ErrOutstandingLoans):
		return "outstanding_loans"
	case errors.Is(err, lending.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, lending.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, lending.ErrUnsafeWithdrawal):
		return "unsafe_withdrawal"
	case errors.Is(err, lending.ErrExceedsCollateralLimit):
		return "exceeds_collateral_limit"
	case errors.Is(err, lending.ErrNoDebt):
		return "no_debt"
	case errors.Is(err, lending.ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrInsufficientFunds):
		return "custody_funds"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, fhe.ErrDecryptionUnavailable):
		return "decryption_unavailable"
	default:
		return "internal"
	}
}
