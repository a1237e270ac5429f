package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optionsettle/core/events"
	"optionsettle/core/types"
	"optionsettle/native/escrow"
	"optionsettle/native/pricing"
	"optionsettle/native/quote"
	"optionsettle/observability"
	"optionsettle/observability/logging"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// Server is the HTTP front-end for the settlement registry.
type Server struct {
	registry *escrow.Registry
	stream   *events.Stream
	auth     *Authenticator
	limiter  *RateLimiter
	store    *SQLiteStore
	logger   *slog.Logger
	metrics  *observability.GatewayMetrics
}

func NewServer(registry *escrow.Registry, stream *events.Stream, auth *Authenticator, limiter *RateLimiter, store *SQLiteStore, logger *slog.Logger) *Server {
	if registry == nil {
		panic("registry required")
	}
	if auth == nil {
		panic("authenticator required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		stream:   stream,
		auth:     auth,
		limiter:  limiter,
		store:    store,
		logger:   logger,
		metrics:  observability.Gateway(),
	}
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("POST /v1/auctions", s.route("create_auction", s.handleCreateAuction))
	mux.HandleFunc("POST /v1/quotes/take", s.route("take_quote", s.handleTakeQuote))
	mux.HandleFunc("GET /v1/escrows/{id}", s.route("get_escrow", s.handleGetEscrow))
	mux.HandleFunc("POST /v1/escrows/{id}/bids/preview", s.route("preview_bid", s.handlePreviewBid))
	mux.HandleFunc("POST /v1/escrows/{id}/bids", s.route("bid", s.handleBid))
	mux.HandleFunc("POST /v1/escrows/{id}/borrow", s.route("borrow", s.handleBorrow))
	mux.HandleFunc("POST /v1/escrows/{id}/repay", s.route("repay", s.handleRepay))
	mux.HandleFunc("POST /v1/escrows/{id}/exercise", s.route("exercise", s.handleExercise))
	mux.HandleFunc("POST /v1/escrows/{id}/reverse-exercise", s.route("reverse_exercise", s.handleReverseExercise))
	mux.HandleFunc("POST /v1/escrows/{id}/withdraw", s.route("withdraw", s.handleWithdraw))
	mux.HandleFunc("POST /v1/escrows/{id}/expire", s.route("expire", s.handleExpire))
	return mux
}

type routeHandler func(w http.ResponseWriter, r *http.Request, subject string)

// route wraps a handler with authentication, rate limiting, audit logging
// and metrics.
func (s *Server) route(name string, next routeHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := strings.TrimSpace(r.Header.Get(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)

		subject, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			s.finish(r, name, requestID, subject, http.StatusUnauthorized, started)
			return
		}
		if s.limiter != nil && !s.limiter.Throttle(name, subject, r, w) {
			s.finish(r, name, requestID, subject, http.StatusTooManyRequests, started)
			return
		}
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r, subject)
		s.finish(r, name, requestID, subject, recorder.status, started)
	}
}

func (s *Server) finish(r *http.Request, route, requestID, subject string, status int, started time.Time) {
	s.metrics.ObserveRequest(route, r.Method, status, time.Since(started))
	s.logger.Debug("request handled",
		slog.String("route", route),
		slog.String("request_id", requestID),
		slog.Int("status", status),
		logging.MaskField("subject", subject),
	)
	if err := s.store.RecordAudit(r.Context(), requestID, subject, r.Method, r.URL.Path, status); err != nil {
		s.logger.Warn("audit write failed", "error", err.Error(), "route", route)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps engine errors onto HTTP codes. Economic rejections are
// unprocessable rather than server faults.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrBidRejected),
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrAmountTooLarge),
		errors.Is(err, escrow.ErrZeroSettlementAmount),
		errors.Is(err, escrow.ErrNotReverseExercisable),
		errors.Is(err, escrow.ErrBorrowingNotAllowed),
		errors.Is(err, escrow.ErrNonTransferrable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, quote.ErrQuoteExpired),
		errors.Is(err, quote.ErrSignatureInvalid),
		errors.Is(err, quote.ErrSignerMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxRequestBody {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// withIdempotency replays the cached response for a repeated key and
// otherwise invokes fn, caching what it returns.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, subject string, body []byte, fn func() (int, any)) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		status, payload := fn()
		s.writeJSON(w, status, payload)
		return
	}
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	cached, err := s.store.LookupIdempotency(r.Context(), subject, key, requestHash)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err)
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		return
	}
	status, payload := fn()
	raw, marshalErr := json.Marshal(payload)
	if marshalErr == nil {
		if err := s.store.StoreIdempotency(r.Context(), subject, key, requestHash, status, raw); err != nil {
			s.logger.Warn("idempotency write failed", "error", err.Error())
		}
	}
	s.writeJSON(w, status, payload)
}

func parseEscrowID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("malformed escrow id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

func parseHexAddr(s string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("malformed address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

func parseOptionalAddr(s string) ([20]byte, error) {
	if strings.TrimSpace(s) == "" {
		return [20]byte{}, nil
	}
	return parseHexAddr(s)
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}

func parseOptionalAmount(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return parseAmount(s)
}

type auctionRequest struct {
	Owner                 string `json:"owner"`
	Salt                  uint64 `json:"salt"`
	Underlying            string `json:"underlying"`
	Settlement            string `json:"settlement"`
	UnderlyingDecimals    uint8  `json:"underlyingDecimals"`
	Notional              string `json:"notional"`
	BorrowingAllowed      bool   `json:"borrowingAllowed"`
	RelStrike             string `json:"relStrike"`
	TenorSeconds          int64  `json:"tenorSeconds"`
	EarliestExerciseTenor int64  `json:"earliestExerciseTenorSeconds"`
	DecayStart            int64  `json:"decayStart"`
	DecayDuration         int64  `json:"decayDurationSeconds"`
	PremiumStart          string `json:"premiumStart"`
	PremiumFloor          string `json:"premiumFloor"`
	MinSpot               string `json:"minSpot"`
	MaxSpot               string `json:"maxSpot"`
}

func (req auctionRequest) toInitialization() (owner [20]byte, init escrow.AuctionInitialization, err error) {
	if owner, err = parseHexAddr(req.Owner); err != nil {
		return owner, init, err
	}
	underlying, ok := types.ParseAsset(strings.TrimPrefix(req.Underlying, "0x"))
	if !ok {
		return owner, init, fmt.Errorf("malformed asset %q", req.Underlying)
	}
	settlement, ok := types.ParseAsset(strings.TrimPrefix(req.Settlement, "0x"))
	if !ok {
		return owner, init, fmt.Errorf("malformed asset %q", req.Settlement)
	}
	init.Underlying = underlying
	init.Settlement = settlement
	init.UnderlyingDecimals = req.UnderlyingDecimals
	init.Advanced = escrow.AdvancedSettings{BorrowingAllowed: req.BorrowingAllowed}
	if init.Notional, err = parseAmount(req.Notional); err != nil {
		return owner, init, err
	}
	params := escrow.AuctionParams{
		Tenor:                 req.TenorSeconds,
		EarliestExerciseTenor: req.EarliestExerciseTenor,
		Curve: pricing.Curve{
			DecayStart:    req.DecayStart,
			DecayDuration: req.DecayDuration,
		},
	}
	if params.RelStrike, err = parseAmount(req.RelStrike); err != nil {
		return owner, init, err
	}
	if params.Curve.PremiumStart, err = parseAmount(req.PremiumStart); err != nil {
		return owner, init, err
	}
	if params.Curve.PremiumFloor, err = parseAmount(req.PremiumFloor); err != nil {
		return owner, init, err
	}
	if params.MinSpot, err = parseAmount(req.MinSpot); err != nil {
		return owner, init, err
	}
	if params.MaxSpot, err = parseAmount(req.MaxSpot); err != nil {
		return owner, init, err
	}
	init.Params = params
	return owner, init, nil
}

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request, subject string) {
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req auctionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	owner, init, err := req.toInitialization()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.withIdempotency(w, r, subject, body, func() (int, any) {
		id, err := s.registry.CreateAuction(owner, req.Salt, init)
		if err != nil {
			return statusFor(err), errorResponse{Error: err.Error()}
		}
		return http.StatusCreated, map[string]string{"escrowId": hex.EncodeToString(id[:])}
	})
}

type optionPayload struct {
	Underlying         string `json:"underlying"`
	Settlement         string `json:"settlement"`
	UnderlyingDecimals uint8  `json:"underlyingDecimals"`
	Notional           string `json:"notional"`
	Strike             string `json:"strike"`
	Earliest           int64  `json:"earliest"`
	Expiry             int64  `json:"expiry"`
	BorrowingAllowed   bool   `json:"borrowingAllowed"`
}

type takeQuoteRequest struct {
	Owner          string        `json:"owner"`
	Option         optionPayload `json:"option"`
	OptionReceiver string        `json:"optionReceiver"`
	Premium        string        `json:"premium"`
	ValidUntil     int64         `json:"validUntil"`
	Signature      string        `json:"signature"`
	Signer         string        `json:"signer"`
	DistPartner    string        `json:"distPartner,omitempty"`
}

func (req takeQuoteRequest) toInitialization() (owner [20]byte, init escrow.RFQInitialization, err error) {
	if owner, err = parseHexAddr(req.Owner); err != nil {
		return owner, init, err
	}
	underlying, ok := types.ParseAsset(strings.TrimPrefix(req.Option.Underlying, "0x"))
	if !ok {
		return owner, init, fmt.Errorf("malformed asset %q", req.Option.Underlying)
	}
	settlement, ok := types.ParseAsset(strings.TrimPrefix(req.Option.Settlement, "0x"))
	if !ok {
		return owner, init, fmt.Errorf("malformed asset %q", req.Option.Settlement)
	}
	init.Option = escrow.OptionInfo{
		Underlying:         underlying,
		Settlement:         settlement,
		UnderlyingDecimals: req.Option.UnderlyingDecimals,
		Earliest:           req.Option.Earliest,
		Expiry:             req.Option.Expiry,
		Advanced:           escrow.AdvancedSettings{BorrowingAllowed: req.Option.BorrowingAllowed},
	}
	if init.Option.Notional, err = parseAmount(req.Option.Notional); err != nil {
		return owner, init, err
	}
	if init.Option.Strike, err = parseAmount(req.Option.Strike); err != nil {
		return owner, init, err
	}
	if init.OptionReceiver, err = parseHexAddr(req.OptionReceiver); err != nil {
		return owner, init, err
	}
	if init.Premium, err = parseAmount(req.Premium); err != nil {
		return owner, init, err
	}
	init.ValidUntil = req.ValidUntil
	if init.Signature, err = hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Signature), "0x")); err != nil {
		return owner, init, fmt.Errorf("malformed signature: %w", err)
	}
	if init.SignerAddr, err = parseHexAddr(req.Signer); err != nil {
		return owner, init, err
	}
	if init.DistPartner, err = parseOptionalAddr(req.DistPartner); err != nil {
		return owner, init, err
	}
	return owner, init, nil
}

func (s *Server) handleTakeQuote(w http.ResponseWriter, r *http.Request, subject string) {
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req takeQuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	owner, init, err := req.toInitialization()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.withIdempotency(w, r, subject, body, func() (int, any) {
		id, err := s.registry.TakeQuote(owner, init, nil)
		if err != nil {
			return statusFor(err), errorResponse{Error: err.Error()}
		}
		observability.Engine().ObserveQuoteTaken()
		return http.StatusCreated, map[string]string{"escrowId": hex.EncodeToString(id[:])}
	})
}

type escrowResponse struct {
	ID                 string `json:"id"`
	Owner              string `json:"owner"`
	Phase              string `json:"phase"`
	Underlying         string `json:"underlying"`
	Settlement         string `json:"settlement"`
	UnderlyingDecimals uint8  `json:"underlyingDecimals"`
	Notional           string `json:"notional"`
	Strike             string `json:"strike,omitempty"`
	Earliest           int64  `json:"earliest,omitempty"`
	Expiry             int64  `json:"expiry,omitempty"`
	BorrowingAllowed   bool   `json:"borrowingAllowed"`
	TotalSupply        string `json:"totalSupply"`
	CreatedAt          int64  `json:"createdAt"`
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request, _ string) {
	id, err := parseEscrowID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.registry.Escrow(id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	resp := escrowResponse{
		ID:                 hex.EncodeToString(record.ID[:]),
		Owner:              hex.EncodeToString(record.Owner[:]),
		Phase:              record.Phase.String(),
		Underlying:         record.Option.Underlying.Hex(),
		Settlement:         record.Option.Settlement.Hex(),
		UnderlyingDecimals: record.Option.UnderlyingDecimals,
		Notional:           record.Option.Notional.String(),
		Earliest:           record.Option.Earliest,
		Expiry:             record.Option.Expiry,
		BorrowingAllowed:   record.Option.Advanced.BorrowingAllowed,
		TotalSupply:        record.TotalSupply.String(),
		CreatedAt:          record.CreatedAt,
	}
	if record.Option.Strike != nil {
		resp.Strike = record.Option.Strike.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type bidRequest struct {
	Bidder         string `json:"bidder,omitempty"`
	OptionReceiver string `json:"optionReceiver,omitempty"`
	RelBid         string `json:"relBid"`
	RefSpot        string `json:"refSpot"`
	MaxPremium     string `json:"maxPremium,omitempty"`
	DistPartner    string `json:"distPartner,omitempty"`
}

type bidResponse struct {
	Status         string `json:"status"`
	Premium        string `json:"premium,omitempty"`
	Strike         string `json:"strike,omitempty"`
	OracleSpot     string `json:"oracleSpot,omitempty"`
	ProtocolFee    string `json:"protocolFee,omitempty"`
	PartnerFee     string `json:"partnerFee,omitempty"`
	SellerProceeds string `json:"sellerProceeds,omitempty"`
	Earliest       int64  `json:"earliest,omitempty"`
	Expiry         int64  `json:"expiry,omitempty"`
}

func bidPreviewResponse(preview escrow.BidPreview) bidResponse {
	resp := bidResponse{Status: preview.Status.String()}
	if preview.Premium != nil {
		resp.Premium = preview.Premium.String()
	}
	if preview.Strike != nil {
		resp.Strike = preview.Strike.String()
	}
	if preview.OracleSpot != nil {
		resp.OracleSpot = preview.OracleSpot.String()
	}
	if preview.Fees.ProtocolFee != nil {
		resp.ProtocolFee = preview.Fees.ProtocolFee.String()
	}
	if preview.Fees.DistPartnerFee != nil {
		resp.PartnerFee = preview.Fees.DistPartnerFee.String()
	}
	if preview.Fees.SellerProceeds != nil {
		resp.SellerProceeds = preview.Fees.SellerProceeds.String()
	}
	resp.Earliest = preview.Earliest
	resp.Expiry = preview.Expiry
	return resp
}

func (s *Server) handlePreviewBid(w http.ResponseWriter, r *http.Request, _ string) {
	id, err := parseEscrowID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req bidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	relBid, err := parseAmount(req.RelBid)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	refSpot, err := parseAmount(req.RefSpot)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	distPartner, err := parseOptionalAddr(req.DistPartner)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	preview, err := s.registry.PreviewBid(id, relBid, refSpot, nil, distPartner)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, bidPreviewResponse(preview))
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request, _ string) {
	id, err := parseEscrowID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req bidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	bidder, err := parseHexAddr(req.Bidder)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	receiver := bidder
	if strings.TrimSpace(req.OptionReceiver) != "" {
		if receiver, err = parseHexAddr(req.OptionReceiver); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	relBid, err := parseAmount(req.RelBid)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	refSpot, err := parseAmount(req.RefSpot)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	maxPremium, err := parseOptionalAmount(req.MaxPremium)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	distPartner, err := parseOptionalAddr(req.DistPartner)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	preview, err := s.registry.BidOnAuction(id, bidder, receiver, relBid, refSpot, maxPremium, nil, distPartner)
	if err != nil {
		if errors.Is(err, escrow.ErrBidRejected) {
			observability.Engine().ObserveBid(preview.Status.String())
			s.writeJSON(w, http.StatusUnprocessableEntity, bidPreviewResponse(preview))
			return
		}
		s.writeError(w, statusFor(err), err)
		return
	}
	observability.Engine().ObserveBid(preview.Status.String())
	s.writeJSON(w, http.StatusOK, bidPreviewResponse(preview))
}

type movementRequest struct {
	Account         string `json:"account"`
	Receiver        string `json:"receiver,omitempty"`
	Amount          string `json:"amount"`
	PayInSettlement *bool  `json:"payInSettlement,omitempty"`
	Asset           string `json:"asset,omitempty"`
}

func (s *Server) decodeMovement(w http.ResponseWriter, r *http.Request) (id [32]byte, req movementRequest, account [20]byte, amount *big.Int, ok bool) {
	id, err := parseEscrowID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return id, req, account, nil, false
	}
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return id, req, account, nil, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return id, req, account, nil, false
	}
	if account, err = parseHexAddr(req.Account); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return id, req, account, nil, false
	}
	if amount, err = parseAmount(req.Amount); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return id, req, account, nil, false
	}
	return id, req, account, amount, true
}

func (s *Server) movementReceiver(w http.ResponseWriter, req movementRequest, fallback [20]byte) ([20]byte, bool) {
	if strings.TrimSpace(req.Receiver) == "" {
		return fallback, true
	}
	receiver, err := parseHexAddr(req.Receiver)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return receiver, false
	}
	return receiver, true
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request, _ string) {
	id, req, borrower, amount, ok := s.decodeMovement(w, r)
	if !ok {
		return
	}
	receiver, ok := s.movementReceiver(w, req, borrower)
	if !ok {
		return
	}
	collateral, err := s.registry.Borrow(id, borrower, receiver, amount)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	observability.Engine().ObserveBorrow(false)
	s.writeJSON(w, http.StatusOK, map[string]string{"collateral": collateral.String()})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request, _ string) {
	id, _, borrower, amount, ok := s.decodeMovement(w, r)
	if !ok {
		return
	}
	collateral, err := s.registry.RepayBorrow(id, borrower, amount)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	observability.Engine().ObserveBorrow(true)
	s.writeJSON(w, http.StatusOK, map[string]string{"collateralReleased": collateral.String()})
}

func (s *Server) handleExercise(w http.ResponseWriter, r *http.Request, _ string) {
	id, req, exerciser, amount, ok := s.decodeMovement(w, r)
	if !ok {
		return
	}
	receiver, ok := s.movementReceiver(w, req, exerciser)
	if !ok {
		return
	}
	payInSettlement := true
	if req.PayInSettlement != nil {
		payInSettlement = *req.PayInSettlement
	}
	payment, err := s.registry.Exercise(id, exerciser, receiver, amount, payInSettlement, nil)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	observability.Engine().ObserveExercise(false)
	s.writeJSON(w, http.StatusOK, map[string]string{"settlementAmount": payment.String()})
}

func (s *Server) handleReverseExercise(w http.ResponseWriter, r *http.Request, _ string) {
	id, _, holder, amount, ok := s.decodeMovement(w, r)
	if !ok {
		return
	}
	refund, err := s.registry.ReverseExercise(id, holder, amount)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	observability.Engine().ObserveExercise(true)
	s.writeJSON(w, http.StatusOK, map[string]string{"refund": refund.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, _ string) {
	id, req, caller, amount, ok := s.decodeMovement(w, r)
	if !ok {
		return
	}
	receiver, ok := s.movementReceiver(w, req, caller)
	if !ok {
		return
	}
	asset, parsed := types.ParseAsset(strings.TrimPrefix(strings.TrimSpace(req.Asset), "0x"))
	if !parsed {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed asset %q", req.Asset))
		return
	}
	if err := s.registry.Withdraw(id, caller, receiver, asset, amount); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request, _ string) {
	id, err := parseEscrowID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.Expire(id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
}
