// Package server hosts the pegd operator API: health and status reads plus
// HMAC-authenticated admin actions that forward to the peg controller.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"joulechain/crypto"
	"joulechain/native/peg"
	"joulechain/observability"
	"joulechain/services/pegd/auth"
	"joulechain/services/pegd/storage"
)

const maxAdminBody = 1 << 20

// Controller is the slice of the peg controller the server drives.
type Controller interface {
	Status() (peg.Status, error)
	PoolStatus() (peg.PoolStatus, error)
	Pause(caller crypto.Address, paused bool) error
	ReconfigurePeg(caller crypto.Address, params peg.Params) error
	WithdrawReserve(caller, to crypto.Address, amount *big.Int) error
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
}

// Server hosts the pegd HTTP endpoints.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	store      *storage.Storage
	controller Controller
	admin      crypto.Address
	auth       *auth.Authenticator
	api        *observability.APIMetrics
	peg        *observability.PegMetrics
}

// New constructs a server. The admin address is the principal used for
// controller calls after an HMAC-authenticated request is accepted.
func New(cfg Config, controller Controller, store *storage.Storage, admin crypto.Address, authenticator *auth.Authenticator, logger *slog.Logger) (*Server, error) {
	if controller == nil {
		return nil, fmt.Errorf("controller required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if admin.IsZero() {
		return nil, fmt.Errorf("admin address required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7180"
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		controller: controller,
		admin:      admin,
		auth:       authenticator,
		api:        observability.API(),
		peg:        observability.Peg(),
	}, nil
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observeRequests)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/params", s.handleParams)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(s.requireAuth)
		ar.Post("/pause", s.handlePause)
		ar.Post("/params", s.handleSetParams)
		ar.Post("/withdraw", s.handleWithdraw)
	})
	return otelhttp.NewHandler(r, "pegd")
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("pegd server listening", "address", s.cfg.ListenAddress)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type contextKey string

const principalKey contextKey = "pegd.principal"

type bodyKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.api.Observe(route, r.Method, recorder.status, time.Since(start))
	})
}

func throttleReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrNonceReplayed):
		return "nonce_replay"
	case errors.Is(err, auth.ErrTimestampNotIncreasing), errors.Is(err, auth.ErrTimestampSkew):
		return "stale_timestamp"
	default:
		return "auth_failed"
	}
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read request body")
			return
		}
		r.Body.Close()
		if len(body) > maxAdminBody {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		principal, err := s.auth.Authenticate(r, body)
		if err != nil {
			s.logger.Warn("admin auth rejected", "path", r.URL.Path, "error", err)
			s.api.RecordThrottle(r.URL.Path, throttleReason(err))
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		ctx = context.WithValue(ctx, bodyKey{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestBody(r *http.Request) []byte {
	body, _ := r.Context().Value(bodyKey{}).([]byte)
	return body
}

type statusResponse struct {
	Paused          bool            `json:"paused"`
	Owner           string          `json:"owner"`
	Feeder          string          `json:"feeder"`
	ModuleAddress   string          `json:"moduleAddress"`
	ReserveBalance  string          `json:"reserveBalance"`
	CreditBalance   string          `json:"creditBalance"`
	Minted          string          `json:"minted"`
	Burned          string          `json:"burned"`
	QuoteEarned     string          `json:"quoteEarned"`
	QuoteSpent      string          `json:"quoteSpent"`
	LastAction      *time.Time      `json:"lastAction,omitempty"`
	Pool            *poolResponse   `json:"pool,omitempty"`
	RecentDecisions []decisionEntry `json:"recentDecisions"`
}

type poolResponse struct {
	CreditReserve   string     `json:"creditReserve"`
	QuoteReserve    string     `json:"quoteReserve"`
	SpotPrice       string     `json:"spotPrice,omitempty"`
	OraclePrice     string     `json:"oraclePrice,omitempty"`
	OracleNonce     uint64     `json:"oracleNonce"`
	OracleUpdatedAt *time.Time `json:"oracleUpdatedAt,omitempty"`
	DeviationBps    int64      `json:"deviationBps"`
}

type decisionEntry struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	Reason       string    `json:"reason,omitempty"`
	DeviationBps int64     `json:"deviationBps"`
	RecordedAt   time.Time `json:"recordedAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.controller.Status()
	if err != nil {
		s.logger.Warn("status read failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	resp := statusResponse{
		Paused:         status.State.Paused,
		Owner:          status.Owner.String(),
		Feeder:         status.Feeder.String(),
		ModuleAddress:  status.ModuleAddress.String(),
		ReserveBalance: intString(status.ReserveBalance),
		CreditBalance:  intString(status.CreditBalance),
		Minted:         intString(status.State.Minted),
		Burned:         intString(status.State.Burned),
		QuoteEarned:    intString(status.State.QuoteEarned),
		QuoteSpent:     intString(status.State.QuoteSpent),
	}
	if !status.State.LastAction.IsZero() {
		last := status.State.LastAction.UTC()
		resp.LastAction = &last
	}
	if pool, err := s.controller.PoolStatus(); err == nil {
		entry := &poolResponse{
			CreditReserve: intString(pool.CreditReserve),
			QuoteReserve:  intString(pool.QuoteReserve),
			OracleNonce:   pool.OracleNonce,
			DeviationBps:  pool.DeviationBps,
		}
		if pool.SpotPrice != nil {
			entry.SpotPrice = pool.SpotPrice.FloatString(18)
		}
		if pool.OraclePrice != nil {
			entry.OraclePrice = pool.OraclePrice.FloatString(18)
		}
		if !pool.OracleUpdatedAt.IsZero() {
			at := pool.OracleUpdatedAt.UTC()
			entry.OracleUpdatedAt = &at
		}
		resp.Pool = entry
	}
	resp.RecentDecisions = []decisionEntry{}
	if evals, err := s.store.RecentEvaluations(r.Context(), 10); err == nil {
		for _, eval := range evals {
			resp.RecentDecisions = append(resp.RecentDecisions, decisionEntry{
				ID:           eval.ID,
				Action:       eval.Action,
				Reason:       eval.Reason,
				DeviationBps: eval.DeviationBps,
				RecordedAt:   eval.RecordedAt.UTC(),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type paramsPayload struct {
	BandBps             uint64 `json:"bandBps"`
	SlippageBps         uint64 `json:"slippageBps"`
	CooldownSeconds     uint64 `json:"cooldownSeconds"`
	MaxPriceAgeSeconds  uint64 `json:"maxPriceAgeSeconds"`
	MinTradeSize        string `json:"minTradeSize"`
	MaxMintPerRebalance string `json:"maxMintPerRebalance"`
	MaxQuoteSpend       string `json:"maxQuoteSpend"`
	MinPoolReserve      string `json:"minPoolReserve"`
	QuoteUSD            string `json:"quoteUsd"`
}

func (s *Server) handleParams(w http.ResponseWriter, _ *http.Request) {
	status, err := s.controller.Status()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	params := status.State.Params
	resp := paramsPayload{
		BandBps:             params.BandBps,
		SlippageBps:         params.SlippageBps,
		CooldownSeconds:     params.CooldownSeconds,
		MaxPriceAgeSeconds:  params.MaxPriceAgeSeconds,
		MinTradeSize:        intString(params.MinTradeSize),
		MaxMintPerRebalance: intString(params.MaxMintPerRebalance),
		MaxQuoteSpend:       intString(params.MaxQuoteSpend),
		MinPoolReserve:      intString(params.MinPoolReserve),
	}
	if params.QuoteUSD != nil {
		resp.QuoteUSD = params.QuoteUSD.FloatString(18)
	}
	writeJSON(w, http.StatusOK, resp)
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.Unmarshal(requestBody(r), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pause payload")
		return
	}
	if err := s.controller.Pause(s.admin, req.Paused); err != nil {
		s.logger.Warn("pause failed", "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.peg.SetPause(req.Paused)
	s.logger.Info("pause toggled", "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var req paramsPayload
	if err := json.Unmarshal(requestBody(r), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid params payload")
		return
	}
	params := peg.Params{
		BandBps:            req.BandBps,
		SlippageBps:        req.SlippageBps,
		CooldownSeconds:    req.CooldownSeconds,
		MaxPriceAgeSeconds: req.MaxPriceAgeSeconds,
	}
	var err error
	if params.MinTradeSize, err = parseOptionalInt(req.MinTradeSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid minTradeSize")
		return
	}
	if params.MaxMintPerRebalance, err = parseOptionalInt(req.MaxMintPerRebalance); err != nil {
		writeError(w, http.StatusBadRequest, "invalid maxMintPerRebalance")
		return
	}
	if params.MaxQuoteSpend, err = parseOptionalInt(req.MaxQuoteSpend); err != nil {
		writeError(w, http.StatusBadRequest, "invalid maxQuoteSpend")
		return
	}
	if params.MinPoolReserve, err = parseOptionalInt(req.MinPoolReserve); err != nil {
		writeError(w, http.StatusBadRequest, "invalid minPoolReserve")
		return
	}
	if trimmed := strings.TrimSpace(req.QuoteUSD); trimmed != "" {
		quoteUSD := new(big.Rat)
		if _, ok := quoteUSD.SetString(trimmed); !ok {
			writeError(w, http.StatusBadRequest, "invalid quoteUsd")
			return
		}
		params.QuoteUSD = quoteUSD
	}
	if err := s.controller.ReconfigurePeg(s.admin, params); err != nil {
		s.logger.Warn("reconfigure failed", "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Info("peg parameters updated", "band_bps", req.BandBps)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type withdrawRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.Unmarshal(requestBody(r), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid withdraw payload")
		return
	}
	to, err := crypto.DecodeAddress(strings.TrimSpace(req.To))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid destination address")
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := s.controller.WithdrawReserve(s.admin, to, amount); err != nil {
		s.logger.Warn("withdraw failed", "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Info("reserve withdrawal executed", "to", to.String(), "amount", amount.String())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseOptionalInt(v string) (*big.Int, error) {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil, nil
	}
	out, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("invalid integer %q", v)
	}
	return out, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
