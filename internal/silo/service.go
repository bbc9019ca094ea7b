// Package silo provides the HTTP handlers that expose deposit listings,
// withdrawal previews and execution, and grown stalk for an account.
//
// All token quantities use amount.Amount, never float64.
package silo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/silo-engine/internal/amount"
	"github.com/atmx/silo-engine/internal/crates"
	"github.com/atmx/silo-engine/internal/growth"
	"github.com/atmx/silo-engine/internal/metrics"
	"github.com/atmx/silo-engine/internal/model"
	"github.com/atmx/silo-engine/internal/store"
	"github.com/atmx/silo-engine/internal/token"
)

// Service handles silo operations. Withdrawals are serialized with a mutex
// (single-instance). For horizontal scaling, rely on the PostgreSQL row locks
// taken by ApplyWithdrawal instead.
type Service struct {
	store  store.Store
	tokens *token.Registry
	mu     sync.Mutex
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new silo service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, tokens *token.Registry, hub *WSHub) *Service {
	return &Service{
		store:  st,
		tokens: tokens,
		wsHub:  hub,
	}
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposits. Exactly one of Stem
// and Season is set; BDV defaults to Amount for BEAN.
type DepositRequest struct {
	Account string  `json:"account"`
	Token   string  `json:"token"`
	Stem    *string `json:"stem,omitempty"`
	Season  *uint32 `json:"season,omitempty"`
	Amount  string  `json:"amount"` // human-readable, e.g. "100.5"
	BDV     string  `json:"bdv,omitempty"`
}

// WithdrawalRequest is the JSON body for POST /withdrawals[/preview].
type WithdrawalRequest struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	// Refresh recomputes grown stalk at the current stem tip or season.
	// Defaults to true.
	Refresh *bool `json:"refresh,omitempty"`
}

// WithdrawalResponse is returned by the withdrawal endpoints.
type WithdrawalResponse struct {
	SelectionID string            `json:"selection_id"`
	Account     string            `json:"account"`
	Token       string            `json:"token"`
	Applied     bool              `json:"applied"`
	Selection   *crates.Selection `json:"selection"`
}

// DepositsResponse is returned by GET /deposits/{account}/{token}.
type DepositsResponse struct {
	Account    string          `json:"account"`
	Token      string          `json:"token"`
	StemTip    string          `json:"stem_tip"`
	Season     uint32          `json:"season"`
	Deposits   []model.Deposit `json:"deposits"`
	TotalStalk amount.Amount   `json:"total_stalk"`
}

// GrownStalkResponse is returned by GET /grown-stalk/{account}/{token}.
type GrownStalkResponse struct {
	Account    string        `json:"account"`
	Token      string        `json:"token"`
	GrownStalk amount.Amount `json:"grown_stalk"`
}

// ClockRequest is the JSON body for PUT /clock and PUT /clock/{token}.
type ClockRequest struct {
	StemTip string `json:"stem_tip,omitempty"`
	Season  uint32 `json:"season,omitempty"`
}

// --- HTTP Handlers ---

// ListTokens handles GET /api/v1/tokens
func (s *Service) ListTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tokens.List())
}

// CreateDeposit handles POST /api/v1/deposits
// Records an observed deposit, deriving base stalk, seeds, and any stalk
// already grown between the deposit's marker and the current clock.
func (s *Service) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	account, tok, err := s.resolve(req.Account, req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}
	if (req.Stem == nil) == (req.Season == nil) {
		writeError(w, "exactly one of stem or season is required", http.StatusBadRequest)
		return
	}

	amt, err := tok.FromHuman(req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	if amt.IsZero() {
		writeError(w, "amount must be non-zero", http.StatusBadRequest)
		return
	}

	bdvHuman := req.BDV
	if bdvHuman == "" {
		if tok.Symbol != token.Bean {
			writeError(w, "bdv is required for "+tok.Symbol, http.StatusBadRequest)
			return
		}
		bdvHuman = req.Amount
	}
	bdv, err := amount.FromHuman(bdvHuman, model.BDVDecimals)
	if err != nil {
		writeErr(w, err)
		return
	}

	ctx := r.Context()
	d := model.Deposit{Amount: amt, BDV: bdv}
	if d.Seeds, err = tok.Seeds(bdv); err != nil {
		writeErr(w, err)
		return
	}
	base, err := tok.BaseStalk(bdv)
	if err != nil {
		writeErr(w, err)
		return
	}

	if req.Stem != nil {
		stem, ok := new(big.Int).SetString(*req.Stem, 10)
		if !ok {
			writeError(w, "stem must be an integer", http.StatusBadRequest)
			return
		}
		d.Marker = model.StemMarker(stem)
	} else {
		d.Marker = model.SeasonMarker(*req.Season)
	}

	grown, err := s.grownAt(ctx, tok.Symbol, d)
	if err != nil {
		writeErr(w, err)
		return
	}
	if d.Stalk, err = model.NewStalk(base, grown); err != nil {
		writeErr(w, err)
		return
	}

	if err := s.store.InsertDeposit(ctx, account, tok.Symbol, d); err != nil {
		writeErr(w, err)
		return
	}
	metrics.DepositsRecorded.WithLabelValues(tok.Symbol).Inc()

	slog.Info("deposit recorded",
		"account", account,
		"token", tok.Symbol,
		"marker", d.Marker.String(),
		"amount", amt.String(),
		"bdv", bdv.String(),
		"stalk", d.Stalk.Total.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "deposit_added",
			Account: account,
			Token:   tok.Symbol,
			Amount:  amt.String(),
			Marker:  d.Marker.String(),
		})
	}

	writeJSON(w, http.StatusCreated, d)
}

// ListDeposits handles GET /api/v1/deposits/{account}/{token}
// Returns stored deposits most recent first, with grown stalk recomputed
// at the current clock.
func (s *Service) ListDeposits(w http.ResponseWriter, r *http.Request) {
	account, tok, err := s.resolve(chi.URLParam(r, "account"), chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx := r.Context()

	deposits, err := s.store.ListDeposits(ctx, account, tok.Symbol)
	if err != nil {
		writeError(w, "failed to load deposits", http.StatusInternalServerError)
		return
	}

	total := amount.Zero(model.StalkDecimals)
	for i, d := range deposits {
		grown, err := s.grownAt(ctx, tok.Symbol, d)
		if err != nil {
			writeErr(w, err)
			return
		}
		if deposits[i].Stalk, err = model.NewStalk(d.Stalk.Base, grown); err != nil {
			writeErr(w, err)
			return
		}
		if total, err = total.Add(deposits[i].Stalk.Total); err != nil {
			writeErr(w, err)
			return
		}
	}

	tip, err := s.store.GetStemTip(ctx, tok.Symbol)
	if err != nil {
		writeError(w, "failed to load stem tip", http.StatusInternalServerError)
		return
	}
	season, err := s.store.GetSeason(ctx)
	if err != nil {
		writeError(w, "failed to load season", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, DepositsResponse{
		Account:    account,
		Token:      tok.Symbol,
		StemTip:    tip.String(),
		Season:     season,
		Deposits:   deposits,
		TotalStalk: total,
	})
}

// GetGrownStalk handles GET /api/v1/grown-stalk/{account}/{token}
func (s *Service) GetGrownStalk(w http.ResponseWriter, r *http.Request) {
	account, tok, err := s.resolve(chi.URLParam(r, "account"), chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx := r.Context()

	deposits, err := s.store.ListDeposits(ctx, account, tok.Symbol)
	if err != nil {
		writeError(w, "failed to load deposits", http.StatusInternalServerError)
		return
	}

	total := amount.Zero(model.StalkDecimals)
	for _, d := range deposits {
		grown, err := s.grownAt(ctx, tok.Symbol, d)
		if err != nil {
			writeErr(w, err)
			return
		}
		if total, err = total.Add(grown); err != nil {
			writeErr(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, GrownStalkResponse{Account: account, Token: tok.Symbol, GrownStalk: total})
}

// PreviewWithdrawal handles POST /api/v1/withdrawals/preview
// Picks crates without touching stored deposits.
func (s *Service) PreviewWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	account, tok, desired, err := s.withdrawalInput(req)
	if err != nil {
		writeErr(w, err)
		return
	}

	ctx := r.Context()
	deposits, err := s.store.ListDeposits(ctx, account, tok.Symbol)
	if err != nil {
		writeError(w, "failed to load deposits", http.StatusInternalServerError)
		return
	}

	sel, err := s.pick(ctx, deposits, desired, tok, refreshRequested(req))
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WithdrawalResponse{
		SelectionID: uuid.New().String(),
		Account:     account,
		Token:       tok.Symbol,
		Selection:   sel,
	})
}

// ExecuteWithdrawal handles POST /api/v1/withdrawals
// Picks crates and removes them from the account's stored deposits.
func (s *Service) ExecuteWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	account, tok, desired, err := s.withdrawalInput(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if desired.IsZero() {
		writeError(w, "amount must be non-zero", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Serialize withdrawal execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	deposits, err := s.store.ListDeposits(ctx, account, tok.Symbol)
	if err != nil {
		writeError(w, "failed to load deposits", http.StatusInternalServerError)
		return
	}

	// Stored figures are what gets subtracted; the refreshed selection is
	// what the caller sees. Both pick the same crates.
	stored, err := s.pick(ctx, deposits, desired, tok, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	reported := stored
	if refreshRequested(req) {
		if reported, err = s.pick(ctx, deposits, desired, tok, true); err != nil {
			writeErr(w, err)
			return
		}
	}

	if err := s.store.ApplyWithdrawal(ctx, account, tok.Symbol, stored.Deposits()); err != nil {
		slog.Error("apply withdrawal failed", "account", account, "token", tok.Symbol, "err", err)
		writeErr(w, err)
		return
	}
	metrics.WithdrawalsApplied.WithLabelValues(tok.Symbol).Inc()

	resp := WithdrawalResponse{
		SelectionID: uuid.New().String(),
		Account:     account,
		Token:       tok.Symbol,
		Applied:     true,
		Selection:   reported,
	}

	slog.Info("withdrawal applied",
		"selection_id", resp.SelectionID,
		"account", account,
		"token", tok.Symbol,
		"amount", desired.String(),
		"crates", len(reported.Crates),
		"stalk", reported.TotalStalk.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "withdrawal_applied",
			Account: account,
			Token:   tok.Symbol,
			Amount:  desired.String(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetStemTip handles GET /api/v1/clock/{token}
func (s *Service) GetStemTip(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.Lookup(chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, err)
		return
	}
	tip, err := s.store.GetStemTip(r.Context(), tok.Symbol)
	if err != nil {
		writeError(w, "failed to load stem tip", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ClockRequest{StemTip: tip.String()})
}

// SetStemTip handles PUT /api/v1/clock/{token}
// Stem tips only move forward.
func (s *Service) SetStemTip(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.Lookup(chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var req ClockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tip, ok := new(big.Int).SetString(req.StemTip, 10)
	if !ok {
		writeError(w, "stem_tip must be an integer", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetStemTip(ctx, tok.Symbol)
	if err != nil {
		writeError(w, "failed to load stem tip", http.StatusInternalServerError)
		return
	}
	if tip.Cmp(current) < 0 {
		writeError(w, "stem tip cannot move backwards", http.StatusConflict)
		return
	}
	if err := s.store.SetStemTip(ctx, tok.Symbol, tip); err != nil {
		writeError(w, "failed to store stem tip", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ClockRequest{StemTip: tip.String()})
}

// GetSeason handles GET /api/v1/clock
func (s *Service) GetSeason(w http.ResponseWriter, r *http.Request) {
	season, err := s.store.GetSeason(r.Context())
	if err != nil {
		writeError(w, "failed to load season", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ClockRequest{Season: season})
}

// SetSeason handles PUT /api/v1/clock
func (s *Service) SetSeason(w http.ResponseWriter, r *http.Request) {
	var req ClockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetSeason(ctx)
	if err != nil {
		writeError(w, "failed to load season", http.StatusInternalServerError)
		return
	}
	if req.Season < current {
		writeError(w, "season cannot move backwards", http.StatusConflict)
		return
	}
	if err := s.store.SetSeason(ctx, req.Season); err != nil {
		writeError(w, "failed to store season", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ClockRequest{Season: req.Season})
}

// --- Helpers ---

func (s *Service) resolve(accountParam, tokenParam string) (string, model.Token, error) {
	account, err := token.ParseAddress(accountParam)
	if err != nil {
		return "", model.Token{}, err
	}
	tok, err := s.tokens.Lookup(tokenParam)
	if err != nil {
		return "", model.Token{}, err
	}
	return account, tok, nil
}

func (s *Service) withdrawalInput(req WithdrawalRequest) (string, model.Token, amount.Amount, error) {
	account, tok, err := s.resolve(req.Account, req.Token)
	if err != nil {
		return "", model.Token{}, amount.Amount{}, err
	}
	desired, err := tok.FromHuman(req.Amount)
	if err != nil {
		return "", model.Token{}, amount.Amount{}, err
	}
	return account, tok, desired, nil
}

func refreshRequested(req WithdrawalRequest) bool {
	return req.Refresh == nil || *req.Refresh
}

// pick runs the crate picker, refreshing grown stalk of each crate at the
// clock matching its own marker.
func (s *Service) pick(ctx context.Context, deposits []model.Deposit, desired amount.Amount, tok model.Token, refresh bool) (*crates.Selection, error) {
	start := time.Now()
	defer func() {
		metrics.CratePickLatency.WithLabelValues(tok.Symbol).Observe(time.Since(start).Seconds())
	}()

	var opts []crates.Option
	if refresh {
		tip, err := s.store.GetStemTip(ctx, tok.Symbol)
		if err != nil {
			return nil, err
		}
		season, err := s.store.GetSeason(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, crates.AtStemTip(tip), crates.AtSeason(season))
	}

	sel, err := crates.Pick(deposits, desired, tok, opts...)
	switch {
	case errors.Is(err, crates.ErrInsufficientBalance):
		metrics.CratePicksTotal.WithLabelValues(tok.Symbol, "insufficient").Inc()
		return nil, err
	case err != nil:
		metrics.CratePicksTotal.WithLabelValues(tok.Symbol, "error").Inc()
		return nil, err
	}
	metrics.CratePicksTotal.WithLabelValues(tok.Symbol, "ok").Inc()
	metrics.CratesPerSelection.Observe(float64(len(sel.Crates)))
	return sel, nil
}

// grownAt computes the stalk d has grown as of the current clock.
func (s *Service) grownAt(ctx context.Context, tokenSymbol string, d model.Deposit) (amount.Amount, error) {
	switch d.Marker.Scheme {
	case model.SchemeSeason:
		season, err := s.store.GetSeason(ctx)
		if err != nil {
			return amount.Amount{}, err
		}
		depositSeason, ok := d.Marker.Season()
		if !ok {
			return amount.Amount{}, crates.ErrSchemeMismatch
		}
		return growth.GrownStalkSeeds(season, depositSeason, d.Seeds)
	default:
		tip, err := s.store.GetStemTip(ctx, tokenSymbol)
		if err != nil {
			return amount.Amount{}, err
		}
		return growth.GrownStalkStems(tip, d.Marker.Value, d.BDV)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crates.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, token.ErrUnknownToken), errors.Is(err, store.ErrDepositNotFound):
		return http.StatusNotFound
	case errors.Is(err, amount.ErrScaleMismatch),
		errors.Is(err, amount.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidAddress),
		errors.Is(err, model.ErrMissingMarker):
		return http.StatusBadRequest
	case errors.Is(err, growth.ErrInvalidPosition),
		errors.Is(err, growth.ErrInvalidEpoch),
		errors.Is(err, amount.ErrUnderflow),
		errors.Is(err, crates.ErrSchemeMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if errors.Is(err, crates.ErrInsufficientBalance) {
		msg = "not enough deposited balance"
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
