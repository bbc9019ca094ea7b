package silo_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/silo-engine/internal/silo"
	"github.com/atmx/silo-engine/internal/store"
	"github.com/atmx/silo-engine/internal/token"
)

const account = "0x1234567890abcdef1234567890ABCDEF12345678"

func strp(s string) *string { return &s }
func u32p(n uint32) *uint32 { return &n }
func boolp(b bool) *bool    { return &b }

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := silo.NewService(ms, token.DefaultRegistry(), nil)

	r := chi.NewRouter()
	r.Get("/api/v1/tokens", svc.ListTokens)
	r.Post("/api/v1/deposits", svc.CreateDeposit)
	r.Get("/api/v1/deposits/{account}/{token}", svc.ListDeposits)
	r.Post("/api/v1/withdrawals/preview", svc.PreviewWithdrawal)
	r.Post("/api/v1/withdrawals", svc.ExecuteWithdrawal)
	r.Get("/api/v1/grown-stalk/{account}/{token}", svc.GetGrownStalk)
	r.Get("/api/v1/clock/{token}", svc.GetStemTip)
	r.Put("/api/v1/clock/{token}", svc.SetStemTip)
	r.Get("/api/v1/clock", svc.GetSeason)
	r.Put("/api/v1/clock", svc.SetSeason)

	return ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func setStemTip(t *testing.T, ms *store.MemoryStore, tip int64) {
	t.Helper()
	if err := ms.SetStemTip(context.Background(), token.Bean, big.NewInt(tip)); err != nil {
		t.Fatalf("set stem tip: %v", err)
	}
}

// seedBean deposits 100 BEAN at stems 10 and 15 with the tip at 20.
func seedBean(t *testing.T, ms *store.MemoryStore, router chi.Router) {
	t.Helper()
	setStemTip(t, ms, 20)
	for _, stem := range []string{"10", "15"} {
		w := do(t, router, "POST", "/api/v1/deposits", silo.DepositRequest{
			Account: account,
			Token:   "BEAN",
			Stem:    strp(stem),
			Amount:  "100",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("seed deposit at stem %s: expected 201, got %d: %s", stem, w.Code, w.Body.String())
		}
	}
}

// --- Deposit tests ---

func TestCreateDeposit_GrownSinceStem(t *testing.T) {
	ms, router := newTestEnv(t)
	setStemTip(t, ms, 20)

	w := do(t, router, "POST", "/api/v1/deposits", silo.DepositRequest{
		Account: account,
		Token:   "bean",
		Stem:    strp("10"),
		Amount:  "100",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	deposits, _ := ms.ListDeposits(context.Background(), strings.ToLower(account), token.Bean)
	if len(deposits) != 1 {
		t.Fatalf("expected 1 stored deposit, got %d", len(deposits))
	}
	d := deposits[0]
	if got := d.BDV.Human(); got != "100" {
		t.Errorf("bdv should default to amount for BEAN, got %s", got)
	}
	if got := d.Stalk.Base.Human(); got != "100" {
		t.Errorf("base stalk = %s, want 100", got)
	}
	// 100 BDV × 10 stems.
	if got := d.Stalk.Grown.Human(); got != "0.1" {
		t.Errorf("grown stalk = %s, want 0.1", got)
	}
	if got := d.Seeds.Human(); got != "300" {
		t.Errorf("seeds = %s, want 300", got)
	}
}

func TestCreateDeposit_BDVRequiredForLP(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/deposits", silo.DepositRequest{
		Account: account,
		Token:   "BEAN3CRV",
		Stem:    strp("0"),
		Amount:  "1",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without bdv, got %d", w.Code)
	}
}

func TestCreateDeposit_MarkerRequired(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/deposits", silo.DepositRequest{
		Account: account,
		Token:   "BEAN",
		Amount:  "1",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without marker, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/deposits", silo.DepositRequest{
		Account: account,
		Token:   "BEAN",
		Stem:    strp("0"),
		Season:  u32p(1),
		Amount:  "1",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 with both markers, got %d", w.Code)
	}
}

func TestCreateDeposit_StemAheadOfTip(t *testing.T) {
	ms, router := newTestEnv(t)
	setStemTip(t, ms, 5)

	w := do(t, router, "POST", "/api/v1/deposits", silo.DepositRequest{
		Account: account,
		Token:   "BEAN",
		Stem:    strp("6"),
		Amount:  "1",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for stem past tip, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateDeposit_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	tests := []struct {
		name string
		req  silo.DepositRequest
		want int
	}{
		{"bad account", silo.DepositRequest{Account: "0x12", Token: "BEAN", Stem: strp("0"), Amount: "1"}, http.StatusBadRequest},
		{"unknown token", silo.DepositRequest{Account: account, Token: "DOGE", Stem: strp("0"), Amount: "1"}, http.StatusNotFound},
		{"too precise", silo.DepositRequest{Account: account, Token: "BEAN", Stem: strp("0"), Amount: "0.0000001"}, http.StatusBadRequest},
		{"zero", silo.DepositRequest{Account: account, Token: "BEAN", Stem: strp("0"), Amount: "0"}, http.StatusBadRequest},
		{"bad stem", silo.DepositRequest{Account: account, Token: "BEAN", Stem: strp("1.5"), Amount: "1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/deposits", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestListDeposits_RecentFirstAndRefreshed(t *testing.T) {
	ms, router := newTestEnv(t)
	seedBean(t, ms, router)
	setStemTip(t, ms, 30)

	w := do(t, router, "GET", "/api/v1/deposits/"+account+"/BEAN", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp silo.DepositsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Deposits) != 2 {
		t.Fatalf("expected 2 deposits, got %d", len(resp.Deposits))
	}
	if got := resp.Deposits[0].Marker.String(); got != "stem:15" {
		t.Errorf("first deposit should be the most recent, got %s", got)
	}
	// At tip 30: 100 × 15 and 100 × 20 stems.
	if got := resp.Deposits[0].Stalk.Grown.Human(); got != "0.15" {
		t.Errorf("grown at stem 15 = %s, want 0.15", got)
	}
	if got := resp.Deposits[1].Stalk.Grown.Human(); got != "0.2" {
		t.Errorf("grown at stem 10 = %s, want 0.2", got)
	}
	if got := resp.TotalStalk.Human(); got != "200.35" {
		t.Errorf("total stalk = %s, want 200.35", got)
	}
	if resp.StemTip != "30" {
		t.Errorf("stem tip = %s, want 30", resp.StemTip)
	}
}

// --- Withdrawal tests ---

func TestPreviewWithdrawal_PartialCrate(t *testing.T) {
	ms, router := newTestEnv(t)
	seedBean(t, ms, router)

	w := do(t, router, "POST", "/api/v1/withdrawals/preview", silo.WithdrawalRequest{
		Account: account,
		Token:   "BEAN",
		Amount:  "150",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp silo.WithdrawalResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SelectionID == "" {
		t.Error("expected non-empty selection_id")
	}
	if resp.Applied {
		t.Error("preview must not apply")
	}
	sel := resp.Selection
	if len(sel.Crates) != 2 {
		t.Fatalf("expected 2 crates, got %d", len(sel.Crates))
	}
	if sel.Crates[0].Partial || !sel.Crates[1].Partial {
		t.Errorf("only the older crate should be partial: %+v", sel.Crates)
	}
	if got := sel.Crates[1].Taken.Human(); got != "50" {
		t.Errorf("partial taken = %s, want 50", got)
	}
	// 150 base + 100 × 5 + 50 × 10 stems.
	if got := sel.TotalStalk.Human(); got != "150.1" {
		t.Errorf("total stalk = %s, want 150.1", got)
	}
	if got := sel.TotalBDV.Human(); got != "150" {
		t.Errorf("total bdv = %s, want 150", got)
	}

	// Stored deposits are untouched.
	deposits, _ := ms.ListDeposits(context.Background(), strings.ToLower(account), token.Bean)
	if len(deposits) != 2 || deposits[1].Amount.Human() != "100" {
		t.Errorf("preview modified stored deposits: %+v", deposits)
	}
}

func TestPreviewWithdrawal_Insufficient(t *testing.T) {
	ms, router := newTestEnv(t)
	seedBean(t, ms, router)

	w := do(t, router, "POST", "/api/v1/withdrawals/preview", silo.WithdrawalRequest{
		Account: account,
		Token:   "BEAN",
		Amount:  "200.000001",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "not enough deposited balance" {
		t.Errorf("unexpected error message %q", resp["error"])
	}
}

func TestPreviewWithdrawal_StaleTip(t *testing.T) {
	ms, router := newTestEnv(t)
	seedBean(t, ms, router)
	// Tip rewound below a stored stem, bypassing the clock endpoint.
	setStemTip(t, ms, 12)

	w := do(t, router, "POST", "/api/v1/withdrawals/preview", silo.WithdrawalRequest{
		Account: account,
		Token:   "BEAN",
		Amount:  "10",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/withdrawals/preview", silo.WithdrawalRequest{
		Account: account,
		Token:   "BEAN",
		Amount:  "10",
		Refresh: boolp(false),
	})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 without refresh, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecuteWithdrawal_AppliesStoredFigures(t *testing.T) {
	ms, router := newTestEnv(t)
	seedBean(t, ms, router)
	setStemTip(t, ms, 40)

	w := do(t, router, "POST", "/api/v1/withdrawals", silo.WithdrawalRequest{
		Account: account,
		Token:   "BEAN",
		Amount:  "150",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp silo.WithdrawalResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Applied {
		t.Error("expected applied withdrawal")
	}
	// Reported at tip 40: 150 base + 100 × 25 + 50 × 30 stems.
	if got := resp.Selection.TotalStalk.Human(); got != "150.4" {
		t.Errorf("reported stalk = %s, want 150.4", got)
	}

	deposits, _ := ms.ListDeposits(context.Background(), strings.ToLower(account), token.Bean)
	if len(deposits) != 1 {
		t.Fatalf("expected 1 remaining deposit, got %d", len(deposits))
	}
	d := deposits[0]
	if d.Marker.String() != "stem:10" {
		t.Errorf("remaining deposit should be the oldest, got %s", d.Marker)
	}
	if d.Amount.Human() != "50" || d.BDV.Human() != "50" {
		t.Errorf("remaining amount/bdv = %s/%s, want 50/50", d.Amount, d.BDV)
	}
	// Half of the grown stalk recorded at deposit time stays.
	if got := d.Stalk.Grown.Human(); got != "0.05" {
		t.Errorf("remaining grown = %s, want 0.05", got)
	}
	if err := d.Stalk.Validate(); err != nil {
		t.Error(err)
	}
}

func TestExecuteWithdrawal_InsufficientLeavesDeposits(t *testing.T) {
	ms, router := newTestEnv(t)
	seedBean(t, ms, router)

	w := do(t, router, "POST", "/api/v1/withdrawals", silo.WithdrawalRequest{
		Account: account,
		Token:   "BEAN",
		Amount:  "201",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	deposits, _ := ms.ListDeposits(context.Background(), strings.ToLower(account), token.Bean)
	if len(deposits) != 2 {
		t.Errorf("expected deposits unchanged, got %d", len(deposits))
	}
}

func TestExecuteWithdrawal_ZeroAmount(t *testing.T) {
	ms, router := newTestEnv(t)
	seedBean(t, ms, router)

	w := do(t, router, "POST", "/api/v1/withdrawals", silo.WithdrawalRequest{
		Account: account,
		Token:   "BEAN",
		Amount:  "0",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amount, got %d", w.Code)
	}
}

// --- Legacy season scheme ---

func TestGrownStalk_LegacySeasons(t *testing.T) {
	ms, router := newTestEnv(t)
	if err := ms.SetSeason(context.Background(), 6076); err != nil {
		t.Fatal(err)
	}

	w := do(t, router, "POST", "/api/v1/deposits", silo.DepositRequest{
		Account: account,
		Token:   "BEAN",
		Season:  u32p(6074),
		Amount:  "10",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/grown-stalk/"+account+"/BEAN", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp silo.GrownStalkResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	// 30 seeds × 2 seasons / 10000.
	if got := resp.GrownStalk.Human(); got != "0.006" {
		t.Errorf("grown stalk = %s, want 0.006", got)
	}
	if resp.Account != strings.ToLower(account) {
		t.Errorf("account should be normalized, got %s", resp.Account)
	}
}

func TestExecuteWithdrawal_AcrossSchemes(t *testing.T) {
	ms, router := newTestEnv(t)
	setStemTip(t, ms, 20)
	if err := ms.SetSeason(context.Background(), 6080); err != nil {
		t.Fatal(err)
	}
	for _, req := range []silo.DepositRequest{
		{Account: account, Token: "BEAN", Stem: strp("10"), Amount: "100"},
		{Account: account, Token: "BEAN", Season: u32p(6074), Amount: "100"},
	} {
		if w := do(t, router, "POST", "/api/v1/deposits", req); w.Code != http.StatusCreated {
			t.Fatalf("seed deposit: expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := do(t, router, "POST", "/api/v1/withdrawals", silo.WithdrawalRequest{
		Account: account,
		Token:   "BEAN",
		Amount:  "150",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp silo.WithdrawalResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Selection.Crates) != 2 {
		t.Fatalf("expected 2 crates, got %d", len(resp.Selection.Crates))
	}
	// Stem crate: 100 + 100 × 10 stems. Season crate: 50 + 150 seeds × 6 seasons.
	if got := resp.Selection.TotalStalk.Human(); got != "150.19" {
		t.Errorf("reported stalk = %s, want 150.19", got)
	}

	deposits, _ := ms.ListDeposits(context.Background(), strings.ToLower(account), token.Bean)
	if len(deposits) != 1 || deposits[0].Marker.String() != "season:6074" {
		t.Fatalf("expected only the season deposit to remain, got %+v", deposits)
	}
	if got := deposits[0].Amount.Human(); got != "50" {
		t.Errorf("remaining amount = %s, want 50", got)
	}
	if got := deposits[0].Stalk.Grown.Human(); got != "0.09" {
		t.Errorf("remaining grown = %s, want 0.09", got)
	}
}

// --- Clock tests ---

func TestClock_StemTipForwardOnly(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "PUT", "/api/v1/clock/BEAN", silo.ClockRequest{StemTip: "100"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "PUT", "/api/v1/clock/BEAN", silo.ClockRequest{StemTip: "99"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 moving tip backwards, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/clock/BEAN", nil)
	var resp silo.ClockRequest
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.StemTip != "100" {
		t.Errorf("stem tip = %s, want 100", resp.StemTip)
	}
}

func TestClock_Season(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "PUT", "/api/v1/clock", silo.ClockRequest{Season: 6074})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "PUT", "/api/v1/clock", silo.ClockRequest{Season: 6000})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 moving season backwards, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/clock", nil)
	var resp silo.ClockRequest
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Season != 6074 {
		t.Errorf("season = %d, want 6074", resp.Season)
	}
}

func TestListTokens(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/tokens", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var tokens []struct {
		Symbol string `json:"symbol"`
	}
	json.Unmarshal(w.Body.Bytes(), &tokens)
	if len(tokens) != 5 {
		t.Errorf("expected 5 default tokens, got %d", len(tokens))
	}
}
