package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"OptionLedger/internal/engine"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/server"
)

const (
	strike30k = uint64(30_000_00000000)
	price35k  = uint64(35_000_00000000)
	ratio100  = uint64(1_000_000)
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router    *gin.Engine
	oracle    *oracle.SnapshotOracle
	authority uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	snap := oracle.NewSnapshotOracle(0)
	eng := engine.NewSettlementEngine(snap, nil, nil, nil, nil)
	srv := server.NewServer("127.0.0.1:0", eng, nil, snap, nil)

	return &testServer{
		router:    srv.Router(),
		oracle:    snap,
		authority: uuid.New(),
	}
}

func (ts *testServer) do(t *testing.T, method, path string, caller *uuid.UUID, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("X-Caller-Id", caller.String())
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) initialize(t *testing.T) {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/v1/admin/initialize", &ts.authority, map[string]interface{}{
		"strike_price":            strike30k,
		"collateralization_ratio": ratio100,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize: got %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}
	ts.oracle.Update(price35k, 1, 1_700_000_000)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHTTP_MintFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	user := uuid.New()

	rec := ts.do(t, http.MethodPost, "/v1/deposit", &user, map[string]interface{}{"amount": 1_000_000})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: got %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/v1/mint", &user, map[string]interface{}{"amount": 1_000_000})
	if rec.Code != http.StatusOK {
		t.Fatalf("mint: got %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	if got := resp["position"].(float64); got != 999_000 {
		t.Errorf("position after mint: got %v, want 999000", got)
	}

	rec = ts.do(t, http.MethodGet, "/v1/positions/"+user.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get position: got %d, want 200", rec.Code)
	}
	resp = decode(t, rec)
	if got := resp["amount"].(float64); got != 999_000 {
		t.Errorf("position amount: got %v, want 999000", got)
	}

	rec = ts.do(t, http.MethodGet, "/v1/vault", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get vault: got %d, want 200", rec.Code)
	}
	resp = decode(t, rec)
	if got := resp["vault_balance"].(float64); got != 999_000 {
		t.Errorf("vault balance: got %v, want 999000", got)
	}
	if got := resp["treasury_balance"].(float64); got != 1_000 {
		t.Errorf("treasury balance: got %v, want 1000", got)
	}
}

func TestHTTP_MintZeroAmount(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	user := uuid.New()
	ts.do(t, http.MethodPost, "/v1/deposit", &user, map[string]interface{}{"amount": 1_000_000})
	ts.do(t, http.MethodPost, "/v1/mint", &user, map[string]interface{}{"amount": 1_000_000})

	// A zero mint is a valid request: it restamps the position timestamp
	// without moving balances, so it must not fail request validation.
	rec := ts.do(t, http.MethodPost, "/v1/mint", &user, map[string]interface{}{"amount": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("mint(0): got %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	if got := resp["position"].(float64); got != 999_000 {
		t.Errorf("position after zero mint: got %v, want 999000", got)
	}

	rec = ts.do(t, http.MethodPost, "/v1/redeem", &user, map[string]interface{}{"amount": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem(0): got %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}

	// An absent amount is still rejected.
	rec = ts.do(t, http.MethodPost, "/v1/mint", &user, map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("mint without amount: got %d, want 400", rec.Code)
	}
}

func TestHTTP_MissingCallerHeader(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodPost, "/v1/mint", nil, map[string]interface{}{"amount": 100})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", rec.Code)
	}
}

func TestHTTP_InvalidCallerHeader(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/mint", bytes.NewBufferString(`{"amount":100}`))
	req.Header.Set("X-Caller-Id", "not-a-uuid")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", rec.Code)
	}
}

func TestHTTP_InvalidJSONBody(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	user := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/mint", bytes.NewBufferString(`{not json`))
	req.Header.Set("X-Caller-Id", user.String())
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", rec.Code)
	}
}

func TestHTTP_UnauthorizedAdmin(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	imposter := uuid.New()
	rec := ts.do(t, http.MethodPost, "/v1/admin/strike", &imposter, map[string]interface{}{
		"strike_price": strike30k + 1,
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("got %d, want 403 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestHTTP_MintWithoutCollateral(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	user := uuid.New()
	rec := ts.do(t, http.MethodPost, "/v1/mint", &user, map[string]interface{}{"amount": 1_000_000})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("got %d, want 422 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestHTTP_MintBeforeInitialize(t *testing.T) {
	ts := newTestServer(t)

	user := uuid.New()
	rec := ts.do(t, http.MethodPost, "/v1/mint", &user, map[string]interface{}{"amount": 1_000_000})
	if rec.Code != http.StatusConflict {
		t.Errorf("got %d, want 409 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestHTTP_PausedReturnsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodPost, "/v1/admin/pause", &ts.authority, map[string]interface{}{"paused": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: got %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}

	user := uuid.New()
	ts.do(t, http.MethodPost, "/v1/deposit", &user, map[string]interface{}{"amount": 1_000_000})

	rec = ts.do(t, http.MethodPost, "/v1/mint", &user, map[string]interface{}{"amount": 1_000_000})
	if rec.Code != http.StatusConflict {
		t.Errorf("got %d, want 409 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestHTTP_RedeemBelowStrike(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	user := uuid.New()
	ts.do(t, http.MethodPost, "/v1/deposit", &user, map[string]interface{}{"amount": 1_000_000})
	ts.do(t, http.MethodPost, "/v1/mint", &user, map[string]interface{}{"amount": 1_000_000})

	ts.oracle.Update(strike30k, 2, 1_700_000_100)

	rec := ts.do(t, http.MethodPost, "/v1/redeem", &user, map[string]interface{}{"amount": 999_000})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("got %d, want 422 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestHTTP_LiquidateWhenVaultCovers(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	user := uuid.New()
	ts.do(t, http.MethodPost, "/v1/deposit", &user, map[string]interface{}{"amount": 1_000_000})
	ts.do(t, http.MethodPost, "/v1/mint", &user, map[string]interface{}{"amount": 1_000_000})

	// Intrinsic value barely above strike: the vault covers the
	// obligation, so the liquidation gate rejects.
	ts.oracle.Update(strike30k+1_00000000, 2, 1_700_000_100)

	rec := ts.do(t, http.MethodPost, "/v1/liquidate", &user, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("got %d, want 422 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestHTTP_PreviewPayout(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/v1/payout?amount=%d", 999_000), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	// (35000e8 - 30000e8) * 999000 / 1e8
	if got := resp["payout"].(float64); got != 4_995_000_000 {
		t.Errorf("payout: got %v, want 4995000000", got)
	}
}

func TestHTTP_PreviewPayoutBadAmount(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodGet, "/v1/payout?amount=abc", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", rec.Code)
	}
}

func TestHTTP_PreviewPayoutNoPrice(t *testing.T) {
	ts := newTestServer(t)

	// Initialized but no price snapshot yet.
	rec := ts.do(t, http.MethodPost, "/v1/admin/initialize", &ts.authority, map[string]interface{}{
		"strike_price":            strike30k,
		"collateralization_ratio": ratio100,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize: got %d, want 200", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/payout?amount=100", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestHTTP_GetConfig(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	rec := ts.do(t, http.MethodGet, "/v1/config", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	resp := decode(t, rec)
	if got := resp["strike_price"].(float64); got != float64(strike30k) {
		t.Errorf("strike: got %v, want %d", got, strike30k)
	}
	if got := resp["paused"].(bool); got {
		t.Error("paused: got true, want false")
	}
}

func TestHTTP_GetConfigBeforeInitialize(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/config", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("got %d, want 409 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestHTTP_GetOracle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/oracle", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no snapshot: got %d, want 503 (body=%s)", rec.Code, rec.Body.String())
	}

	ts.oracle.Update(price35k, 7, 1_700_000_000)

	rec = ts.do(t, http.MethodGet, "/v1/oracle", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	if got := resp["price"].(float64); got != float64(price35k) {
		t.Errorf("price: got %v, want %d", got, price35k)
	}
	if got := resp["sequence"].(float64); got != 7 {
		t.Errorf("sequence: got %v, want 7", got)
	}
}

func TestHTTP_PersistedSourceWithoutReadModel(t *testing.T) {
	ts := newTestServer(t)
	ts.initialize(t)

	// The test server runs without a database: source=log answers 503
	// instead of falling back to the live engine.
	for _, path := range []string{
		"/v1/vault?source=log",
		"/v1/config?source=log",
		"/v1/positions/" + uuid.NewString() + "?source=log",
	} {
		rec := ts.do(t, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: got %d, want 503 (body=%s)", path, rec.Code, rec.Body.String())
		}
	}
}
