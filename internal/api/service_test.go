package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/cdp-engine/internal/api"
	"github.com/atmx/cdp-engine/internal/cdp"
	"github.com/atmx/cdp-engine/internal/config"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

var (
	clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	uusd  = model.Native("uusd")
	mAAPL = model.Token("terra1maapl")
)

func d(s string) fixedpoint.Decimal { return fixedpoint.MustParseDecimal(s) }

func asset(info model.AssetInfo, n string) model.Asset {
	return model.Asset{Info: info, Amount: fixedpoint.MustParseUint(n)}
}

type recordingSink struct{ events []model.Event }

func (s *recordingSink) Publish(_ context.Context, ev model.Event) error {
	s.events = append(s.events, ev)
	return nil
}

type testEnv struct {
	store  *store.MemoryStore
	oracle *oracle.Static
	bank   *transfer.Bank
	sink   *recordingSink
	router chi.Router

	commits int
}

// newTestEnv creates a Service over an in-memory store, static oracle and
// bank. alice holds 1000 uusd and bidder holds 1000 mAAPL.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newSettledEnv(t, nil)
}

// newSettledEnv is newTestEnv with a custom settlement. A nil settlement
// moves funds in the bank directly.
func newSettledEnv(t *testing.T, settle api.Settlement) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		oracle: oracle.NewStatic(),
		bank:   transfer.NewBank(),
		sink:   &recordingSink{},
	}
	env.setPrice("1.1", clock)

	engine := cdp.NewEngine(env.oracle, time.Minute)
	err := engine.Instantiate(context.Background(), env.store,
		model.Config{Owner: "owner", Oracle: "oracle", BaseDenom: "uusd"},
		[]model.AssetConfig{{Token: "terra1maapl", AuctionDiscount: d("0.2"), MinCollateralRatio: d("1.5")}},
	)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if err := env.bank.Credit("alice", asset(uusd, "1000")); err != nil {
		t.Fatal(err)
	}
	if err := env.bank.Credit("bidder", asset(mAAPL, "1000")); err != nil {
		t.Fatal(err)
	}

	if settle == nil {
		settle = api.Direct(env.bank)
	}
	svc := api.NewService(env.store, engine, settle, env.sink)
	svc.SetClock(func() time.Time { return clock })
	svc.OnCommit(func() { env.commits++ })

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Register)
	env.router = r
	return env
}

func (e *testEnv) setPrice(price string, at time.Time) {
	e.oracle.Set(mAAPL, model.PriceQuote{Price: d(price), Multiplier: fixedpoint.OneDecimal(), LastUpdateTime: at})
}

func (e *testEnv) do(t *testing.T, method, path, sender, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sender != "" {
		req.Header.Set(api.SenderHeader, sender)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

const openBody = `{
	"collateral": {"info": {"kind": "native", "denom": "uusd"}, "amount": "1000"},
	"asset_info": {"kind": "token", "contract": "terra1maapl"},
	"collateral_ratio": "2",
	"funds": [{"info": {"kind": "native", "denom": "uusd"}, "amount": "1000"}]
}`

type resultBody struct {
	Action   model.Action           `json:"action"`
	Position *model.Position        `json:"position"`
	Messages []transfer.Instruction `json:"messages"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) resultBody {
	t.Helper()
	var res resultBody
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v: %s", err, w.Body.String())
	}
	return res
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != code {
		t.Errorf("expected code %q, got %q (%s)", code, body.Code, body.Error)
	}
}

func (e *testEnv) open(t *testing.T) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/positions", "alice", openBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Mutations ---

func TestOpenPosition(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/positions", "alice", openBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if res.Position == nil || res.Position.Idx != 1 {
		t.Fatalf("expected position 1, got %+v", res.Position)
	}
	if got := res.Position.Asset.Amount.String(); got != "454" {
		t.Errorf("expected 454 minted, got %s", got)
	}
	if len(res.Messages) != 2 {
		t.Errorf("expected receive and mint instructions, got %d", len(res.Messages))
	}

	if got := env.bank.Balance("alice", mAAPL).String(); got != "454" {
		t.Errorf("alice should hold the minted asset, got %s", got)
	}
	if got := env.bank.Balance(transfer.EscrowAccount, uusd).String(); got != "1000" {
		t.Errorf("escrow should hold the collateral, got %s", got)
	}
	if len(env.sink.events) != 1 || env.sink.events[0].Action != model.ActionOpen {
		t.Errorf("expected one open event published, got %+v", env.sink.events)
	}
}

func TestOpenPosition_RequiresSender(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/positions", "", openBody)
	expectError(t, w, http.StatusUnauthorized, "unauthenticated")
}

func TestOpenPosition_FundsMismatch(t *testing.T) {
	env := newTestEnv(t)
	body := strings.Replace(openBody, `"funds": [{"info": {"kind": "native", "denom": "uusd"}, "amount": "1000"}]`, `"funds": []`, 1)
	w := env.do(t, "POST", "/api/v1/positions", "alice", body)
	expectError(t, w, http.StatusBadRequest, "invalid_amount")
}

func TestOpenPosition_TransferFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	// bob has no uusd, so the receive instruction fails after the engine
	// has already written the position.
	w := env.do(t, "POST", "/api/v1/positions", "bob", openBody)
	expectError(t, w, http.StatusUnprocessableEntity, "insufficient_funds")

	next, err := env.store.NextPositionIdx(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if next != 1 {
		t.Errorf("rolled back open must not consume an idx, next is %d", next)
	}
	if len(env.sink.events) != 0 {
		t.Errorf("no event should be published for a rolled back open")
	}
	if !env.bank.Supply(mAAPL).Equal(fixedpoint.MustParseUint("1000")) {
		t.Errorf("supply changed: %s", env.bank.Supply(mAAPL))
	}
}

func TestOpenPosition_OutboxSettlement(t *testing.T) {
	env := newSettledEnv(t, api.Outbox())
	ctx := context.Background()

	env.open(t)
	pending, err := env.store.PendingTransfers(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending batch, got %d", len(pending))
	}
	if got := len(pending[0].Instructions); got != 2 {
		t.Errorf("expected receive and mint in one batch, got %d instructions", got)
	}
	if pending[0].Instructions[1].Kind != transfer.KindMint {
		t.Errorf("expected mint second, got %s", pending[0].Instructions[1])
	}
	if got := env.bank.Balance("alice", mAAPL).String(); got != "0" {
		t.Errorf("outbox settlement must not move funds in process, alice holds %s", got)
	}
	if env.commits != 1 {
		t.Errorf("expected one commit notification, got %d", env.commits)
	}

	// A rejected operation leaves no batch behind.
	w := env.do(t, "POST", "/api/v1/positions/1/mint", "alice",
		`{"asset": {"info": {"kind": "token", "contract": "terra1maapl"}, "amount": "153"}}`)
	expectError(t, w, http.StatusUnprocessableEntity, "invalid_collateral_ratio")

	pending, err = env.store.PendingTransfers(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("rejected mint enqueued a batch, %d pending", len(pending))
	}
	if env.commits != 1 {
		t.Errorf("rejected mint notified a commit")
	}
}

func TestOpenPosition_UnknownField(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/positions", "alice", `{"collateral_ratoi": "2"}`)
	expectError(t, w, http.StatusBadRequest, "invalid_message")
}

func TestMint_BelowMinimumRatio(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	w := env.do(t, "POST", "/api/v1/positions/1/mint", "alice",
		`{"asset": {"info": {"kind": "token", "contract": "terra1maapl"}, "amount": "153"}}`)
	expectError(t, w, http.StatusUnprocessableEntity, "invalid_collateral_ratio")

	w = env.do(t, "POST", "/api/v1/positions/1/mint", "alice",
		`{"asset": {"info": {"kind": "token", "contract": "terra1maapl"}, "amount": "152"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.bank.Balance("alice", mAAPL).String(); got != "606" {
		t.Errorf("expected 606 mAAPL, got %s", got)
	}
}

func TestWithdraw_OwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	body := `{"collateral": {"info": {"kind": "native", "denom": "uusd"}, "amount": "250"}}`
	w := env.do(t, "POST", "/api/v1/positions/1/withdraw", "bob", body)
	expectError(t, w, http.StatusForbidden, "unauthorized")

	w = env.do(t, "POST", "/api/v1/positions/1/withdraw", "alice", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.bank.Balance("alice", uusd).String(); got != "250" {
		t.Errorf("expected 250 uusd back, got %s", got)
	}

	// empty body withdraws everything, which the outstanding debt forbids
	w = env.do(t, "POST", "/api/v1/positions/1/withdraw", "alice", "")
	expectError(t, w, http.StatusUnprocessableEntity, "invalid_collateral_ratio")
}

func TestDeposit(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	if err := env.bank.Credit("carol", asset(uusd, "40")); err != nil {
		t.Fatal(err)
	}

	body := `{
		"collateral": {"info": {"kind": "native", "denom": "uusd"}, "amount": "40"},
		"funds": [{"info": {"kind": "native", "denom": "uusd"}, "amount": "40"}]
	}`
	w := env.do(t, "POST", "/api/v1/positions/1/deposit", "carol", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeResult(t, w).Position.Collateral.Amount.String(); got != "1040" {
		t.Errorf("expected 1040 collateral, got %s", got)
	}
}

func TestReceive_BurnClosesPosition(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	w := env.do(t, "POST", "/api/v1/receive", "terra1maapl",
		`{"sender": "alice", "amount": "454", "msg": {"burn": {"position_idx": 1}}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if res := decodeResult(t, w); res.Action != model.ActionBurn {
		t.Errorf("expected burn, got %s", res.Action)
	}
	if got := env.bank.Balance("alice", uusd).String(); got != "1000" {
		t.Errorf("closing should refund all collateral, got %s", got)
	}
	if !env.bank.Supply(mAAPL).Equal(fixedpoint.MustParseUint("1000")) {
		t.Errorf("minted supply should be burned, got %s", env.bank.Supply(mAAPL))
	}

	w = env.do(t, "GET", "/api/v1/positions/1", "", "")
	var view cdp.PositionView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != model.StatusClosed {
		t.Errorf("expected closed, got %s", view.Status)
	}

	w = env.do(t, "POST", "/api/v1/positions/1/mint", "alice",
		`{"asset": {"info": {"kind": "token", "contract": "terra1maapl"}, "amount": "1"}}`)
	expectError(t, w, http.StatusConflict, "position_closed")
}

func TestReceive_Auction(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	auction := `{"sender": "bidder", "amount": "100", "msg": {"auction": {"position_idx": 1}}}`

	w := env.do(t, "POST", "/api/v1/receive", "terra1maapl", auction)
	expectError(t, w, http.StatusConflict, "auction_not_eligible")

	env.setPrice("1.5", clock)
	w = env.do(t, "POST", "/api/v1/receive", "terra1maapl", auction)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if got := res.Position.Collateral.Amount.String(); got != "813" {
		t.Errorf("expected 813 collateral left, got %s", got)
	}
	if got := env.bank.Balance("bidder", uusd).String(); got != "187" {
		t.Errorf("expected bidder to receive 187 uusd, got %s", got)
	}
	if got := env.bank.Balance("bidder", mAAPL).String(); got != "900" {
		t.Errorf("expected bidder to keep 900 mAAPL, got %s", got)
	}
}

func TestReceive_StalePrice(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	env.setPrice("1.5", clock.Add(-2*time.Minute))

	w := env.do(t, "POST", "/api/v1/receive", "terra1maapl",
		`{"sender": "bidder", "amount": "100", "msg": {"auction": {"position_idx": 1}}}`)
	expectError(t, w, http.StatusServiceUnavailable, "stale_price")
}

func TestReceive_MultipleHooks(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	w := env.do(t, "POST", "/api/v1/receive", "terra1maapl",
		`{"sender": "alice", "amount": "1", "msg": {"burn": {"position_idx": 1}, "deposit": {"position_idx": 1}}}`)
	expectError(t, w, http.StatusBadRequest, "invalid_message")
}

// --- Admin ---

func TestAssets(t *testing.T) {
	env := newTestEnv(t)
	body := `{"token": "terra1mtsla", "auction_discount": "0.1", "min_collateral_ratio": "1.3"}`

	w := env.do(t, "POST", "/api/v1/assets", "alice", body)
	expectError(t, w, http.StatusForbidden, "unauthorized")

	w = env.do(t, "POST", "/api/v1/assets", "owner", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/v1/assets", "owner", body)
	expectError(t, w, http.StatusConflict, "asset_already_registered")

	w = env.do(t, "PATCH", "/api/v1/assets/terra1mtsla", "owner", `{"auction_discount": "1"}`)
	expectError(t, w, http.StatusBadRequest, "invalid_config")

	w = env.do(t, "PATCH", "/api/v1/assets/terra1mtsla", "owner", `{"min_collateral_ratio": "2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/assets/terra1mtsla", "", "")
	var a model.AssetConfig
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.MinCollateralRatio.String() != "2" || a.AuctionDiscount.String() != "0.1" {
		t.Errorf("unexpected asset config %+v", a)
	}

	w = env.do(t, "GET", "/api/v1/assets/terra1nope", "", "")
	expectError(t, w, http.StatusNotFound, "asset_not_found")
}

func TestConfig(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/config", "owner", `{"owner": "dao", "token_code_id": 9}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "GET", "/api/v1/config", "", "")
	var cfg model.Config
	if err := json.Unmarshal(w.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Owner != "dao" || cfg.TokenCodeID != 9 || cfg.BaseDenom != "uusd" {
		t.Errorf("unexpected config %+v", cfg)
	}

	w = env.do(t, "PUT", "/api/v1/config", "owner", `{"oracle": "x"}`)
	expectError(t, w, http.StatusForbidden, "unauthorized")
}

// --- Queries ---

func TestGetPosition(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	w := env.do(t, "GET", "/api/v1/positions/1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view cdp.PositionView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != model.StatusHealthy || view.Owner != "alice" {
		t.Errorf("unexpected view %+v", view)
	}
	if view.CollateralRatio == nil {
		t.Error("expected a collateral ratio")
	}

	expectError(t, env.do(t, "GET", "/api/v1/positions/99", "", ""), http.StatusNotFound, "position_not_found")
	expectError(t, env.do(t, "GET", "/api/v1/positions/abc", "", ""), http.StatusBadRequest, "invalid_message")
}

func TestListPositions(t *testing.T) {
	env := newTestEnv(t)
	if err := env.bank.Credit("alice", asset(uusd, "2000")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		env.open(t)
	}

	w := env.do(t, "GET", "/api/v1/positions?owner=alice&order=desc&limit=2", "", "")
	var views []cdp.PositionView
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v: %s", err, w.Body.String())
	}
	if len(views) != 2 || views[0].Idx != 3 || views[1].Idx != 2 {
		t.Fatalf("unexpected page %+v", views)
	}

	w = env.do(t, "GET", "/api/v1/positions?asset=terra1maapl&start_after=1", "", "")
	views = nil
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 || views[0].Idx != 2 {
		t.Fatalf("unexpected page %+v", views)
	}

	expectError(t, env.do(t, "GET", "/api/v1/positions?order=sideways", "", ""), http.StatusBadRequest, "invalid_message")

	w = env.do(t, "GET", "/api/v1/positions/next-idx", "", "")
	var next map[string]uint64
	if err := json.Unmarshal(w.Body.Bytes(), &next); err != nil {
		t.Fatal(err)
	}
	if next["next_position_idx"] != 4 {
		t.Errorf("expected next idx 4, got %v", next)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)
	env.do(t, "POST", "/api/v1/positions/1/mint", "alice",
		`{"asset": {"info": {"kind": "token", "contract": "terra1maapl"}, "amount": "10"}}`)

	w := env.do(t, "GET", "/api/v1/positions/1/history", "", "")
	var evs []model.Event
	if err := json.Unmarshal(w.Body.Bytes(), &evs); err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Action != model.ActionOpen || evs[1].Action != model.ActionMint {
		t.Fatalf("unexpected history %+v", evs)
	}
	if evs[1].Attributes["mint_amount"] != fmt.Sprintf("10 %s", mAAPL) {
		t.Errorf("unexpected attributes %v", evs[1].Attributes)
	}
}

// --- Rate limiting ---

func TestRateLimiter(t *testing.T) {
	limiter := api.NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 1, Burst: 2})
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(sender string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(api.SenderHeader, sender)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}
	for i := 0; i < 2; i++ {
		if code := call("alice"); code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, code)
		}
	}
	if code := call("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call("bob"); code != http.StatusNoContent {
		t.Fatalf("other clients keep their own bucket, got %d", code)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := api.NewRateLimiter(config.RateLimitConfig{})
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	}
}
