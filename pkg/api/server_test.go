package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/custody"
	"github.com/paradigm-parametric/parametric-mvp/pkg/observability"
	"github.com/paradigm-parametric/parametric-mvp/pkg/payout"
	"github.com/paradigm-parametric/parametric-mvp/pkg/pool"
)

const (
	testSecret                  = "test-secret"
	productRef                  = "storm@1.0.0"
	owner       access.Identity = "owner"
	operator    access.Identity = "operator"
	alice       access.Identity = "alice"
	productOwn  access.Identity = "product-admin"
	poolAccount access.Identity = "pool"
)

type harness struct {
	t         *testing.T
	mu        sync.Mutex
	now       time.Time
	book      *custody.MemoryBook
	ledger    *pool.Ledger
	server    *Server
	validator *JWTValidator
	handler   http.Handler
}

func newHarness(t *testing.T, configure ...func(*Server)) *harness {
	t.Helper()
	wind, err := payout.NewTierTable("wind", []int64{40, 80, 200}, []int64{0, 300, 900})
	require.NoError(t, err)
	hail, err := payout.NewTierTable("hail", []int64{10, 25, 50}, []int64{0, 200, 800})
	require.NoError(t, err)
	engine, err := payout.NewEngine(productRef, productOwn, wind, hail, payout.Params{ScaleWad: payout.Wad})
	require.NoError(t, err)
	reg, err := payout.NewRegistry(engine)
	require.NoError(t, err)

	h := &harness{t: t, now: time.Unix(1_700_000_000, 0), book: custody.NewMemoryBook()}
	require.NoError(t, h.book.Mint(poolAccount, 5_000))
	require.NoError(t, h.book.Mint(alice, 10_000))

	h.ledger = pool.New(pool.NewMemoryStore(), h.book.Account(poolAccount), poolAccount, reg).
		WithClock(h.clock)
	_, err = h.ledger.Init(context.Background(), pool.Genesis{Owner: owner, Operator: operator, EngineRef: productRef})
	require.NoError(t, err)

	h.validator = NewJWTValidator(testSecret)
	h.server = NewServer(h.ledger, h.validator)
	for _, c := range configure {
		c(h.server)
	}
	h.handler = h.server.Handler()
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) token(who access.Identity) string {
	h.t.Helper()
	tok, err := h.validator.Issue(who, time.Hour, time.Now())
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path string, who access.Identity, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(who))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (h *harness) purchase(who access.Identity) uint64 {
	h.t.Helper()
	start := h.clock().Unix() + 10
	w := h.do(http.MethodPost, "/v1/policies", who, PurchaseRequest{
		Premium: 100, Limit: 1_000, StartDate: start, EndDate: start + 1_000,
	})
	require.Equal(h.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[PurchaseResponse](h.t, w).PolicyID
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestQuote(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/v1/quote", "", QuoteRequest{Wind: 100, Hail: 30})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	q := decode[payout.Quote](t, w)
	assert.Equal(t, int64(900), q.TierWind)
	assert.Equal(t, int64(800), q.TierHail)
	assert.Equal(t, int64(1_700), q.Net)
}

func TestQuote_RejectsUnknownFields(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/quote", strings.NewReader(`{"wind":1,"rain":2}`))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestPurchaseThenSettle(t *testing.T) {
	h := newHarness(t)
	id := h.purchase(alice)
	assert.Equal(t, uint64(0), id)

	w := h.do(http.MethodGet, "/v1/policies/0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[pool.Policy](t, w)
	assert.Equal(t, alice, p.Holder)
	assert.True(t, p.Active)

	h.advance(100 * time.Second)
	event := h.clock().Unix() - 40
	w = h.do(http.MethodPost, "/v1/policies/0/settle", operator, SettleRequest{Wind: 100, Hail: 30, EventTime: event})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[SettleResponse](t, w)
	assert.Equal(t, int64(1_000), res.Paid, "clamped to the policy limit")
	assert.Equal(t, int64(10_900), h.book.Balance(alice))

	w = h.do(http.MethodGet, "/v1/pool/reserves", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	reserves := decode[ReservesResponse](t, w)
	assert.Equal(t, int64(4_100), reserves.CustodyBalance)
	assert.Equal(t, int64(0), reserves.TotalActiveExposure)
	assert.Equal(t, int64(4_100), reserves.AvailableReserves)

	// a settled policy cannot be settled again
	w = h.do(http.MethodPost, "/v1/policies/0/settle", operator, SettleRequest{Wind: 100, Hail: 30, EventTime: event})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "POLICY_INACTIVE", decode[ProblemDetail](t, w).Kind)
}

func TestSettle_FaultsCarryKind(t *testing.T) {
	h := newHarness(t)
	h.purchase(alice)
	h.advance(100 * time.Second)

	w := h.do(http.MethodPost, "/v1/policies/0/settle", alice, SettleRequest{Wind: 100, EventTime: h.clock().Unix() - 10})
	require.Equal(t, http.StatusForbidden, w.Code)
	prob := decode[ProblemDetail](t, w)
	assert.Equal(t, "UNAUTHORIZED", prob.Kind)
	assert.Equal(t, "/v1/policies/0/settle", prob.Instance)

	w = h.do(http.MethodPost, "/v1/policies/0/settle", operator, SettleRequest{Wind: 0, Hail: 0, EventTime: h.clock().Unix() - 10})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	prob = decode[ProblemDetail](t, w)
	assert.Equal(t, "NO_PAYOUT", prob.Kind)
	require.NotNil(t, prob.PolicyID)
	assert.Equal(t, uint64(0), *prob.PolicyID)

	w = h.do(http.MethodPost, "/v1/policies/abc/settle", operator, SettleRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPurchase_Validation(t *testing.T) {
	h := newHarness(t)
	now := h.clock().Unix()
	cases := []struct {
		name string
		req  PurchaseRequest
		kind string
	}{
		{"dates", PurchaseRequest{Premium: 1, Limit: 1, StartDate: now + 10, EndDate: now + 10}, "INVALID_DATES"},
		{"past", PurchaseRequest{Premium: 1, Limit: 1, StartDate: now - 1, EndDate: now + 10}, "POLICY_START_IN_PAST"},
		{"premium", PurchaseRequest{Premium: 0, Limit: 1, StartDate: now, EndDate: now + 10}, "ZERO_PREMIUM"},
		{"limit", PurchaseRequest{Premium: 1, Limit: 0, StartDate: now, EndDate: now + 10}, "ZERO_LIMIT"},
		{"reserves", PurchaseRequest{Premium: 1, Limit: 1_000_000, StartDate: now, EndDate: now + 10}, "INSUFFICIENT_RESERVES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/v1/policies", alice, tc.req)
			assert.Equal(t, tc.kind, decode[ProblemDetail](t, w).Kind)
		})
	}
	assert.Equal(t, int64(10_000), h.book.Balance(alice), "failed purchases cost nothing")
}

func TestAuth(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/policies", "", PurchaseRequest{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodPost, "/v1/policies", "", PurchaseRequest{}, "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other := NewJWTValidator("other-secret")
	forged, err := other.Issue(alice, time.Hour, time.Now())
	require.NoError(t, err)
	w = h.do(http.MethodPost, "/v1/policies", "", PurchaseRequest{}, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := h.validator.Issue(alice, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	w = h.do(http.MethodPost, "/v1/policies", "", PurchaseRequest{}, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_NoSecretFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.handler = NewServer(h.ledger, nil).Handler()

	w := h.do(http.MethodPost, "/v1/admin/pause", owner, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/v1/pool", "", nil)
	assert.Equal(t, http.StatusOK, w.Code, "reads stay open")
}

func TestLegacyPayout(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/v1/payout", alice, map[string]any{"policy_id": 3})
	assert.Equal(t, http.StatusGone, w.Code)
	prob := decode[ProblemDetail](t, w)
	assert.Equal(t, "LEGACY_PAYOUT_DISABLED", prob.Kind)
	require.NotNil(t, prob.PolicyID)
	assert.Equal(t, uint64(3), *prob.PolicyID)

	for name, body := range map[string]string{"empty": "", "malformed": "{not json"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/payout", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusGone, rec.Code, name)
		assert.Equal(t, "LEGACY_PAYOUT_DISABLED", decode[ProblemDetail](t, rec).Kind, name)
	}
}

func TestEngines(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/v1/engines", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decode[struct {
		Engines []pool.EngineInfo `json:"engines"`
	}](t, w)
	require.Len(t, got.Engines, 1)
	e := got.Engines[0]
	assert.Equal(t, productRef, e.Ref)
	assert.Equal(t, productOwn, e.Owner)
	assert.True(t, e.Active)
	assert.Equal(t, []int64{40, 80, 200}, e.Wind.Thresholds)
	assert.Equal(t, []int64{0, 200, 800}, e.Hail.Payouts)
	assert.True(t, e.Params.ScaleWad.Equal(payout.Wad))
}

func TestAdmin(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPut, "/v1/admin/annual-cap", owner, map[string]any{"annual_cap": 2_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(2_000), decode[pool.Snapshot](t, w).AnnualCap)

	w = h.do(http.MethodPut, "/v1/admin/claim-window", owner, map[string]any{"seconds": 3_600})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(3_600), decode[pool.Snapshot](t, w).ClaimWindow)

	w = h.do(http.MethodPut, "/v1/admin/engine", owner, map[string]any{"ref": "nope@1.0.0"})
	assert.Equal(t, "INVALID_CONFIG", decode[ProblemDetail](t, w).Kind)

	w = h.do(http.MethodPut, "/v1/admin/annual-cap", operator, map[string]any{"annual_cap": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/v1/admin/pause", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[pool.Snapshot](t, w).Roles.Paused)

	start := h.clock().Unix() + 10
	w = h.do(http.MethodPost, "/v1/policies", alice, PurchaseRequest{Premium: 1, Limit: 1, StartDate: start, EndDate: start + 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "RETRYABLE", decode[ProblemDetail](t, w).Classification)

	w = h.do(http.MethodPost, "/v1/admin/unpause", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[pool.Snapshot](t, w).Roles.Paused)
}

func TestAdmin_RoleHandover(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/admin/owner/propose", owner, map[string]any{"next": "treasury"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(http.MethodPost, "/v1/admin/owner/accept", alice, nil)
	assert.Equal(t, "NOT_PENDING_ROLE", decode[ProblemDetail](t, w).Kind)

	w = h.do(http.MethodPost, "/v1/admin/owner/accept", "treasury", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, access.Identity("treasury"), decode[pool.Snapshot](t, w).Roles.Owner.Holder)

	w = h.do(http.MethodPost, "/v1/admin/operator/propose", operator, map[string]any{"next": "ops-2"})
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodPost, "/v1/admin/operator/accept", "ops-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, access.Identity("ops-2"), decode[pool.Snapshot](t, w).Roles.Operator.Holder)

	w = h.do(http.MethodPost, "/v1/admin/auditor/accept", owner, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_EngineParams(t *testing.T) {
	h := newHarness(t)
	half := payout.Wad.Div(decimal.NewFromInt(2))

	w := h.do(http.MethodPut, "/v1/admin/engine/params", owner, payout.Params{ScaleWad: half})
	assert.Equal(t, http.StatusForbidden, w.Code, "pool owner is not the product owner")

	w = h.do(http.MethodPut, "/v1/admin/engine/params", productOwn, payout.Params{ScaleWad: half, Deductible: 50})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(http.MethodPost, "/v1/quote", "", QuoteRequest{Wind: 100, Hail: 30})
	assert.Equal(t, int64(800), decode[payout.Quote](t, w).Net)
}

func TestIdempotentPurchase(t *testing.T) {
	h := newHarness(t, func(s *Server) { s.SetIdempotencyStore(NewIdempotencyStore(time.Minute)) })
	start := h.clock().Unix() + 10
	req := PurchaseRequest{Premium: 100, Limit: 1_000, StartDate: start, EndDate: start + 100}

	first := h.do(http.MethodPost, "/v1/policies", alice, req, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := h.do(http.MethodPost, "/v1/policies", alice, req, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())

	assert.Equal(t, int64(9_900), h.book.Balance(alice), "premium pulled once")

	third := h.do(http.MethodPost, "/v1/policies", alice, req, "Idempotency-Key", "k-2")
	require.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, uint64(1), decode[PurchaseResponse](t, third).PolicyID)
}

func TestRateLimit(t *testing.T) {
	limiter := NewMemoryLimiter(0.5, 1)
	t.Cleanup(limiter.Close)
	h := newHarness(t, func(s *Server) { s.SetRateLimiter(limiter, 0.5) })

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/pool", "", nil).Code)
	w := h.do(http.MethodGet, "/v1/pool", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	// authenticated callers get their own bucket
	start := h.clock().Unix() + 10
	w = h.do(http.MethodPost, "/v1/policies", alice, PurchaseRequest{Premium: 1, Limit: 1, StartDate: start, EndDate: start + 1})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestAudit(t *testing.T) {
	h := newHarness(t)
	h.purchase(alice)

	w := h.do(http.MethodGet, "/v1/audit", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	audit := decode[AuditResponse](t, w)
	assert.True(t, audit.Valid, audit.Reason)
	require.Len(t, audit.Entries, 2)
	assert.Equal(t, "POOL_INITIALIZED", audit.Entries[0].Kind)
	assert.Equal(t, "PURCHASE", audit.Entries[1].Kind)
	assert.Equal(t, audit.Entries[1].Hash, audit.Head)

	w = h.do(http.MethodGet, "/v1/audit?since=1", "", nil)
	assert.Len(t, decode[AuditResponse](t, w).Entries, 1)

	w = h.do(http.MethodGet, "/v1/audit?since=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPolicies(t *testing.T) {
	h := newHarness(t)
	h.purchase(alice)
	h.purchase(alice)

	w := h.do(http.MethodGet, "/v1/policies", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]pool.Policy](t, w)["policies"], 2)

	w = h.do(http.MethodGet, "/v1/policies/9", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, func(s *Server) {
		s.EnableMetrics(observability.NewRegistry(s.ledger.Snapshot))
	})
	h.purchase(alice)

	w := h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "parametric_pool_active_exposure 1000")
	assert.Contains(t, w.Body.String(), "parametric_pool_custody_balance 5100")
}

func TestFaucet(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/v1/dev/mint", alice, map[string]any{"amount": 5})
	assert.Equal(t, http.StatusNotFound, w.Code, "faucet is off by default")

	h.server.SetFaucet(func(_ context.Context, who access.Identity, amount int64) error {
		return h.book.Mint(who, amount)
	})
	h.handler = h.server.Handler()
	w = h.do(http.MethodPost, "/v1/dev/mint", alice, map[string]any{"amount": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(10_005), h.book.Balance(alice))

	w = h.do(http.MethodPost, "/v1/dev/mint", alice, map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDInProblem(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/v1/policies/x", "", nil, "X-Request-Id", "req-42")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "req-42", decode[ProblemDetail](t, w).TraceID)
}
