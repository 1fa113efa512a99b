package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"quantdesk/internal/config"
	"quantdesk/internal/throttle"
	"quantdesk/pkg/types"
)

func restConfig() config.BrokerConfig {
	return config.BrokerConfig{
		BrokerType:      "huatai",
		BrokerAccount:   "123456789",
		BrokerPassword:  "pw",
		APIPollInterval: time.Hour, // tests drive sync explicitly via SyncNow
		APITimeout:      2 * time.Second,
	}
}

// newStubTrader builds a huatai adapter over canned responses with the
// throttle collapsed so tests run at full speed.
func newStubTrader(t *testing.T, cfg config.BrokerConfig, stubs map[string]StubResponse) *RESTTrader {
	t.Helper()
	profile, err := ProfileFor(cfg.BrokerType)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	tr, err := NewRESTTrader(profile, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewRESTTrader: %v", err)
	}
	tr.gate = throttle.New(time.Microsecond, 0)
	if stubs != nil {
		tr.UseStubs(stubs)
	}
	t.Cleanup(func() { _ = tr.Disconnect() })
	return tr
}

func loginStubs() map[string]StubResponse {
	return map[string]StubResponse{
		"GET /api/v1/ping":   {Body: `{"message":"pong"}`},
		"POST /api/v1/login": {Body: `{"data":{"token":"tok-1","account":{"cash":100000,"total_value":100000}}}`},
	}
}

func mustConnectLogin(t *testing.T, tr *RESTTrader) {
	t.Helper()
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestRESTStateMachine(t *testing.T) {
	t.Parallel()
	tr := newStubTrader(t, restConfig(), loginStubs())
	ctx := context.Background()

	// Disconnected: authenticated calls fail typed, orders fail as results.
	if _, err := tr.QueryAccount(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("QueryAccount before connect: %v, want ErrNotConnected", err)
	}
	if err := tr.Login(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Login before connect: %v, want ErrNotConnected", err)
	}
	if res := tr.SendOrder(ctx, "sz000001", types.BUY, 10, 100, types.Limit); res.OK || !strings.Contains(res.Message, "not logged in") {
		t.Fatalf("SendOrder before login: %+v", res)
	}

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := tr.QueryAccount(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("QueryAccount before login: %v, want ErrNotAuthenticated", err)
	}

	rec := &eventRecorder{}
	var accounts []types.AccountInfo
	var mu sync.Mutex
	cb := rec.callbacks()
	cb.OnAccount = func(a types.AccountInfo) {
		mu.Lock()
		accounts = append(accounts, a)
		mu.Unlock()
	}
	tr.SetCallbacks(cb)

	if err := tr.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Login response carried an account object: it must surface upward.
	mu.Lock()
	n := len(accounts)
	mu.Unlock()
	if n != 1 || accounts[0].Cash != 100000 {
		t.Fatalf("login account callback missing, got %v", accounts)
	}

	if err := tr.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := tr.QueryAccount(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("QueryAccount after logout: %v, want ErrNotConnected", err)
	}
}

func TestRESTSendOrder(t *testing.T) {
	t.Parallel()
	stubs := loginStubs()
	stubs["POST /api/v1/order"] = StubResponse{
		Body: `{"data":{"order":{"order_id":"E1","code":"sz000001","side":"buy","price":10.5,"quantity":200,"status":"submitted"}}}`,
	}
	tr := newStubTrader(t, restConfig(), stubs)
	mustConnectLogin(t, tr)

	rec := &eventRecorder{}
	tr.SetCallbacks(rec.callbacks())

	// 250 shares rounds down to one-lot multiples before hitting the wire.
	res := tr.SendOrder(context.Background(), "sz000001", types.BUY, 10.5, 250, types.Limit)
	if !res.OK {
		t.Fatalf("SendOrder: %s", res.Message)
	}
	if res.Order == nil || res.Order.ID != "E1" || res.Order.Status != types.StatusSubmitted {
		t.Fatalf("bad result order: %+v", res.Order)
	}
	rec.mu.Lock()
	got := len(rec.orders)
	rec.mu.Unlock()
	if got != 1 {
		t.Fatalf("accepted order should fire OnOrder once, got %d", got)
	}

	// Below one lot: rejected locally, no request.
	res = tr.SendOrder(context.Background(), "sz000001", types.BUY, 10.5, 50, types.Limit)
	if res.OK || !strings.Contains(res.Message, "below one lot") {
		t.Fatalf("sub-lot order: %+v", res)
	}

	// Limit orders need a price.
	res = tr.SendOrder(context.Background(), "sz000001", types.BUY, 0, 100, types.Limit)
	if res.OK || !strings.Contains(res.Message, "positive price") {
		t.Fatalf("zero-price limit: %+v", res)
	}
}

func TestRESTVenueRejection(t *testing.T) {
	t.Parallel()
	stubs := loginStubs()
	stubs["POST /api/v1/order"] = StubResponse{
		Body: `{"order":{"order_id":"E9","status":"rejected","message":"price out of band"}}`,
	}
	tr := newStubTrader(t, restConfig(), stubs)
	mustConnectLogin(t, tr)

	res := tr.SendOrder(context.Background(), "sz000001", types.BUY, 20, 100, types.Limit)
	if res.OK {
		t.Fatal("venue rejection must not be OK")
	}
	if res.Message != "price out of band" {
		t.Fatalf("message = %q", res.Message)
	}
	if res.Order == nil || res.Order.Status != types.StatusRejected {
		t.Fatalf("rejection should still carry the order: %+v", res.Order)
	}
}

func TestRESTCancelPathTemplate(t *testing.T) {
	t.Parallel()
	tr := newStubTrader(t, restConfig(), nil)

	var paths []string
	var mu sync.Mutex
	stubs := loginStubs()
	tr.SetRequestFunc(func(_ context.Context, method, path string, _ url.Values, _ []byte, _ map[string]string) (int, []byte, error) {
		mu.Lock()
		paths = append(paths, method+" "+path)
		mu.Unlock()
		if stub, ok := stubs[method+" "+path]; ok {
			return http.StatusOK, []byte(stub.Body), nil
		}
		return http.StatusOK, []byte(`{"message":"ok"}`), nil
	})
	mustConnectLogin(t, tr)

	ok, err := tr.CancelOrder(context.Background(), "E12")
	if err != nil || !ok {
		t.Fatalf("CancelOrder: ok=%v err=%v", ok, err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := "POST /api/v1/orders/E12/cancel"
	found := false
	for _, p := range paths {
		if p == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("cancel path not templated, saw %v", paths)
	}
}

func TestRESTQueriesAndSellable(t *testing.T) {
	t.Parallel()
	stubs := loginStubs()
	stubs["GET /api/v1/account"] = StubResponse{
		Body: `{"data":{"cash":80000,"frozen":0,"market_value":20000}}`,
	}
	stubs["GET /api/v1/positions"] = StubResponse{
		Body: `{"data":{"positions":[
			{"stock_code":"sz000001","volume":1200,"cost_price":9.8,"last_price":10.0,"available":700},
			{"stock_code":"sh600000","volume":0}
		]}}`,
	}
	stubs["GET /api/v1/orders"] = StubResponse{
		Body: `{"orders":[
			{"order_id":"E2","code":"sh600000","side":"sell","status":"filled","create_time":"2024-01-02 10:00:00"},
			{"order_id":"E1","code":"sz000001","side":"buy","status":"submitted","create_time":"2024-01-02 09:31:00"}
		]}`,
	}
	tr := newStubTrader(t, restConfig(), stubs)
	mustConnectLogin(t, tr)
	ctx := context.Background()

	acct, err := tr.QueryAccount(ctx)
	if err != nil {
		t.Fatalf("QueryAccount: %v", err)
	}
	if acct.Cash != 80000 || acct.TotalValue != 100000 {
		t.Fatalf("bad account: %+v", acct)
	}

	positions, err := tr.QueryPositions(ctx)
	if err != nil {
		t.Fatalf("QueryPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Code != "sz000001" {
		t.Fatalf("zero-quantity rows must be dropped: %+v", positions)
	}

	sellable, err := tr.SellableQuantity(ctx, "sz000001")
	if err != nil {
		t.Fatalf("SellableQuantity: %v", err)
	}
	if sellable != 700 {
		t.Fatalf("sellable = %d, want 700", sellable)
	}

	orders, err := tr.QueryOrders(ctx, "")
	if err != nil {
		t.Fatalf("QueryOrders: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "E1" {
		t.Fatalf("orders should sort by create time: %+v", orders)
	}
}

func TestRESTSyncDeduplicates(t *testing.T) {
	t.Parallel()
	stubs := loginStubs()
	stubs["GET /api/v1/account"] = StubResponse{Body: `{"cash":100000}`}
	stubs["GET /api/v1/positions"] = StubResponse{Body: `{"positions":[]}`}
	stubs["GET /api/v1/orders"] = StubResponse{
		Body: `{"orders":[{"order_id":"E1","code":"sz000001","side":"buy","status":"submitted","quantity":200}]}`,
	}
	stubs["GET /api/v1/trades"] = StubResponse{Body: `{"trades":[]}`}
	tr := newStubTrader(t, restConfig(), stubs)
	mustConnectLogin(t, tr)

	rec := &eventRecorder{}
	tr.SetCallbacks(rec.callbacks())
	ctx := context.Background()

	tr.SyncNow(ctx)
	tr.SyncNow(ctx) // same upstream state: no duplicate order events
	rec.mu.Lock()
	n := len(rec.orders)
	rec.mu.Unlock()
	if n != 1 {
		t.Fatalf("unchanged order fired %d events, want 1", n)
	}

	// The order fills and its trade appears: one more order event, one
	// trade event, repeated syncs stay quiet.
	stubs["GET /api/v1/orders"] = StubResponse{
		Body: `{"orders":[{"order_id":"E1","code":"sz000001","side":"buy","status":"filled","quantity":200,"filled_quantity":200,"filled_price":10.0}]}`,
	}
	stubs["GET /api/v1/trades"] = StubResponse{
		Body: `{"trades":[{"trade_id":"T1","order_id":"E1","code":"sz000001","side":"buy","price":10.0,"quantity":200}]}`,
	}
	tr.SyncNow(ctx)
	tr.SyncNow(ctx)

	rec.mu.Lock()
	orders, trades := len(rec.orders), len(rec.trades)
	lastStatus := rec.orders[len(rec.orders)-1].Status
	rec.mu.Unlock()
	if orders != 2 || lastStatus != types.StatusFilled {
		t.Fatalf("fill transition fired %d order events (last %v), want 2 ending FILLED", orders, lastStatus)
	}
	if trades != 1 {
		t.Fatalf("trade T1 fired %d events, want exactly 1", trades)
	}
}

func TestRESTSyncSurvivesUpstreamErrors(t *testing.T) {
	t.Parallel()
	stubs := loginStubs()
	stubs["GET /api/v1/account"] = StubResponse{Body: `{"cash":100000}`}
	stubs["GET /api/v1/positions"] = StubResponse{Body: `{"positions":[]}`}
	stubs["GET /api/v1/orders"] = StubResponse{Status: http.StatusBadGateway, Body: `{"message":"upstream down"}`}
	stubs["GET /api/v1/trades"] = StubResponse{Body: `{"trades":[]}`}
	tr := newStubTrader(t, restConfig(), stubs)
	mustConnectLogin(t, tr)

	var errs []error
	var accounts int
	var mu sync.Mutex
	tr.SetCallbacks(Callbacks{
		OnError:   func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
		OnAccount: func(types.AccountInfo) { mu.Lock(); accounts++; mu.Unlock() },
	})

	tr.SyncNow(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(errs) == 0 {
		t.Fatal("failing orders query should surface through OnError")
	}
	if accounts != 1 {
		t.Fatalf("later sync stages must still run, got %d account events", accounts)
	}
}

// TestRESTSignedRequestOverHTTP runs the real resty transport against a
// local server that recomputes the HMAC the way the gateway would.
func TestRESTSignedRequestOverHTTP(t *testing.T) {
	t.Parallel()
	const apiKey, apiSecret = "key", "secret"

	verify := func(r *http.Request, body []byte) (string, bool) {
		ts := r.Header.Get("X-Timestamp")
		if r.Header.Get("X-API-Key") != apiKey || ts == "" {
			return "missing auth headers", false
		}
		q := ""
		if len(r.URL.Query()) > 0 {
			q = r.URL.Query().Encode()
		}
		b := ""
		if len(body) > 0 {
			canon, err := canonicalJSON(body)
			if err != nil {
				return "bad body", false
			}
			b = canon
		}
		mac := hmac.New(sha256.New, []byte(apiSecret))
		mac.Write([]byte(r.Method + "|" + r.URL.Path + "|" + q + "|" + b + "|" + ts))
		if r.Header.Get("X-Signature") != hex.EncodeToString(mac.Sum(nil)) {
			return "bad signature", false
		}
		return "", true
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if reason, ok := verify(r, body); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"message": reason})
			return
		}
		switch r.Method + " " + r.URL.Path {
		case "GET /api/v1/ping":
			json.NewEncoder(w).Encode(map[string]string{"message": "pong"})
		case "POST /api/v1/login":
			var req map[string]interface{}
			json.Unmarshal(body, &req)
			if req["account"] != "123456789" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"token": "tok-live"},
			})
		case "POST /api/v1/order":
			if r.Header.Get("Authorization") != "Bearer tok-live" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var req map[string]interface{}
			json.Unmarshal(body, &req)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"order": map[string]interface{}{
					"order_id": "E100",
					"code":     req["code"],
					"side":     req["side"],
					"price":    req["price"],
					"quantity": req["quantity"],
					"status":   "submitted",
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := restConfig()
	cfg.BrokerAPIURL = srv.URL
	cfg.BrokerAPIKey = apiKey
	cfg.BrokerAPISecret = apiSecret
	tr := newStubTrader(t, cfg, nil) // keep the real transport

	mustConnectLogin(t, tr)
	res := tr.SendOrder(context.Background(), "sz000001", types.BUY, 10.5, 300, types.Limit)
	if !res.OK {
		t.Fatalf("signed order failed: %s", res.Message)
	}
	if res.Order.ID != "E100" || res.Order.Quantity != 300 {
		t.Fatalf("bad order echo: %+v", res.Order)
	}
}

func TestRESTModifyUnsupported(t *testing.T) {
	t.Parallel()
	tr := newStubTrader(t, restConfig(), loginStubs())
	mustConnectLogin(t, tr)
	ok, err := tr.ModifyOrder(context.Background(), "E1", 10, 100)
	if ok || !errors.Is(err, ErrUnsupported) {
		t.Fatalf("ModifyOrder: ok=%v err=%v", ok, err)
	}
}
