package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"quantdesk/internal/config"
	"quantdesk/internal/metrics"
	"quantdesk/internal/throttle"
	"quantdesk/pkg/types"
)

// connState is the REST adapter lifecycle:
// disconnected -> connected (ping ok) -> authenticated (login ok).
type connState int

const (
	stateDisconnected connState = iota
	stateConnected
	stateAuthenticated
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

const defaultAPITimeout = 5 * time.Second

// requestFunc performs one HTTP round trip and returns the status code
// and response body. Tests replace it to drive the full request
// pipeline, signing included, without sockets.
type requestFunc func(ctx context.Context, method, path string, query url.Values, body []byte, headers map[string]string) (int, []byte, error)

// StubResponse is a canned gateway reply for tests.
type StubResponse struct {
	Status int
	Body   string
}

// RESTTrader talks to a brokerage gateway over HTTP. One instance serves
// one account on one gateway, selected by a Profile.
//
// Reads return the venue's view; the background sync worker re-queries
// account, positions, orders and trades every poll interval and fires
// the upward Callbacks. Order and trade callbacks are deduplicated
// against a local cache so each status transition and each fill is
// reported once; account and position callbacks fire every cycle.
//
// The local caches are guarded by a single mutex which is never held
// across a network call or a callback.
type RESTTrader struct {
	profile Profile
	cfg     config.BrokerConfig
	logger  *slog.Logger

	http    *resty.Client
	request requestFunc
	signer  *Signer
	gate    *throttle.Throttle
	domain  string

	mu        sync.Mutex
	state     connState
	token     string
	account   types.AccountInfo
	positions map[string]types.Position
	sellable  map[string]int64
	orders    map[string]types.Order
	trades    map[string]struct{}
	cb        Callbacks

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRESTTrader builds an adapter for the given gateway profile.
// Transport settings (base URL, timeout, TLS verification, client
// certificate) come from cfg, falling back to the profile defaults.
func NewRESTTrader(profile Profile, cfg config.BrokerConfig, logger *slog.Logger) (*RESTTrader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BrokerAPIURL
	if baseURL == "" {
		baseURL = profile.DefaultBaseURL
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	tlsCfg := &tls.Config{InsecureSkipVerify: !cfg.BrokerAPIVerifySSL} //nolint:gosec // operator-controlled toggle for self-signed gateway bridges
	if cfg.BrokerAPIClientCert != "" {
		// Combined PEM holding both certificate and key.
		cert, err := tls.LoadX509KeyPair(cfg.BrokerAPIClientCert, cfg.BrokerAPIClientCert)
		if err != nil {
			return nil, fmt.Errorf("broker: load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	httpClient.SetTLSClientConfig(tlsCfg)

	domain := profile.Name
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		domain = u.Host
	}

	t := &RESTTrader{
		profile:   profile,
		cfg:       cfg,
		logger:    logger.With("component", "broker", "gateway", profile.Name),
		http:      httpClient,
		gate:      throttle.New(throttle.DefaultInterval, throttle.DefaultRetries),
		domain:    domain,
		positions: make(map[string]types.Position),
		sellable:  make(map[string]int64),
		orders:    make(map[string]types.Order),
		trades:    make(map[string]struct{}),
	}
	t.request = t.httpRequest
	if cfg.BrokerAPIKey != "" && cfg.BrokerAPISecret != "" {
		t.signer = NewSigner(cfg.BrokerAPIKey, cfg.BrokerAPISecret, profile.SignAlgo)
	}
	return t, nil
}

// SetRequestFunc replaces the HTTP transport. Test seam.
func (t *RESTTrader) SetRequestFunc(fn requestFunc) {
	if fn != nil {
		t.request = fn
	}
}

// UseStubs installs a transport serving canned responses from a map
// keyed "METHOD /path". Unknown routes return 404. Test seam.
func (t *RESTTrader) UseStubs(stubs map[string]StubResponse) {
	t.request = func(_ context.Context, method, path string, _ url.Values, _ []byte, _ map[string]string) (int, []byte, error) {
		stub, ok := stubs[method+" "+path]
		if !ok {
			return http.StatusNotFound, []byte(`{"message":"no route"}`), nil
		}
		status := stub.Status
		if status == 0 {
			status = http.StatusOK
		}
		return status, []byte(stub.Body), nil
	}
}

// Name returns the gateway profile name.
func (t *RESTTrader) Name() string { return t.profile.Name }

// SetCallbacks installs the upward event callbacks.
func (t *RESTTrader) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

// Connect verifies the gateway is reachable via its ping route and
// moves the adapter to the connected state.
func (t *RESTTrader) Connect(ctx context.Context) error {
	if t.profile.PingPath != "" {
		if _, err := t.do(ctx, http.MethodGet, t.profile.PingPath, nil, nil); err != nil {
			return fmt.Errorf("broker: ping %s: %w", t.profile.Name, err)
		}
	}
	t.mu.Lock()
	if t.state == stateDisconnected {
		t.state = stateConnected
	}
	t.mu.Unlock()
	t.logger.Info("gateway connected", "base_url", t.http.BaseURL)
	return nil
}

// Disconnect stops the sync worker and drops to the disconnected state.
func (t *RESTTrader) Disconnect() error {
	t.stopSync()
	t.mu.Lock()
	t.state = stateDisconnected
	t.token = ""
	t.mu.Unlock()
	t.logger.Info("gateway disconnected")
	return nil
}

// Login authenticates with the configured account, stores the session
// token and starts the background sync worker.
func (t *RESTTrader) Login(ctx context.Context) error {
	t.mu.Lock()
	if t.state == stateDisconnected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	body := map[string]interface{}{
		"account":  t.cfg.BrokerAccount,
		"password": t.cfg.BrokerPassword,
	}
	if host, port := t.serverAddr(); host != "" {
		body["server"] = host
		if port > 0 {
			body["port"] = port
		}
	}

	resp, err := t.do(ctx, http.MethodPost, t.profile.LoginPath, nil, body)
	if err != nil {
		return fmt.Errorf("broker: login: %w", err)
	}
	m, err := objectFromBody(resp)
	if err != nil {
		return fmt.Errorf("broker: login response: %w", err)
	}
	token := tokenFromMap(m)
	if token == "" {
		return fmt.Errorf("broker: login response carried no token")
	}

	t.mu.Lock()
	t.token = token
	t.state = stateAuthenticated
	cb := t.cb
	t.mu.Unlock()
	t.logger.Info("login ok", "account", maskAccount(t.cfg.BrokerAccount))

	// Some gateways return the account snapshot with the token.
	if acctRaw, ok := m["account"].(map[string]interface{}); ok {
		acct := accountFromMap(acctRaw)
		t.mu.Lock()
		t.account = acct
		t.mu.Unlock()
		if cb.OnAccount != nil {
			cb.OnAccount(acct)
		}
	}

	t.startSync()
	return nil
}

// Logout ends the gateway session. The server call is best-effort; the
// local session is torn down regardless.
func (t *RESTTrader) Logout() error {
	t.mu.Lock()
	authenticated := t.state == stateAuthenticated
	t.mu.Unlock()

	if authenticated && t.profile.LogoutPath != "" {
		ctx, cancelTimeout := context.WithTimeout(context.Background(), defaultAPITimeout)
		if _, err := t.do(ctx, http.MethodPost, t.profile.LogoutPath, nil, nil); err != nil {
			t.logger.Warn("logout request failed", "error", err)
		}
		cancelTimeout()
	}

	t.stopSync()
	t.mu.Lock()
	t.token = ""
	t.state = stateDisconnected
	t.mu.Unlock()
	t.logger.Info("logged out")
	return nil
}

// SendOrder submits one order. State violations and venue rejections
// come back as unsuccessful OrderResults, transport details included in
// Message; err-style failures are reserved for the other interface
// methods.
func (t *RESTTrader) SendOrder(ctx context.Context, code string, side types.Side, price float64, qty int64, typ types.OrderType) OrderResult {
	t.mu.Lock()
	authenticated := t.state == stateAuthenticated
	t.mu.Unlock()
	if !authenticated {
		return OrderResult{OK: false, Message: "not logged in"}
	}

	normalized := types.NormalizeQuantity(qty)
	if normalized == 0 {
		return OrderResult{OK: false, Message: fmt.Sprintf("quantity %d is below one lot (%d)", qty, types.LotSize)}
	}
	if typ == types.Limit && price <= 0 {
		return OrderResult{OK: false, Message: "limit order needs a positive price"}
	}

	payload := map[string]interface{}{
		"code":       code,
		"side":       strings.ToLower(string(side)),
		"price":      price,
		"quantity":   normalized,
		"order_type": strings.ToLower(string(typ)),
	}
	resp, err := t.do(ctx, http.MethodPost, t.profile.OrderPath, nil, payload)
	if err != nil {
		return OrderResult{OK: false, Message: fmt.Sprintf("send order: %v", err)}
	}
	m, err := objectFromBody(resp)
	if err != nil {
		return OrderResult{OK: false, Message: fmt.Sprintf("order response: %v", err)}
	}
	order := orderFromMap(orderObject(m))
	if order.ID == "" {
		return OrderResult{OK: false, Message: "order response carried no order id"}
	}
	if order.Code == "" {
		order.Code = code
	}

	t.mu.Lock()
	t.orders[order.ID] = order
	cb := t.cb
	t.mu.Unlock()

	if order.Status == types.StatusRejected {
		msg := order.Message
		if msg == "" {
			msg = "rejected by venue"
		}
		return OrderResult{OK: false, Message: msg, Order: &order}
	}

	if cb.OnOrder != nil {
		cb.OnOrder(order)
	}
	t.logger.Info("order accepted", "id", order.ID, "code", order.Code,
		"side", order.Side, "price", order.Price, "quantity", order.Quantity)
	return OrderResult{OK: true, Order: &order}
}

// CancelOrder cancels a live order by venue id.
func (t *RESTTrader) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	t.mu.Lock()
	authenticated := t.state == stateAuthenticated
	t.mu.Unlock()
	if !authenticated {
		return false, ErrNotAuthenticated
	}
	path := strings.ReplaceAll(t.profile.CancelPath, "{order_id}", url.PathEscape(orderID))
	if _, err := t.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return false, fmt.Errorf("broker: cancel %s: %w", orderID, err)
	}
	return true, nil
}

// ModifyOrder is not offered by any supported gateway.
func (t *RESTTrader) ModifyOrder(ctx context.Context, orderID string, price float64, qty int64) (bool, error) {
	return false, ErrUnsupported
}

// QueryAccount fetches the account snapshot from the gateway.
func (t *RESTTrader) QueryAccount(ctx context.Context) (types.AccountInfo, error) {
	if err := t.requireAuth(); err != nil {
		return types.AccountInfo{}, err
	}
	resp, err := t.do(ctx, http.MethodGet, t.profile.AccountPath, nil, nil)
	if err != nil {
		return types.AccountInfo{}, fmt.Errorf("broker: query account: %w", err)
	}
	m, err := objectFromBody(resp)
	if err != nil {
		return types.AccountInfo{}, fmt.Errorf("broker: account response: %w", err)
	}
	acct := accountFromMap(m)
	t.mu.Lock()
	t.account = acct
	t.mu.Unlock()
	return acct, nil
}

// QueryPositions fetches current holdings, sorted by code.
func (t *RESTTrader) QueryPositions(ctx context.Context) ([]types.Position, error) {
	if err := t.requireAuth(); err != nil {
		return nil, err
	}
	return t.fetchPositions(ctx)
}

func (t *RESTTrader) fetchPositions(ctx context.Context) ([]types.Position, error) {
	resp, err := t.do(ctx, http.MethodGet, t.profile.PositionsPath, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: query positions: %w", err)
	}
	rows, err := listFromBody(resp, "positions")
	if err != nil {
		return nil, fmt.Errorf("broker: positions response: %w", err)
	}

	out := make([]types.Position, 0, len(rows))
	posByCode := make(map[string]types.Position, len(rows))
	sellable := make(map[string]int64, len(rows))
	for _, row := range rows {
		p := positionFromMap(row)
		if p.Code == "" || p.Quantity == 0 {
			continue
		}
		out = append(out, p)
		posByCode[p.Code] = p
		sellable[p.Code] = sellableFromMap(row, p.Quantity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })

	t.mu.Lock()
	t.positions = posByCode
	t.sellable = sellable
	t.mu.Unlock()
	return out, nil
}

// QueryOrders fetches orders, optionally filtered by status.
func (t *RESTTrader) QueryOrders(ctx context.Context, status types.OrderStatus) ([]types.Order, error) {
	if err := t.requireAuth(); err != nil {
		return nil, err
	}
	var query url.Values
	if status != "" {
		query = url.Values{"status": []string{strings.ToLower(string(status))}}
	}
	resp, err := t.do(ctx, http.MethodGet, t.profile.OrdersPath, query, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: query orders: %w", err)
	}
	rows, err := listFromBody(resp, "orders")
	if err != nil {
		return nil, fmt.Errorf("broker: orders response: %w", err)
	}
	out := make([]types.Order, 0, len(rows))
	for _, row := range rows {
		o := orderFromMap(row)
		if o.ID == "" {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// QueryTrades fetches the execution list.
func (t *RESTTrader) QueryTrades(ctx context.Context) ([]types.Trade, error) {
	if err := t.requireAuth(); err != nil {
		return nil, err
	}
	resp, err := t.do(ctx, http.MethodGet, t.profile.TradesPath, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: query trades: %w", err)
	}
	rows, err := listFromBody(resp, "trades")
	if err != nil {
		return nil, fmt.Errorf("broker: trades response: %w", err)
	}
	out := make([]types.Trade, 0, len(rows))
	for _, row := range rows {
		tr := tradeFromMap(row)
		if tr.ID == "" {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SellableQuantity returns what T+1 settlement allows selling today,
// as reported by the gateway's position rows.
func (t *RESTTrader) SellableQuantity(ctx context.Context, code string) (int64, error) {
	if err := t.requireAuth(); err != nil {
		return 0, err
	}
	if _, err := t.fetchPositions(ctx); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sellable[code], nil
}

// SyncNow runs one background-sync cycle synchronously. Test seam; the
// worker calls the same path on its ticker.
func (t *RESTTrader) SyncNow(ctx context.Context) {
	t.syncOnce(ctx)
}

func (t *RESTTrader) requireAuth() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case stateAuthenticated:
		return nil
	case stateConnected:
		return ErrNotAuthenticated
	default:
		return ErrNotConnected
	}
}

// do performs one request against the gateway. GET requests run inside
// the throttle's retry budget; mutating requests are spaced by the
// throttle but sent exactly once, so a timeout can never double-submit
// an order. Non-2xx statuses are errors carrying the response body.
func (t *RESTTrader) do(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}

	attempt := func() ([]byte, error) {
		headers := make(map[string]string, 4)
		if t.signer != nil {
			signed, err := t.signer.Headers(method, path, query, raw)
			if err != nil {
				return nil, fmt.Errorf("sign request: %w", err)
			}
			for k, v := range signed {
				headers[k] = v
			}
		}
		t.mu.Lock()
		token := t.token
		t.mu.Unlock()
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}

		status, respBody, err := t.request(ctx, method, path, query, raw, headers)
		if err != nil {
			metrics.BrokerErrors.Inc()
			return nil, err
		}
		if status < 200 || status >= 300 {
			metrics.BrokerErrors.Inc()
			return nil, fmt.Errorf("%s %s: status %d: %s", method, path, status, truncateBody(respBody))
		}
		return respBody, nil
	}

	if method == http.MethodGet {
		var out []byte
		err := t.gate.Do(ctx, t.domain, func() error {
			var err error
			out, err = attempt()
			return err
		})
		return out, err
	}
	if err := t.gate.Wait(ctx, t.domain); err != nil {
		return nil, err
	}
	return attempt()
}

// httpRequest is the production transport, backed by resty.
func (t *RESTTrader) httpRequest(ctx context.Context, method, path string, query url.Values, body []byte, headers map[string]string) (int, []byte, error) {
	req := t.http.R().SetContext(ctx)
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), resp.Body(), nil
}

func (t *RESTTrader) startSync() {
	interval := t.cfg.APIPollInterval
	if interval <= 0 {
		interval = t.profile.DefaultPollInterval
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		cancel()
		return
	}
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.syncOnce(ctx)
			}
		}
	}()
	t.logger.Debug("sync worker started", "interval", interval)
}

func (t *RESTTrader) stopSync() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

// syncOnce refreshes orders, trades, positions and the account from the
// gateway and fires callbacks for what changed. Orders fire when their
// status or filled quantity moves; trades fire once per trade id;
// positions and the account fire every cycle. Query failures are
// reported through OnError and the cycle moves on.
func (t *RESTTrader) syncOnce(ctx context.Context) {
	t.mu.Lock()
	if t.state != stateAuthenticated {
		t.mu.Unlock()
		return
	}
	cb := t.cb
	t.mu.Unlock()

	if orders, err := t.QueryOrders(ctx, ""); err != nil {
		t.syncError(cb, fmt.Errorf("sync orders: %w", err))
	} else {
		var changed []types.Order
		t.mu.Lock()
		for _, o := range orders {
			prev, seen := t.orders[o.ID]
			if !seen || prev.Status != o.Status || prev.FilledQuantity != o.FilledQuantity {
				t.orders[o.ID] = o
				changed = append(changed, o)
			}
		}
		t.mu.Unlock()
		if cb.OnOrder != nil {
			for _, o := range changed {
				cb.OnOrder(o)
			}
		}
	}

	if trades, err := t.QueryTrades(ctx); err != nil {
		t.syncError(cb, fmt.Errorf("sync trades: %w", err))
	} else {
		var fresh []types.Trade
		t.mu.Lock()
		for _, tr := range trades {
			if _, seen := t.trades[tr.ID]; seen {
				continue
			}
			t.trades[tr.ID] = struct{}{}
			fresh = append(fresh, tr)
		}
		t.mu.Unlock()
		if cb.OnTrade != nil {
			for _, tr := range fresh {
				cb.OnTrade(tr)
			}
		}
	}

	if positions, err := t.fetchPositions(ctx); err != nil {
		t.syncError(cb, fmt.Errorf("sync positions: %w", err))
	} else if cb.OnPosition != nil {
		cb.OnPosition(positions)
	}

	if acct, err := t.QueryAccount(ctx); err != nil {
		t.syncError(cb, fmt.Errorf("sync account: %w", err))
	} else if cb.OnAccount != nil {
		cb.OnAccount(acct)
	}
}

func (t *RESTTrader) syncError(cb Callbacks, err error) {
	t.logger.Warn("sync cycle error", "error", err)
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

// serverAddr splits the gateway base URL into the host and port the
// login contract expects.
func (t *RESTTrader) serverAddr() (string, int) {
	u, err := url.Parse(t.http.BaseURL)
	if err != nil || u.Host == "" {
		return "", 0
	}
	port := 0
	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}
	return u.Hostname(), port
}

func maskAccount(account string) string {
	if len(account) <= 4 {
		return "****"
	}
	return account[:2] + strings.Repeat("*", len(account)-4) + account[len(account)-2:]
}

func truncateBody(body []byte) string {
	const max = 256
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
