package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"quantdesk/internal/cache"
	"quantdesk/internal/symbol"
	"quantdesk/internal/throttle"
	"quantdesk/pkg/types"
)

// DefaultPollInterval is the quote poll period when the config leaves
// http_data_interval unset.
const DefaultPollInterval = 3 * time.Second

// fetchFunc pulls quotes for the given codes. Codes arrive normalized
// ("sh600000" form); the profile converts as its upstream requires.
type fetchFunc func(ctx context.Context, codes []string) ([]types.Snapshot, []types.Bar, error)

// fetchResult is what one upstream round-trip produced.
type fetchResult struct {
	snaps []types.Snapshot
	bars  []types.Bar
}

// PollSource drives a fetch profile on a fixed period. A TTL cache
// suppresses refetching inside the period and singleflight coalesces
// concurrent polls, so the upstream sees at most one request per
// interval regardless of how many callers ask.
type PollSource struct {
	name     string
	interval time.Duration
	fetch    fetchFunc

	mu         sync.Mutex
	sink       Sink
	subscribed map[string]bool
	connected  bool
	running    bool

	cache *cache.Cache
	gate  *throttle.Throttle
	sf    singleflight.Group

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

func newPollSource(name string, interval time.Duration, fetch fetchFunc, logger *slog.Logger) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollSource{
		name:       name,
		interval:   interval,
		fetch:      fetch,
		sink:       nopSink{},
		subscribed: make(map[string]bool),
		cache:      cache.New(),
		gate:       throttle.New(0, throttle.DefaultRetries),
		logger:     logger.With("component", name+"_source"),
	}
}

// NewAkshareSource polls an akshare/aktools-style bridge:
// GET {baseURL}/quotes?codes=sh600000,sz000001 returning a data
// envelope around an array of quote objects.
func NewAkshareSource(baseURL string, interval time.Duration, logger *slog.Logger) *PollSource {
	c := &akshareClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(5 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
	return newPollSource("akshare", interval, c.fetch, logger)
}

// NewTushareSource polls the tushare pro endpoint for daily bars and
// derives a snapshot from the newest bar per code.
func NewTushareSource(token string, interval time.Duration, logger *slog.Logger) *PollSource {
	c := &tushareClient{
		http: resty.New().
			SetBaseURL("https://api.tushare.pro").
			SetTimeout(5 * time.Second).
			SetHeader("Content-Type", "application/json"),
		token:    token,
		lastSent: make(map[string]time.Time),
		nowFn:    time.Now,
	}
	return newPollSource("tushare", interval, c.fetch, logger)
}

func (p *PollSource) Name() string { return p.name }

func (p *PollSource) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sink == nil {
		sink = nopSink{}
	}
	p.sink = sink
}

func (p *PollSource) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runCtx = ctx
	p.connected = true
	return nil
}

func (p *PollSource) Disconnect() error {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *PollSource) Subscribe(codes []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, code := range codes {
		if code != "" {
			p.subscribed[code] = true
		}
	}
	return nil
}

func (p *PollSource) Unsubscribe(codes []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, code := range codes {
		delete(p.subscribed, code)
	}
	return nil
}

func (p *PollSource) Start() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if p.running {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(p.runCtx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

func (p *PollSource) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	return nil
}

func (p *PollSource) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PollSource) loop(ctx context.Context) {
	defer p.wg.Done()
	// First poll right away so strategies are not blind for a full
	// interval after start.
	p.PollNow(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollNow(ctx)
		}
	}
}

// PollNow fetches quotes for the current subscription immediately,
// honoring the TTL cache. Transient errors are reported to the sink and
// swallowed; the next tick retries.
func (p *PollSource) PollNow(ctx context.Context) {
	p.mu.Lock()
	codes := make([]string, 0, len(p.subscribed))
	for code := range p.subscribed {
		codes = append(codes, code)
	}
	sink := p.sink
	p.mu.Unlock()
	if len(codes) == 0 {
		return
	}
	sort.Strings(codes)
	key := strings.Join(codes, ",")

	if _, fresh := p.cache.Get(key); fresh {
		return
	}
	v, err, _ := p.sf.Do(key, func() (interface{}, error) {
		var res fetchResult
		err := p.gate.Do(ctx, p.name, func() error {
			snaps, bars, ferr := p.fetch(ctx, codes)
			if ferr != nil {
				return ferr
			}
			res = fetchResult{snaps: snaps, bars: bars}
			return nil
		})
		if err != nil {
			return nil, err
		}
		p.cache.Set(key, res, p.interval)
		return res, nil
	})
	if err != nil {
		if ctx.Err() == nil {
			sink.OnSourceError(p.name, err)
		}
		return
	}

	res := v.(fetchResult)
	for _, bar := range res.bars {
		sink.OnBar(DefaultPeriod, bar)
	}
	for _, snap := range res.snaps {
		sink.OnSnapshot(snap)
	}
}

// ---------------------------------------------------------------------------
// akshare bridge profile
// ---------------------------------------------------------------------------

// envelope is the common REST wrapper: {"code":0,"message":...,"data":...}.
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type akshareClient struct {
	http *resty.Client
}

func (a *akshareClient) fetch(ctx context.Context, codes []string) ([]types.Snapshot, []types.Bar, error) {
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("codes", strings.Join(codes, ",")).
		Get("/quotes")
	if err != nil {
		return nil, nil, fmt.Errorf("akshare quotes: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, nil, fmt.Errorf("akshare quotes: status %d: %s", resp.StatusCode(), resp.String())
	}

	body := resp.Body()
	var env envelope
	raw := body
	if err := json.Unmarshal(body, &env); err == nil && env.Data != nil {
		if env.Code != nil && *env.Code != 0 {
			return nil, nil, fmt.Errorf("akshare quotes: upstream code %d: %s", *env.Code, env.Message)
		}
		raw = env.Data
	}

	var items []map[string]interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		// A single-quote response may be a bare object.
		var one map[string]interface{}
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			return nil, nil, fmt.Errorf("akshare quotes: decode: %w", err)
		}
		items = append(items, one)
	}

	snaps := make([]types.Snapshot, 0, len(items))
	for _, item := range items {
		if snap, ok := snapshotFromMap(item); ok {
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil, nil
}

// ---------------------------------------------------------------------------
// tushare profile
// ---------------------------------------------------------------------------

type tushareClient struct {
	http  *resty.Client
	token string
	nowFn func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time // newest bar date already emitted per code
}

type tushareRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

const tushareFields = "ts_code,trade_date,open,high,low,close,pre_close,vol,amount"

func (t *tushareClient) fetch(ctx context.Context, codes []string) ([]types.Snapshot, []types.Bar, error) {
	tsCodes := make([]string, 0, len(codes))
	for _, code := range codes {
		if tc := symbol.Tushare(code); tc != "" {
			tsCodes = append(tsCodes, tc)
		}
	}
	if len(tsCodes) == 0 {
		return nil, nil, nil
	}

	now := t.nowFn()
	req := tushareRequest{
		APIName: "daily",
		Token:   t.token,
		Params: map[string]string{
			"ts_code":    strings.Join(tsCodes, ","),
			"start_date": now.AddDate(0, 0, -30).Format("20060102"),
			"end_date":   now.Format("20060102"),
		},
		Fields: tushareFields,
	}

	var result tushareResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/")
	if err != nil {
		return nil, nil, fmt.Errorf("tushare daily: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, nil, fmt.Errorf("tushare daily: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Code != 0 {
		return nil, nil, fmt.Errorf("tushare daily: upstream code %d: %s", result.Code, result.Msg)
	}

	col := make(map[string]int, len(result.Data.Fields))
	for i, f := range result.Data.Fields {
		col[f] = i
	}

	type dailyRow struct {
		bar       types.Bar
		prevClose float64
	}
	rows := make([]dailyRow, 0, len(result.Data.Items))
	for _, item := range result.Data.Items {
		cellF := func(field string) float64 {
			i, ok := col[field]
			if !ok || i >= len(item) {
				return 0
			}
			v, _ := anyToFloat(item[i])
			return v
		}
		cellS := func(field string) string {
			i, ok := col[field]
			if !ok || i >= len(item) {
				return ""
			}
			s, _ := item[i].(string)
			return s
		}

		code := symbol.Normalize(cellS("ts_code"))
		date, err := time.ParseInLocation("20060102", cellS("trade_date"), time.Local)
		if code == "" || err != nil {
			continue
		}
		rows = append(rows, dailyRow{
			bar: types.Bar{
				Code:      code,
				Timestamp: date,
				Open:      cellF("open"),
				High:      cellF("high"),
				Low:       cellF("low"),
				Close:     cellF("close"),
				Volume:    cellF("vol"),
				Turnover:  cellF("amount"),
			},
			prevClose: cellF("pre_close"),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].bar.Timestamp.Before(rows[j].bar.Timestamp) })

	// Daily data repeats poll after poll; emit each bar once.
	t.mu.Lock()
	var bars []types.Bar
	latest := make(map[string]dailyRow)
	for _, row := range rows {
		if !row.bar.Timestamp.After(t.lastSent[row.bar.Code]) {
			continue
		}
		t.lastSent[row.bar.Code] = row.bar.Timestamp
		bars = append(bars, row.bar)
		latest[row.bar.Code] = row
	}
	t.mu.Unlock()

	snaps := make([]types.Snapshot, 0, len(latest))
	for _, row := range latest {
		snaps = append(snaps, types.Snapshot{
			Code:      row.bar.Code,
			Last:      row.bar.Close,
			Open:      row.bar.Open,
			High:      row.bar.High,
			Low:       row.bar.Low,
			PrevClose: row.prevClose,
			Volume:    row.bar.Volume,
			Turnover:  row.bar.Turnover,
			Timestamp: row.bar.Timestamp,
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Code < snaps[j].Code })
	return snaps, bars, nil
}
