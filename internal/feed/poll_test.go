package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"quantdesk/pkg/types"
)

func TestAkshareSourcePollsAndCaches(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/quotes" {
			t.Errorf("path = %s, want /quotes", r.URL.Path)
		}
		if got := r.URL.Query().Get("codes"); got != "sh600000,sz000001" {
			t.Errorf("codes param = %q, want sorted joined codes", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"code": 0,
			"message": "ok",
			"data": [
				{"code": "600000", "name": "PFYH", "price": 12.34, "open": 12.0, "high": 12.5, "low": 11.9, "pre_close": 12.1, "volume": "1,200,000", "amount": 14700000, "time": 1672707000},
				{"symbol": "sz000001", "last": 9.87, "prev_close": 9.9}
			]
		}`))
	}))
	defer srv.Close()

	src := NewAkshareSource(srv.URL, time.Hour, testLogger())
	rec := &sinkRecorder{}
	src.SetSink(rec)
	if err := src.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := src.Subscribe([]string{"sz000001", "sh600000"}); err != nil {
		t.Fatal(err)
	}

	src.PollNow(context.Background())

	snaps := rec.snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	first := snaps[0]
	if first.Code != "sh600000" {
		t.Errorf("code = %q, want normalized sh600000", first.Code)
	}
	if first.Last != 12.34 || first.PrevClose != 12.1 {
		t.Errorf("parsed quote = %+v", first)
	}
	if first.Volume != 1200000 {
		t.Errorf("volume = %v, want 1200000 from thousands-separated string", first.Volume)
	}
	if first.Timestamp.IsZero() {
		t.Error("epoch time field not parsed")
	}
	if snaps[1].Code != "sz000001" || snaps[1].Last != 9.87 {
		t.Errorf("second quote = %+v", snaps[1])
	}

	// A second poll inside the TTL must not reach the upstream.
	src.PollNow(context.Background())
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1 (TTL cache)", got)
	}
}

func TestAkshareUpstreamErrorReported(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code": 500, "message": "rate limited", "data": {}}`))
	}))
	defer srv.Close()

	src := NewAkshareSource(srv.URL, time.Hour, testLogger())
	rec := &sinkRecorder{}
	src.SetSink(rec)
	src.Connect(context.Background())
	src.Subscribe([]string{"sh600000"})

	src.PollNow(context.Background())

	if len(rec.snapshots()) != 0 {
		t.Error("error response produced snapshots")
	}
	if len(rec.errors()) == 0 {
		t.Error("upstream error not reported to the sink")
	}
}

func TestPollNowWithoutSubscriptionIsNoop(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	src := NewAkshareSource(srv.URL, time.Hour, testLogger())
	src.Connect(context.Background())
	src.PollNow(context.Background())
	if hits.Load() != 0 {
		t.Error("poll with no subscription hit the upstream")
	}
}

func newTestTushare(t *testing.T, srvURL string) (*tushareClient, *PollSource) {
	t.Helper()
	c := &tushareClient{
		http: resty.New().
			SetBaseURL(srvURL).
			SetTimeout(5 * time.Second).
			SetHeader("Content-Type", "application/json"),
		token:    "test-token",
		lastSent: make(map[string]time.Time),
		nowFn:    func() time.Time { return time.Date(2023, 8, 11, 15, 0, 0, 0, time.Local) },
	}
	return c, newPollSource("tushare", time.Hour, c.fetch, testLogger())
}

func TestTushareDailyBars(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tushareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.APIName != "daily" || req.Token != "test-token" {
			t.Errorf("request = %+v, want daily with token", req)
		}
		if req.Params["ts_code"] != "000001.SZ" {
			t.Errorf("ts_code = %q, want 000001.SZ", req.Params["ts_code"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"code": 0,
			"msg": null,
			"data": {
				"fields": ["ts_code", "trade_date", "open", "high", "low", "close", "pre_close", "vol", "amount"],
				"items": [
					["000001.SZ", "20230811", 11.5, 11.8, 11.4, 11.7, 11.5, 800000, 9300000],
					["000001.SZ", "20230810", 11.3, 11.6, 11.2, 11.5, 11.3, 750000, 8600000]
				]
			}
		}`))
	}))
	defer srv.Close()

	client, src := newTestTushare(t, srv.URL)
	rec := &sinkRecorder{}
	src.SetSink(rec)
	src.Connect(context.Background())
	src.Subscribe([]string{"sz000001"})

	src.PollNow(context.Background())

	rec.mu.Lock()
	bars := append([]types.Bar(nil), rec.bars...)
	snaps := append([]types.Snapshot(nil), rec.snaps...)
	rec.mu.Unlock()

	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	if !bars[0].Timestamp.Before(bars[1].Timestamp) {
		t.Error("bars not sorted oldest first")
	}
	if bars[0].Code != "sz000001" || bars[0].Close != 11.5 {
		t.Errorf("oldest bar = %+v, want 20230810 close 11.5", bars[0])
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1 derived from the newest bar", len(snaps))
	}
	if snaps[0].Last != 11.7 || snaps[0].PrevClose != 11.5 {
		t.Errorf("derived snapshot = %+v, want last 11.7 prev 11.5", snaps[0])
	}

	// The same daily rows must not be emitted twice.
	more, _, err := client.fetch(context.Background(), []string{"sz000001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(more) != 0 {
		t.Errorf("refetch emitted %d snapshots, want 0 after dedup", len(more))
	}
}
