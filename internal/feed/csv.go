package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"quantdesk/pkg/types"
)

// CSVSource replays quote rows from a file, preserving the recorded
// inter-row intervals scaled by a speed multiplier. Rows become
// Snapshots in file order. With loop enabled the file restarts from the
// top when exhausted.
//
// The file needs a header row; column names are matched case-insensitively
// against common synonyms (code/symbol, time/date/timestamp,
// price/close/last, open, high, low, prev_close, volume, turnover).
type CSVSource struct {
	mu    sync.Mutex
	path  string
	speed float64
	loop  bool
	sink  Sink

	rows       []types.Snapshot
	subscribed map[string]bool
	connected  bool
	running    bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewCSVSource builds a replay source for path. speed <= 0 plays at
// recorded speed.
func NewCSVSource(path string, speed float64, loop bool, logger *slog.Logger) *CSVSource {
	if speed <= 0 {
		speed = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVSource{
		path:       path,
		speed:      speed,
		loop:       loop,
		sink:       nopSink{},
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "csv_source"),
	}
}

func (c *CSVSource) Name() string { return "csv" }

func (c *CSVSource) SetSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sink == nil {
		sink = nopSink{}
	}
	c.sink = sink
}

// Connect loads the file into memory. Called once; a second call
// reloads from disk.
func (c *CSVSource) Connect(ctx context.Context) error {
	rows, err := loadCSV(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = rows
	c.runCtx = ctx
	c.connected = true
	c.logger.Info("csv loaded", "path", c.path, "rows", len(rows))
	return nil
}

func (c *CSVSource) Disconnect() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.rows = nil
	return nil
}

// Subscribe narrows replay to the given codes. With no subscription at
// all, every row is replayed.
func (c *CSVSource) Subscribe(codes []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, code := range codes {
		if code != "" {
			c.subscribed[code] = true
		}
	}
	return nil
}

func (c *CSVSource) Unsubscribe(codes []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, code := range codes {
		delete(c.subscribed, code)
	}
	return nil
}

func (c *CSVSource) Start() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotRunning
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.ReplayOnce(ctx); err != nil {
				return
			}
			if !c.loop || ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

func (c *CSVSource) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	return nil
}

func (c *CSVSource) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ReplayOnce plays the file through a single time, synchronously.
// Deterministic given the file, so tests drive replay with it directly.
func (c *CSVSource) ReplayOnce(ctx context.Context) error {
	c.mu.Lock()
	rows := c.rows
	sink := c.sink
	speed := c.speed
	filter := make(map[string]bool, len(c.subscribed))
	for code := range c.subscribed {
		filter[code] = true
	}
	c.mu.Unlock()

	var prev time.Time
	for _, row := range rows {
		if len(filter) > 0 && !filter[row.Code] {
			continue
		}
		if !prev.IsZero() {
			if gap := row.Timestamp.Sub(prev); gap > 0 {
				if err := sleepCtx(ctx, time.Duration(float64(gap)/speed)); err != nil {
					return err
				}
			}
		}
		prev = row.Timestamp
		sink.OnSnapshot(row)
	}
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// File loading
// ---------------------------------------------------------------------------

var csvColumns = map[string][]string{
	"code":       {"code", "symbol", "stock_code", "ts_code"},
	"time":       {"time", "datetime", "timestamp", "date", "trade_date"},
	"price":      {"price", "close", "last", "last_price", "current"},
	"open":       {"open"},
	"high":       {"high"},
	"low":        {"low"},
	"prev_close": {"prev_close", "pre_close", "preclose"},
	"volume":     {"volume", "vol"},
	"turnover":   {"turnover", "amount"},
}

func loadCSV(path string) ([]types.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := mapColumns(header)
	if _, ok := idx["code"]; !ok {
		return nil, fmt.Errorf("csv %s: no code column", path)
	}
	if _, ok := idx["price"]; !ok {
		return nil, fmt.Errorf("csv %s: no price column", path)
	}

	var rows []types.Snapshot
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		snap, ok := snapshotFromRecord(record, idx)
		if ok {
			rows = append(rows, snap)
		}
	}
	return rows, nil
}

func mapColumns(header []string) map[string]int {
	idx := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF")))
		for field, synonyms := range csvColumns {
			if _, taken := idx[field]; taken {
				continue
			}
			for _, syn := range synonyms {
				if name == syn {
					idx[field] = i
					break
				}
			}
		}
	}
	return idx
}

func snapshotFromRecord(record []string, idx map[string]int) (types.Snapshot, bool) {
	cell := func(field string) string {
		i, ok := idx[field]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	num := func(field string) float64 {
		v, _ := strconv.ParseFloat(cell(field), 64)
		return v
	}

	code := cell("code")
	price, err := strconv.ParseFloat(cell("price"), 64)
	if code == "" || err != nil {
		return types.Snapshot{}, false
	}

	snap := types.Snapshot{
		Code:      code,
		Last:      price,
		Open:      num("open"),
		High:      num("high"),
		Low:       num("low"),
		PrevClose: num("prev_close"),
		Volume:    num("volume"),
		Turnover:  num("turnover"),
		Timestamp: parseRowTime(cell("time")),
	}
	if snap.Open == 0 {
		snap.Open = price
	}
	if snap.High == 0 {
		snap.High = price
	}
	if snap.Low == 0 {
		snap.Low = price
	}
	return snap, true
}

// parseRowTime accepts epoch seconds or millis and the usual date and
// datetime layouts. A blank or unparseable stamp yields the zero time,
// which replays with no delay.
func parseRowTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		switch {
		case n >= 1e12:
			return time.UnixMilli(n)
		case n >= 1e9:
			return time.Unix(n, 0)
		default:
			// Compact dates like 20230101 fall through to the layouts.
		}
	}
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		time.RFC3339,
		"2006-01-02",
		"2006/01/02 15:04:05",
		"20060102",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}
