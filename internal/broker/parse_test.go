package broker

import (
	"testing"
	"time"

	"quantdesk/pkg/types"
)

func TestAccountEnvelopeUnwrap(t *testing.T) {
	t.Parallel()
	bare := []byte(`{"cash": 50000, "frozen": 1000, "market_value": 49000, "total_value": 100000}`)
	wrapped := []byte(`{"code": 0, "message": "ok", "data": {"cash": 50000, "frozen": 1000, "market_value": 49000, "total_value": 100000}}`)

	m1, err := objectFromBody(bare)
	if err != nil {
		t.Fatalf("bare: %v", err)
	}
	m2, err := objectFromBody(wrapped)
	if err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	a1 := accountFromMap(m1)
	a2 := accountFromMap(m2)
	if a1 != a2 {
		t.Fatalf("envelope must be transparent:\n bare    %+v\n wrapped %+v", a1, a2)
	}
	if a1.Cash != 50000 || a1.TotalValue != 100000 {
		t.Fatalf("bad account: %+v", a1)
	}
}

func TestAccountTotalDerivedWhenMissing(t *testing.T) {
	t.Parallel()
	m, err := objectFromBody([]byte(`{"available": "80000", "position_value": 20000}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	a := accountFromMap(m)
	if a.Cash != 80000 {
		t.Errorf("cash from 'available' string = %v", a.Cash)
	}
	if a.TotalValue != 100000 {
		t.Errorf("total should be derived as cash+market_value, got %v", a.TotalValue)
	}
}

func TestOrderFromMapSynonyms(t *testing.T) {
	t.Parallel()
	m := map[string]interface{}{
		"entrust_no":     "E123",
		"stock_code":     "sz000001",
		"bs_flag":        "买入",
		"entrust_price":  "10.50",
		"volume":         float64(500),
		"price_type":     "limit",
		"entrust_status": "部撤",
		"dealt":          float64(200),
		"deal_price":     10.48,
		"entrust_time":   float64(1704072600000), // epoch millis
	}
	o := orderFromMap(m)
	if o.ID != "E123" || o.Code != "sz000001" {
		t.Fatalf("id/code: %+v", o)
	}
	if o.Side != types.BUY {
		t.Errorf("side %q from 买入", o.Side)
	}
	if o.Price != 10.5 || o.Quantity != 500 {
		t.Errorf("price/qty: %+v", o)
	}
	if o.Type != types.Limit {
		t.Errorf("type: %v", o.Type)
	}
	if o.Status != types.StatusCancelled {
		t.Errorf("部撤 should map to CANCELLED, got %v", o.Status)
	}
	if o.FilledQuantity != 200 || o.FilledPrice != 10.48 {
		t.Errorf("fills: %+v", o)
	}
	if want := time.UnixMilli(1704072600000); !o.CreatedAt.Equal(want) {
		t.Errorf("created_at %v, want %v", o.CreatedAt, want)
	}
}

func TestStatusVocabulary(t *testing.T) {
	t.Parallel()
	cases := map[string]types.OrderStatus{
		"wait":      types.StatusPending,
		"未报":        types.StatusPending,
		"all_dealt": types.StatusFilled,
		"已成":        types.StatusFilled,
		"withdrawn": types.StatusCancelled,
		"废单":        types.StatusRejected,
		"reported":  types.StatusSubmitted, // unknown live status stays live
		"":          types.StatusSubmitted,
	}
	for in, want := range cases {
		if got := statusFromAny(in); got != want {
			t.Errorf("statusFromAny(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSideVocabulary(t *testing.T) {
	t.Parallel()
	for in, want := range map[interface{}]types.Side{
		"buy":      types.BUY,
		"B":        types.BUY,
		float64(1): types.BUY,
		"卖出":       types.SELL,
		float64(2): types.SELL,
	} {
		if got := sideFromAny(in); got != want {
			t.Errorf("sideFromAny(%v) = %q, want %q", in, got, want)
		}
	}
	if got := sideFromAny("hold"); got != "" {
		t.Errorf("unknown side should be empty, got %q", got)
	}
}

func TestListFromBodyShapes(t *testing.T) {
	t.Parallel()
	shapes := map[string]string{
		"bare array":   `[{"order_id":"1"},{"order_id":"2"}]`,
		"keyed":        `{"orders":[{"order_id":"1"},{"order_id":"2"}]}`,
		"data array":   `{"data":[{"order_id":"1"},{"order_id":"2"}]}`,
		"data + keyed": `{"data":{"orders":[{"order_id":"1"},{"order_id":"2"}]}}`,
	}
	for name, body := range shapes {
		rows, err := listFromBody([]byte(body), "orders")
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if len(rows) != 2 {
			t.Errorf("%s: got %d rows, want 2", name, len(rows))
		}
	}

	rows, err := listFromBody([]byte(`{"message":"ok"}`), "orders")
	if err != nil || len(rows) != 0 {
		t.Errorf("missing array should yield empty list, got %v rows err=%v", len(rows), err)
	}
}

func TestTradeFromMapEpochSeconds(t *testing.T) {
	t.Parallel()
	tr := tradeFromMap(map[string]interface{}{
		"deal_no":     "T9",
		"order_id":    "O1",
		"code":        "sh600000",
		"side":        "sell",
		"trade_price": 12.34,
		"deal_volume": float64(300),
		"total_fee":   5.2,
		"deal_time":   float64(1704072600), // epoch seconds
	})
	if tr.ID != "T9" || tr.OrderID != "O1" || tr.Side != types.SELL {
		t.Fatalf("bad trade: %+v", tr)
	}
	if tr.Price != 12.34 || tr.Quantity != 300 || tr.Commission != 5.2 {
		t.Fatalf("bad amounts: %+v", tr)
	}
	if want := time.Unix(1704072600, 0); !tr.Timestamp.Equal(want) {
		t.Fatalf("timestamp %v, want %v", tr.Timestamp, want)
	}
}

func TestPositionAndSellable(t *testing.T) {
	t.Parallel()
	row := map[string]interface{}{
		"stock_code": "sz000001",
		"volume":     float64(1200),
		"cost_price": 9.8,
		"last_price": 10.1,
		"can_sell":   float64(700),
	}
	p := positionFromMap(row)
	if p.Code != "sz000001" || p.Quantity != 1200 || p.AvgCost != 9.8 || p.CurrentPrice != 10.1 {
		t.Fatalf("bad position: %+v", p)
	}
	if got := sellableFromMap(row, p.Quantity); got != 700 {
		t.Fatalf("sellable = %d, want 700", got)
	}
	delete(row, "can_sell")
	if got := sellableFromMap(row, p.Quantity); got != 1200 {
		t.Fatalf("sellable should fall back to quantity, got %d", got)
	}
}

func TestWireTimeStrings(t *testing.T) {
	t.Parallel()
	for _, s := range []string{
		"2024-01-01T09:30:00",
		"2024-01-01 09:30:00",
		"2024/01/01 09:30:00",
	} {
		ts, ok := asTime(s)
		if !ok {
			t.Errorf("asTime(%q) failed", s)
			continue
		}
		want := time.Date(2024, 1, 1, 9, 30, 0, 0, time.Local)
		if !ts.Equal(want) {
			t.Errorf("asTime(%q) = %v, want %v", s, ts, want)
		}
	}
	if ts, ok := asTime("20240101"); !ok || ts.Year() != 2024 || ts.Month() != 1 {
		t.Errorf("compact date parse failed: %v %v", ts, ok)
	}
}
