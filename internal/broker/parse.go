package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quantdesk/pkg/types"
)

// Gateway responses vary in both envelope and field naming. The parsers
// here are total: unknown shapes yield zero values, never errors, so a
// partially broken upstream degrades to empty query results (§ error
// policy: transport and parse failures must not crash the session).

// objectFromBody decodes a JSON object and applies the data-envelope
// rule: {data: X, siblings...} yields X merged over the siblings when X
// is an object. Other shapes of "data" are left in place.
func objectFromBody(body []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return unwrapData(m), nil
}

func unwrapData(m map[string]interface{}) map[string]interface{} {
	inner, ok := m["data"].(map[string]interface{})
	if !ok {
		return m
	}
	merged := make(map[string]interface{}, len(m)+len(inner))
	for k, v := range m {
		if k != "data" {
			merged[k] = v
		}
	}
	for k, v := range inner {
		merged[k] = v
	}
	return merged
}

// listFromBody extracts the array of objects under key, tolerating a
// bare array, {key: [...]}, {data: [...]} and {data: {key: [...]}}.
// A response without the array yields an empty list.
func listFromBody(body []byte, key string) ([]map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []map[string]interface{}
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return arr, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if arr := arrayField(m, key); arr != nil {
		return arr, nil
	}
	if inner, ok := m["data"].(map[string]interface{}); ok {
		if arr := arrayField(inner, key); arr != nil {
			return arr, nil
		}
	}
	if arr := arrayField(m, "data"); arr != nil {
		return arr, nil
	}
	return nil, nil
}

func arrayField(m map[string]interface{}, key string) []map[string]interface{} {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if obj, ok := item.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out
}

// orderObject peels the {order: {...}} wrapper some gateways put around
// a single order; flat objects pass through.
func orderObject(m map[string]interface{}) map[string]interface{} {
	if inner, ok := m["order"].(map[string]interface{}); ok {
		return inner
	}
	return m
}

func tokenFromMap(m map[string]interface{}) string {
	return pickString(m, "token", "access_token")
}

func orderFromMap(m map[string]interface{}) types.Order {
	qty, _ := pickInt(m, "quantity", "volume", "qty")
	filled, _ := pickInt(m, "filled_quantity", "filled_qty", "filled", "dealt", "dealt_quantity")
	price, _ := pickFloat(m, "price", "order_price", "entrust_price")
	fillPrice, _ := pickFloat(m, "filled_price", "avg_fill_price", "deal_price", "dealt_price", "avg_price")
	return types.Order{
		ID:             pickString(m, "order_id", "id", "orderId", "entrust_no"),
		Code:           pickString(m, "code", "stock_code", "symbol"),
		Side:           sideFromAny(firstPresent(m, "side", "direction", "bs_flag", "trade_side")),
		Price:          price,
		Quantity:       qty,
		Type:           orderTypeFromAny(firstPresent(m, "order_type", "type", "price_type")),
		Status:         statusFromAny(firstPresent(m, "status", "order_status", "entrust_status")),
		FilledQuantity: filled,
		FilledPrice:    fillPrice,
		Message:        pickString(m, "message", "msg", "memo", "reason"),
		CreatedAt:      pickTime(m, "created_at", "create_time", "insert_time", "order_time", "entrust_time"),
		UpdatedAt:      pickTime(m, "updated_at", "update_time"),
	}
}

func tradeFromMap(m map[string]interface{}) types.Trade {
	qty, _ := pickInt(m, "quantity", "volume", "qty", "deal_volume")
	price, _ := pickFloat(m, "price", "deal_price", "trade_price")
	fee, _ := pickFloat(m, "commission", "fee", "total_fee")
	return types.Trade{
		ID:         pickString(m, "trade_id", "id", "deal_no"),
		OrderID:    pickString(m, "order_id", "orderId", "entrust_no"),
		Code:       pickString(m, "code", "stock_code", "symbol"),
		Side:       sideFromAny(firstPresent(m, "side", "direction", "bs_flag", "trade_side")),
		Price:      price,
		Quantity:   qty,
		Commission: fee,
		Timestamp:  pickTime(m, "timestamp", "trade_time", "deal_time", "time", "created_at"),
	}
}

func positionFromMap(m map[string]interface{}) types.Position {
	qty, _ := pickInt(m, "quantity", "volume", "qty")
	cost, _ := pickFloat(m, "avg_cost", "cost_price", "avg_price", "cost")
	last, _ := pickFloat(m, "current_price", "price", "last_price", "market_price", "last")
	return types.Position{
		Code:         pickString(m, "code", "stock_code", "symbol"),
		Quantity:     qty,
		AvgCost:      cost,
		CurrentPrice: last,
	}
}

// sellableFromMap reads the venue-reported sellable quantity, falling
// back to the full position quantity when the venue omits it.
func sellableFromMap(m map[string]interface{}, qty int64) int64 {
	if v, ok := pickFloat(m, "sellable", "available", "available_quantity", "can_sell"); ok {
		return int64(v)
	}
	return qty
}

func accountFromMap(m map[string]interface{}) types.AccountInfo {
	cash, _ := pickFloat(m, "cash", "available", "available_cash", "balance")
	frozen, _ := pickFloat(m, "frozen", "frozen_cash", "frozen_amount")
	mv, _ := pickFloat(m, "market_value", "position_value")
	total, _ := pickFloat(m, "total_value", "total_assets", "total")
	profit, _ := pickFloat(m, "profit", "pnl", "float_profit")
	profitPct, _ := pickFloat(m, "profit_pct", "pnl_pct", "profit_ratio")
	if total == 0 {
		total = cash + mv
	}
	return types.AccountInfo{
		AccountID:   pickString(m, "account_id", "id", "account", "fund_account"),
		Cash:        cash,
		Frozen:      frozen,
		MarketValue: mv,
		TotalValue:  total,
		Profit:      profit,
		ProfitPct:   profitPct,
	}
}

func sideFromAny(v interface{}) types.Side {
	switch s := strings.ToLower(strings.TrimSpace(asText(v))); s {
	case "buy", "b", "1", "买入":
		return types.BUY
	case "sell", "s", "2", "卖出":
		return types.SELL
	}
	return ""
}

func orderTypeFromAny(v interface{}) types.OrderType {
	s := strings.ToLower(asText(v))
	if strings.Contains(s, "market") || s == "mkt" {
		return types.Market
	}
	return types.Limit
}

// statusFromAny maps the gateway's status vocabulary onto the five
// canonical states. Unknown or missing statuses are treated as live
// (SUBMITTED) so the sync loop keeps watching them.
func statusFromAny(v interface{}) types.OrderStatus {
	s := strings.ToLower(strings.TrimSpace(asText(v)))
	switch s {
	case "pending", "created", "wait", "waiting", "unreported", "未报", "待报":
		return types.StatusPending
	case "filled", "done", "dealt", "all_dealt", "executed", "complete", "completed", "traded", "all_traded", "已成":
		return types.StatusFilled
	case "cancelled", "canceled", "cancel", "withdrawn", "revoked", "已撤", "部撤":
		return types.StatusCancelled
	case "rejected", "reject", "failed", "fail", "denied", "invalid", "error", "废单":
		return types.StatusRejected
	}
	return types.StatusSubmitted
}

// ---------------------------------------------------------------------------
// Loose value coercion
// ---------------------------------------------------------------------------

func firstPresent(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func pickString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := asText(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func pickFloat(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := asFloat(m[k]); ok {
			return f, true
		}
	}
	return 0, false
}

func pickInt(m map[string]interface{}, keys ...string) (int64, bool) {
	f, ok := pickFloat(m, keys...)
	return int64(f), ok
}

func pickTime(m map[string]interface{}, keys ...string) time.Time {
	for _, k := range keys {
		if t, ok := asTime(m[k]); ok {
			return t
		}
	}
	return time.Time{}
}

func asText(v interface{}) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

var wireTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"20060102",
}

// asTime accepts epoch seconds, epoch millis, and the datetime string
// forms A-share gateways emit.
func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return epochToTime(t), true
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return epochToTime(f), true
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range wireTimeLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return ts, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(f), true
		}
	}
	return time.Time{}, false
}

// epochToTime treats values above 1e11 as milliseconds.
func epochToTime(f float64) time.Time {
	if f > 1e11 {
		return time.UnixMilli(int64(f))
	}
	return time.Unix(int64(f), 0)
}
