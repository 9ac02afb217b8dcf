package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/models"
)

// BybitAdapter implements the Adapter contract against Bybit's v5 unified
// REST API and its public/private WebSocket streams. The HMAC-over-JSON
// signing scheme and the reconnect goroutine shape follow the same
// pattern as BinanceAdapter, adjusted for Bybit's header-based signature
// (X-BAPI-*) rather than Binance's query-string signature.
type BybitAdapter struct {
	httpClient *http.Client
	restURL    string
	wsURL      string
	limiter    *RateLimiter
	category   string // "spot" or "linear"
}

func NewBybitAdapter(limiter *RateLimiter, futures bool) *BybitAdapter {
	category := "spot"
	if futures {
		category = "linear"
	}
	return &BybitAdapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		restURL:    "https://api.bybit.com",
		wsURL:      "wss://stream.bybit.com/v5/private",
		limiter:    limiter,
		category:   category,
	}
}

func (a *BybitAdapter) Name() models.Exchange           { return models.ExchangeBybit }
func (a *BybitAdapter) Sequential() (bool, time.Duration) { return false, 0 }

func (a *BybitAdapter) signedRequest(ctx context.Context, creds Credentials, method, path string, body map[string]interface{}, endpointClass string) (*http.Response, error) {
	if err := a.limiter.Wait(ctx, a.Name(), endpointClass); err != nil {
		return nil, err
	}
	payload := "{}"
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.InternalBug, "marshal bybit request body", err)
		}
		payload = string(b)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	recvWindow := "5000"
	signPayload := ts + creds.APIKey + recvWindow + payload

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(signPayload))
	sig := hex.EncodeToString(mac.Sum(nil))

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, a.restURL+path, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, a.restURL+path, strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "build bybit request", err)
	}
	req.Header.Set("X-BAPI-API-KEY", creds.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", sig)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientExchange, "bybit request failed", err)
	}
	return resp, nil
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (a *BybitAdapter) CreateOrder(ctx context.Context, creds Credentials, req PlaceRequest) (PlaceResult, error) {
	body := map[string]interface{}{
		"category":  a.category,
		"symbol":    toBybitSymbol(req.Symbol),
		"side":      bybitSide(req.Side),
		"orderType": bybitOrderType(req.OrderType),
		"qty":       req.Quantity.String(),
	}
	if req.Price != nil {
		body["price"] = req.Price.String()
	}
	if req.StopPrice != nil {
		body["triggerPrice"] = req.StopPrice.String()
	}

	resp, err := a.signedRequest(ctx, creds, http.MethodPost, "/v5/order/create", body, "order")
	if err != nil {
		return PlaceResult{}, err
	}
	defer resp.Body.Close()

	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return PlaceResult{}, apperr.Wrap(apperr.InternalBug, "decode bybit create order response", err)
	}
	if env.RetCode != 0 {
		return PlaceResult{}, classifyBybitError(env.RetCode, env.RetMsg)
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	json.Unmarshal(env.Result, &result)
	return PlaceResult{ExchangeOrderID: result.OrderID}, nil
}

func (a *BybitAdapter) CancelOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) error {
	body := map[string]interface{}{
		"category": a.category,
		"symbol":   toBybitSymbol(symbol),
		"orderId":  exchangeOrderID,
	}
	resp, err := a.signedRequest(ctx, creds, http.MethodPost, "/v5/order/cancel", body, "order")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.Wrap(apperr.InternalBug, "decode bybit cancel order response", err)
	}
	if env.RetCode != 0 {
		return classifyBybitError(env.RetCode, env.RetMsg)
	}
	return nil
}

func (a *BybitAdapter) FetchOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) (OrderSnapshot, error) {
	path := fmt.Sprintf("/v5/order/realtime?category=%s&symbol=%s&orderId=%s", a.category, toBybitSymbol(symbol), exchangeOrderID)
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, path, nil, "account")
	if err != nil {
		return OrderSnapshot{}, err
	}
	defer resp.Body.Close()

	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return OrderSnapshot{}, apperr.Wrap(apperr.InternalBug, "decode bybit fetch order response", err)
	}
	if env.RetCode != 0 {
		return OrderSnapshot{}, classifyBybitError(env.RetCode, env.RetMsg)
	}
	var list struct {
		List []bybitOrderRow `json:"list"`
	}
	json.Unmarshal(env.Result, &list)
	if len(list.List) == 0 {
		return OrderSnapshot{}, apperr.New(apperr.NotFound, "bybit order not found")
	}
	return toSnapshot(list.List[0], symbol), nil
}

type bybitOrderRow struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
}

func toSnapshot(row bybitOrderRow, fallbackSymbol string) OrderSnapshot {
	filled, _ := decimal.NewFromString(row.CumExecQty)
	symbol := fallbackSymbol
	if row.Symbol != "" {
		symbol = fromBybitSymbol(row.Symbol)
	}
	return OrderSnapshot{
		ExchangeOrderID: row.OrderID,
		Symbol:          symbol,
		Status:          normalizeBybitStatus(row.OrderStatus),
		FilledQuantity:  filled,
	}
}

func (a *BybitAdapter) FetchOpenOrders(ctx context.Context, creds Credentials, symbol string) ([]OrderSnapshot, error) {
	path := fmt.Sprintf("/v5/order/realtime?category=%s", a.category)
	if symbol != "" {
		path += "&symbol=" + toBybitSymbol(symbol)
	}
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, path, nil, "account")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode bybit open orders response", err)
	}
	if env.RetCode != 0 {
		return nil, classifyBybitError(env.RetCode, env.RetMsg)
	}
	var list struct {
		List []bybitOrderRow `json:"list"`
	}
	json.Unmarshal(env.Result, &list)
	out := make([]OrderSnapshot, 0, len(list.List))
	for _, row := range list.List {
		out = append(out, toSnapshot(row, symbol))
	}
	return out, nil
}

func (a *BybitAdapter) FetchBalance(ctx context.Context, creds Credentials) ([]Balance, error) {
	path := "/v5/account/wallet-balance?accountType=UNIFIED"
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, path, nil, "account")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode bybit balance response", err)
	}
	if env.RetCode != 0 {
		return nil, classifyBybitError(env.RetCode, env.RetMsg)
	}
	var list struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				Locked          string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	json.Unmarshal(env.Result, &list)
	var out []Balance
	for _, acct := range list.List {
		for _, c := range acct.Coin {
			free, _ := decimal.NewFromString(c.WalletBalance)
			locked, _ := decimal.NewFromString(c.Locked)
			out = append(out, Balance{Asset: c.Coin, Free: free.Sub(locked), Locked: locked})
		}
	}
	return out, nil
}

func (a *BybitAdapter) FetchPositions(ctx context.Context, creds Credentials) ([]PositionSnapshot, error) {
	if a.category != "linear" {
		return nil, nil
	}
	path := fmt.Sprintf("/v5/position/list?category=%s&settleCoin=USDT", a.category)
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, path, nil, "account")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode bybit positions response", err)
	}
	if env.RetCode != 0 {
		return nil, classifyBybitError(env.RetCode, env.RetMsg)
	}
	var list struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Size      string `json:"size"`
			Side      string `json:"side"`
			EntryPrice string `json:"avgPrice"`
			MarkPrice string `json:"markPrice"`
		} `json:"list"`
	}
	json.Unmarshal(env.Result, &list)
	out := make([]PositionSnapshot, 0, len(list.List))
	for _, p := range list.List {
		qty, _ := decimal.NewFromString(p.Size)
		if qty.IsZero() {
			continue
		}
		if p.Side == "Sell" {
			qty = qty.Neg()
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		out = append(out, PositionSnapshot{
			Symbol:     fromBybitSymbol(p.Symbol),
			Quantity:   qty,
			EntryPrice: entry,
			MarkPrice:  mark,
		})
	}
	return out, nil
}

func (a *BybitAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := a.limiter.Wait(ctx, a.Name(), "market"); err != nil {
		return decimal.Zero, err
	}
	full := fmt.Sprintf("%s/v5/market/tickers?category=%s&symbol=%s", a.restURL, a.category, toBybitSymbol(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.InternalBug, "build bybit ticker request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.TransientExchange, "bybit ticker request failed", err)
	}
	defer resp.Body.Close()

	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return decimal.Zero, apperr.Wrap(apperr.InternalBug, "decode bybit ticker response", err)
	}
	var list struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	json.Unmarshal(env.Result, &list)
	if len(list.List) == 0 {
		return decimal.Zero, apperr.New(apperr.NotFound, "bybit ticker not found for "+symbol)
	}
	price, err := decimal.NewFromString(list.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.TransientExchange, "unparseable bybit ticker price", err)
	}
	return price, nil
}

// StreamUserEvents authenticates over Bybit's private WebSocket using the
// same HMAC scheme as REST, then subscribes to the order and execution
// topics. The reconnect loop mirrors BinanceAdapter.runUserStream.
func (a *BybitAdapter) StreamUserEvents(ctx context.Context, creds Credentials) (<-chan UserEvent, error) {
	out := make(chan UserEvent, 64)
	go a.runUserStream(ctx, creds, out)
	return out, nil
}

// Normalize parses one raw WS frame the same way pumpUserStream does. A
// single Bybit frame can batch several events (order + execution topics
// share a socket); Normalize surfaces only the first, since the
// interface's shape is one event in, one event out.
func (a *BybitAdapter) Normalize(raw []byte) (UserEvent, bool) {
	events := parseBybitUserEvents(raw)
	if len(events) == 0 {
		return UserEvent{}, false
	}
	return events[0], true
}

func (a *BybitAdapter) runUserStream(ctx context.Context, creds Credentials, out chan<- UserEvent) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(a.wsURL, nil)
		if err != nil {
			log.Warn().Err(err).Str("exchange", "bybit").Msg("user stream dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
				continue
			}
		}

		if err := a.authenticate(conn, creds); err != nil {
			log.Warn().Err(err).Msg("bybit ws auth failed, retrying")
			conn.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
				continue
			}
		}
		conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": []string{"order", "execution"}})

		a.pumpUserStream(ctx, conn, out)
		conn.Close()
	}
}

func (a *BybitAdapter) authenticate(conn *websocket.Conn, creds Credentials) error {
	expires := strconv.FormatInt(time.Now().Add(10*time.Second).UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte("GET/realtime" + expires))
	sig := hex.EncodeToString(mac.Sum(nil))
	return conn.WriteJSON(map[string]interface{}{
		"op":   "auth",
		"args": []string{creds.APIKey, expires, sig},
	})
}

func (a *BybitAdapter) pumpUserStream(ctx context.Context, conn *websocket.Conn, out chan<- UserEvent) {
	msgCh := make(chan []byte, 16)
	go func() {
		defer close(msgCh)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgCh <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			for _, event := range parseBybitUserEvents(msg) {
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (a *BybitAdapter) LoadMarkets(ctx context.Context) (map[string]SymbolRules, error) {
	if err := a.limiter.Wait(ctx, a.Name(), "market"); err != nil {
		return nil, err
	}
	full := fmt.Sprintf("%s/v5/market/instruments-info?category=%s", a.restURL, a.category)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "build bybit instruments request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientExchange, "bybit instruments request failed", err)
	}
	defer resp.Body.Close()

	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode bybit instruments response", err)
	}
	var list struct {
		List []struct {
			Symbol      string `json:"symbol"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				MinPrice string `json:"minPrice"`
				MaxPrice string `json:"maxPrice"`
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	json.Unmarshal(env.Result, &list)

	rules := make(map[string]SymbolRules, len(list.List))
	for _, s := range list.List {
		var r SymbolRules
		r.MinQty, _ = decimal.NewFromString(s.LotSizeFilter.MinOrderQty)
		r.MaxQty, _ = decimal.NewFromString(s.LotSizeFilter.MaxOrderQty)
		r.StepSize, _ = decimal.NewFromString(s.LotSizeFilter.QtyStep)
		r.MinPrice, _ = decimal.NewFromString(s.PriceFilter.MinPrice)
		r.MaxPrice, _ = decimal.NewFromString(s.PriceFilter.MaxPrice)
		r.TickSize, _ = decimal.NewFromString(s.PriceFilter.TickSize)
		rules[fromBybitSymbol(s.Symbol)] = r
	}
	return rules, nil
}

func toBybitSymbol(canonical string) string { return strings.ReplaceAll(canonical, "/", "") }
func fromBybitSymbol(raw string) string     { return raw }

func bybitSide(s models.Side) string {
	if s == models.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func bybitOrderType(t models.OrderType) string {
	switch t {
	case models.OrderMarket, models.OrderStopMarket:
		return "Market"
	default:
		return "Limit"
	}
}

func normalizeBybitStatus(raw string) models.OrderStatus {
	switch raw {
	case "New", "Untriggered":
		return models.StatusOpen
	case "PartiallyFilled":
		return models.StatusPartiallyFilled
	case "Filled":
		return models.StatusFilled
	case "Cancelled", "Deactivated":
		return models.StatusCancelled
	case "Rejected":
		return models.StatusRejected
	default:
		return models.StatusOpen
	}
}

func classifyBybitError(retCode int, msg string) error {
	switch retCode {
	case 10003, 10004, 10005:
		return apperr.New(apperr.AuthFailure, "bybit auth failed: "+msg)
	case 10006:
		return apperr.New(apperr.TransientExchange, "bybit rate limited: "+msg)
	case 110001, 20001:
		return apperr.New(apperr.NotFound, "bybit order not found: "+msg)
	default:
		return apperr.New(apperr.Rejected, "bybit rejected: "+msg)
	}
}

func parseBybitUserEvents(raw []byte) []UserEvent {
	var envelope struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	switch envelope.Topic {
	case "order":
		var rows []bybitOrderRow
		json.Unmarshal(envelope.Data, &rows)
		out := make([]UserEvent, 0, len(rows))
		for _, row := range rows {
			snapshot := toSnapshot(row, "")
			out = append(out, UserEvent{Order: &snapshot})
		}
		return out
	case "execution":
		var rows []struct {
			Symbol    string `json:"symbol"`
			OrderID   string `json:"orderId"`
			ExecID    string `json:"execId"`
			ExecPrice string `json:"execPrice"`
			ExecQty   string `json:"execQty"`
			ExecFee   string `json:"execFee"`
			IsMaker   bool   `json:"isMaker"`
		}
		json.Unmarshal(envelope.Data, &rows)
		out := make([]UserEvent, 0, len(rows))
		for _, r := range rows {
			price, _ := decimal.NewFromString(r.ExecPrice)
			qty, _ := decimal.NewFromString(r.ExecQty)
			fee, _ := decimal.NewFromString(r.ExecFee)
			out = append(out, UserEvent{Fill: &TradeFill{
				ExchangeTradeID: r.ExecID,
				ExchangeOrderID: r.OrderID,
				Symbol:          fromBybitSymbol(r.Symbol),
				Price:           price,
				Quantity:        qty,
				Commission:      fee,
				IsMaker:         r.IsMaker,
			}})
		}
		return out
	default:
		return nil
	}
}
