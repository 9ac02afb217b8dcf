package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/models"
)

// BinanceAdapter talks to Binance spot and USDT-margined futures REST and
// user-data-stream APIs. It is grounded on the teacher's
// internal/binance.Client WebSocket-reconnect shape, rebuilt here as a
// signed-REST + listen-key adapter instead of a public market-data feed.
type BinanceAdapter struct {
	httpClient *http.Client
	restURL    string
	wsBaseURL  string
	limiter    *RateLimiter
	futures    bool
}

func NewBinanceAdapter(limiter *RateLimiter, futures bool) *BinanceAdapter {
	restURL := "https://api.binance.com"
	wsURL := "wss://stream.binance.com:9443/ws"
	if futures {
		restURL = "https://fapi.binance.com"
		wsURL = "wss://fstream.binance.com/ws"
	}
	return &BinanceAdapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		restURL:    restURL,
		wsBaseURL:  wsURL,
		limiter:    limiter,
		futures:    futures,
	}
}

func (a *BinanceAdapter) Name() models.Exchange { return models.ExchangeBinance }

func (a *BinanceAdapter) Sequential() (bool, time.Duration) { return false, 0 }

func (a *BinanceAdapter) sign(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *BinanceAdapter) signedRequest(ctx context.Context, creds Credentials, method, path string, params url.Values, endpointClass string) (*http.Response, error) {
	if err := a.limiter.Wait(ctx, a.Name(), endpointClass); err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	sig := a.sign(creds.APISecret, query)
	full := a.restURL + path + "?" + query + "&signature=" + sig

	req, err := http.NewRequestWithContext(ctx, method, full, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "build binance request", err)
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientExchange, "binance request failed", err)
	}
	return resp, nil
}

func (a *BinanceAdapter) CreateOrder(ctx context.Context, creds Credentials, req PlaceRequest) (PlaceResult, error) {
	params := url.Values{}
	params.Set("symbol", toBinanceSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", binanceOrderType(req.OrderType))
	params.Set("quantity", req.Quantity.String())
	if req.Price != nil {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.StopPrice != nil {
		params.Set("stopPrice", req.StopPrice.String())
	}

	path := "/api/v3/order"
	if a.futures {
		path = "/fapi/v1/order"
	}
	resp, err := a.signedRequest(ctx, creds, http.MethodPost, path, params, "order")
	if err != nil {
		return PlaceResult{}, err
	}
	defer resp.Body.Close()

	var out struct {
		OrderID int64  `json:"orderId"`
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlaceResult{}, apperr.Wrap(apperr.InternalBug, "decode binance create order response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return PlaceResult{}, classifyBinanceError(resp.StatusCode, out.Code, out.Msg)
	}
	return PlaceResult{ExchangeOrderID: strconv.FormatInt(out.OrderID, 10)}, nil
}

func (a *BinanceAdapter) CancelOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", toBinanceSymbol(symbol))
	params.Set("orderId", exchangeOrderID)

	path := "/api/v3/order"
	if a.futures {
		path = "/fapi/v1/order"
	}
	resp, err := a.signedRequest(ctx, creds, http.MethodDelete, path, params, "order")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return classifyBinanceError(resp.StatusCode, out.Code, out.Msg)
}

func (a *BinanceAdapter) FetchOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) (OrderSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", toBinanceSymbol(symbol))
	params.Set("orderId", exchangeOrderID)

	path := "/api/v3/order"
	if a.futures {
		path = "/fapi/v1/order"
	}
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, path, params, "account")
	if err != nil {
		return OrderSnapshot{}, err
	}
	defer resp.Body.Close()

	var out struct {
		OrderID        int64  `json:"orderId"`
		Status         string `json:"status"`
		ExecutedQty    string `json:"executedQty"`
		Symbol         string `json:"symbol"`
		Code           int    `json:"code"`
		Msg            string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return OrderSnapshot{}, apperr.Wrap(apperr.InternalBug, "decode binance fetch order response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return OrderSnapshot{}, classifyBinanceError(resp.StatusCode, out.Code, out.Msg)
	}
	filled, _ := decimal.NewFromString(out.ExecutedQty)
	return OrderSnapshot{
		ExchangeOrderID: strconv.FormatInt(out.OrderID, 10),
		Symbol:          symbol,
		Status:          normalizeBinanceStatus(out.Status),
		FilledQuantity:  filled,
	}, nil
}

func (a *BinanceAdapter) FetchOpenOrders(ctx context.Context, creds Credentials, symbol string) ([]OrderSnapshot, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", toBinanceSymbol(symbol))
	}
	path := "/api/v3/openOrders"
	if a.futures {
		path = "/fapi/v1/openOrders"
	}
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, path, params, "account")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode binance open orders response", err)
	}
	out := make([]OrderSnapshot, 0, len(raw))
	for _, o := range raw {
		filled, _ := decimal.NewFromString(o.ExecutedQty)
		out = append(out, OrderSnapshot{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:          fromBinanceSymbol(o.Symbol),
			Status:          normalizeBinanceStatus(o.Status),
			FilledQuantity:  filled,
		})
	}
	return out, nil
}

func (a *BinanceAdapter) FetchBalance(ctx context.Context, creds Credentials) ([]Balance, error) {
	path := "/api/v3/account"
	if a.futures {
		path = "/fapi/v2/account"
	}
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, path, nil, "account")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode binance balance response", err)
	}
	result := make([]Balance, 0, len(out.Balances))
	for _, b := range out.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		result = append(result, Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return result, nil
}

func (a *BinanceAdapter) FetchPositions(ctx context.Context, creds Credentials) ([]PositionSnapshot, error) {
	if !a.futures {
		return nil, nil
	}
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, "/fapi/v2/positionRisk", nil, "account")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []struct {
		Symbol       string `json:"symbol"`
		PositionAmt  string `json:"positionAmt"`
		EntryPrice   string `json:"entryPrice"`
		MarkPrice    string `json:"markPrice"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode binance positions response", err)
	}
	out := make([]PositionSnapshot, 0, len(raw))
	for _, p := range raw {
		qty, _ := decimal.NewFromString(p.PositionAmt)
		if qty.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		out = append(out, PositionSnapshot{
			Symbol:     fromBinanceSymbol(p.Symbol),
			Quantity:   qty,
			EntryPrice: entry,
			MarkPrice:  mark,
		})
	}
	return out, nil
}

func (a *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := a.limiter.Wait(ctx, a.Name(), "market"); err != nil {
		return decimal.Zero, err
	}
	path := "/api/v3/ticker/price"
	if a.futures {
		path = "/fapi/v1/ticker/price"
	}
	full := fmt.Sprintf("%s%s?symbol=%s", a.restURL, path, toBinanceSymbol(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.InternalBug, "build binance ticker request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.TransientExchange, "binance ticker request failed", err)
	}
	defer resp.Body.Close()

	var out struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, apperr.Wrap(apperr.InternalBug, "decode binance ticker response", err)
	}
	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.TransientExchange, "unparseable binance ticker price", err)
	}
	return price, nil
}

// StreamUserEvents opens Binance's listenKey-based user data stream,
// reconnecting with the same backoff-and-retry shape as the teacher's
// Client.runWebSocket loop, and refreshes the listen key on a ~30 minute
// cadence per Binance's keepalive contract (§4.5 "Listen-key refresh").
func (a *BinanceAdapter) StreamUserEvents(ctx context.Context, creds Credentials) (<-chan UserEvent, error) {
	listenKey, err := a.createListenKey(ctx, creds)
	if err != nil {
		return nil, err
	}

	out := make(chan UserEvent, 64)
	go a.runUserStream(ctx, creds, listenKey, out)
	return out, nil
}

// Normalize is the same parse pumpUserStream applies to every frame it
// reads off the listen-key WebSocket, exposed standalone.
func (a *BinanceAdapter) Normalize(raw []byte) (UserEvent, bool) {
	return parseBinanceUserEvent(raw)
}

func (a *BinanceAdapter) createListenKey(ctx context.Context, creds Credentials) (string, error) {
	path := "/api/v3/userDataStream"
	if a.futures {
		path = "/fapi/v1/listenKey"
	}
	full := a.restURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, full, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.InternalBug, "build listen key request", err)
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.TransientExchange, "create listen key failed", err)
	}
	defer resp.Body.Close()
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.InternalBug, "decode listen key response", err)
	}
	return out.ListenKey, nil
}

func (a *BinanceAdapter) keepAliveListenKey(creds Credentials, listenKey string) {
	path := "/api/v3/userDataStream"
	if a.futures {
		path = "/fapi/v1/listenKey"
	}
	full := a.restURL + path + "?listenKey=" + listenKey
	req, err := http.NewRequest(http.MethodPut, full, nil)
	if err != nil {
		return
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("binance listen key keepalive failed")
		return
	}
	resp.Body.Close()
}

func (a *BinanceAdapter) runUserStream(ctx context.Context, creds Credentials, listenKey string, out chan<- UserEvent) {
	defer close(out)

	keepAlive := time.NewTicker(30 * time.Minute)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(a.wsBaseURL+"/"+listenKey, nil)
		if err != nil {
			log.Warn().Err(err).Str("exchange", "binance").Msg("user stream dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
				continue
			}
		}

		a.pumpUserStream(ctx, conn, creds, listenKey, out, keepAlive)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (a *BinanceAdapter) pumpUserStream(ctx context.Context, conn *websocket.Conn, creds Credentials, listenKey string, out chan<- UserEvent, keepAlive *time.Ticker) {
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
		case <-keepAlive.C:
			a.keepAliveListenKey(creds, listenKey)
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			event, ok := parseBinanceUserEvent(msg)
			if ok {
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (a *BinanceAdapter) LoadMarkets(ctx context.Context) (map[string]SymbolRules, error) {
	if err := a.limiter.Wait(ctx, a.Name(), "market"); err != nil {
		return nil, err
	}
	path := "/api/v3/exchangeInfo"
	if a.futures {
		path = "/fapi/v1/exchangeInfo"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.restURL+path, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "build exchangeInfo request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientExchange, "exchangeInfo request failed", err)
	}
	defer resp.Body.Close()

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
				StepSize    string `json:"stepSize"`
				MinPrice    string `json:"minPrice"`
				MaxPrice    string `json:"maxPrice"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode exchangeInfo response", err)
	}

	rules := make(map[string]SymbolRules, len(info.Symbols))
	for _, s := range info.Symbols {
		var r SymbolRules
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				r.MinQty, _ = decimal.NewFromString(f.MinQty)
				r.MaxQty, _ = decimal.NewFromString(f.MaxQty)
				r.StepSize, _ = decimal.NewFromString(f.StepSize)
			case "PRICE_FILTER":
				r.MinPrice, _ = decimal.NewFromString(f.MinPrice)
				r.MaxPrice, _ = decimal.NewFromString(f.MaxPrice)
				r.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "MIN_NOTIONAL", "NOTIONAL":
				if f.MinNotional != "" {
					r.MinNotional, _ = decimal.NewFromString(f.MinNotional)
				} else {
					r.MinNotional, _ = decimal.NewFromString(f.Notional)
				}
			}
		}
		rules[fromBinanceSymbol(s.Symbol)] = r
	}
	return rules, nil
}

func toBinanceSymbol(canonical string) string {
	return strings.ReplaceAll(canonical, "/", "")
}

func fromBinanceSymbol(raw string) string {
	// Binance symbols are not delimited; split off the first known quote
	// asset suffix to recover the canonical BASE/QUOTE form. A symbol with
	// none of these quote assets is passed through unchanged.
	for _, quote := range []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY"} {
		if len(raw) > len(quote) && strings.HasSuffix(raw, quote) {
			return raw[:len(raw)-len(quote)] + "/" + quote
		}
	}
	return raw
}

func binanceOrderType(t models.OrderType) string {
	switch t {
	case models.OrderMarket:
		return "MARKET"
	case models.OrderLimit:
		return "LIMIT"
	case models.OrderStopLimit:
		return "STOP_LOSS_LIMIT"
	case models.OrderStopMarket:
		return "STOP_LOSS"
	default:
		return "MARKET"
	}
}

func normalizeBinanceStatus(raw string) models.OrderStatus {
	switch raw {
	case "NEW":
		return models.StatusOpen
	case "PARTIALLY_FILLED":
		return models.StatusPartiallyFilled
	case "FILLED":
		return models.StatusFilled
	case "CANCELED", "EXPIRED":
		return models.StatusCancelled
	case "REJECTED":
		return models.StatusRejected
	default:
		return models.StatusOpen
	}
}

func classifyBinanceError(httpStatus, code int, msg string) error {
	switch {
	case httpStatus == http.StatusUnauthorized || code == -2014 || code == -2015:
		return apperr.New(apperr.AuthFailure, "binance auth failed: "+msg)
	case httpStatus == http.StatusTooManyRequests || code == -1003:
		return apperr.New(apperr.TransientExchange, "binance rate limited: "+msg)
	case code == -2011 || code == -2013:
		return apperr.New(apperr.NotFound, "binance order not found: "+msg)
	case httpStatus >= 500:
		return apperr.New(apperr.TransientExchange, "binance server error: "+msg)
	case httpStatus >= 400:
		return apperr.New(apperr.Rejected, "binance rejected order: "+msg)
	default:
		return apperr.New(apperr.FatalExchange, "binance error: "+msg)
	}
}

func parseBinanceUserEvent(raw []byte) (UserEvent, bool) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return UserEvent{}, false
	}
	switch envelope.EventType {
	case "executionReport":
		var er struct {
			Symbol          string `json:"s"`
			OrderID         int64  `json:"i"`
			OrderStatus     string `json:"X"`
			ExecutionType   string `json:"x"`
			LastFilledQty   string `json:"l"`
			CumulativeQty   string `json:"z"`
			LastFilledPrice string `json:"L"`
			Commission      string `json:"n"`
			TradeID         int64  `json:"t"`
			IsMaker         bool   `json:"m"`
		}
		if err := json.Unmarshal(raw, &er); err != nil {
			return UserEvent{}, false
		}
		cum, _ := decimal.NewFromString(er.CumulativeQty)
		snapshot := &OrderSnapshot{
			ExchangeOrderID: strconv.FormatInt(er.OrderID, 10),
			Symbol:          fromBinanceSymbol(er.Symbol),
			Status:          normalizeBinanceStatus(er.OrderStatus),
			FilledQuantity:  cum,
		}
		if er.ExecutionType != "TRADE" || er.TradeID == 0 {
			return UserEvent{Order: snapshot}, true
		}
		price, _ := decimal.NewFromString(er.LastFilledPrice)
		qty, _ := decimal.NewFromString(er.LastFilledQty)
		comm, _ := decimal.NewFromString(er.Commission)
		return UserEvent{
			Order: snapshot,
			Fill: &TradeFill{
				ExchangeTradeID: strconv.FormatInt(er.TradeID, 10),
				ExchangeOrderID: strconv.FormatInt(er.OrderID, 10),
				Symbol:          fromBinanceSymbol(er.Symbol),
				Price:           price,
				Quantity:        qty,
				Commission:      comm,
				IsMaker:         er.IsMaker,
			},
		}, true
	default:
		return UserEvent{}, false
	}
}
