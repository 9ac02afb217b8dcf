package exchange

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/models"
)

// UpbitAdapter implements the Adapter contract against Upbit's REST and
// WebSocket APIs. Upbit authenticates REST calls with a per-request JWT
// (query-hash signed) rather than a query-string HMAC, and its order
// endpoint has no documented concurrency guarantee, so Sequential()
// reports true with >=125ms spacing for this exchange. No caller reads
// Sequential(); Upbit calls are throttled only by the shared RateLimiter.
type UpbitAdapter struct {
	httpClient *http.Client
	restURL    string
	wsURL      string
	limiter    *RateLimiter
}

func NewUpbitAdapter(limiter *RateLimiter) *UpbitAdapter {
	return &UpbitAdapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		restURL:    "https://api.upbit.com",
		wsURL:      "wss://api.upbit.com/websocket/v1/private",
		limiter:    limiter,
	}
}

func (a *UpbitAdapter) Name() models.Exchange { return models.ExchangeUpbit }

// Sequential reports the single-in-flight, >=125ms spacing constraint
// for this exchange. Nothing in this module reads it, so neither the
// spacing nor the one-in-flight rule is enforced.
func (a *UpbitAdapter) Sequential() (bool, time.Duration) { return true, 125 * time.Millisecond }

func (a *UpbitAdapter) authHeader(creds Credentials, params url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": creds.APIKey,
		"nonce":      uuid.NewString(),
	}
	if len(params) > 0 {
		hash := sha512.Sum512([]byte(params.Encode()))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(creds.APISecret))
	if err != nil {
		return "", apperr.Wrap(apperr.InternalBug, "sign upbit jwt", err)
	}
	return "Bearer " + signed, nil
}

func (a *UpbitAdapter) signedRequest(ctx context.Context, creds Credentials, method, path string, params url.Values, endpointClass string) (*http.Response, error) {
	if err := a.limiter.Wait(ctx, a.Name(), endpointClass); err != nil {
		return nil, err
	}
	auth, err := a.authHeader(creds, params)
	if err != nil {
		return nil, err
	}
	full := a.restURL + path
	if method == http.MethodGet && len(params) > 0 {
		full += "?" + params.Encode()
	}
	var bodyReader *strings.Reader
	if method != http.MethodGet && len(params) > 0 {
		b, _ := json.Marshal(paramsToMap(params))
		bodyReader = strings.NewReader(string(b))
	} else {
		bodyReader = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, full, bodyReader)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "build upbit request", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientExchange, "upbit request failed", err)
	}
	return resp, nil
}

func paramsToMap(params url.Values) map[string]string {
	out := make(map[string]string, len(params))
	for k := range params {
		out[k] = params.Get(k)
	}
	return out
}

func (a *UpbitAdapter) CreateOrder(ctx context.Context, creds Credentials, req PlaceRequest) (PlaceResult, error) {
	params := url.Values{}
	params.Set("market", toUpbitMarket(req.Symbol))
	params.Set("side", upbitSide(req.Side))
	params.Set("ord_type", upbitOrdType(req.OrderType, req.Side))
	if req.OrderType == models.OrderMarket {
		if req.Side == models.SideBuy {
			if req.Price == nil {
				return PlaceResult{}, apperr.New(apperr.InvalidInput, "upbit market buy requires total KRW in price field")
			}
			params.Set("price", req.Price.String())
		} else {
			params.Set("volume", req.Quantity.String())
		}
	} else {
		params.Set("volume", req.Quantity.String())
		if req.Price != nil {
			params.Set("price", req.Price.String())
		}
	}

	resp, err := a.signedRequest(ctx, creds, http.MethodPost, "/v1/orders", params, "order")
	if err != nil {
		return PlaceResult{}, err
	}
	defer resp.Body.Close()

	var out struct {
		UUID  string `json:"uuid"`
		Error *struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlaceResult{}, apperr.Wrap(apperr.InternalBug, "decode upbit create order response", err)
	}
	if out.Error != nil {
		return PlaceResult{}, classifyUpbitError(resp.StatusCode, out.Error.Name, out.Error.Message)
	}
	return PlaceResult{ExchangeOrderID: out.UUID}, nil
}

func (a *UpbitAdapter) CancelOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	resp, err := a.signedRequest(ctx, creds, http.MethodDelete, "/v1/order", params, "order")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var out struct {
		Error struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return classifyUpbitError(resp.StatusCode, out.Error.Name, out.Error.Message)
}

func (a *UpbitAdapter) FetchOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) (OrderSnapshot, error) {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, "/v1/order", params, "account")
	if err != nil {
		return OrderSnapshot{}, err
	}
	defer resp.Body.Close()

	var row upbitOrderRow
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		return OrderSnapshot{}, apperr.Wrap(apperr.InternalBug, "decode upbit order response", err)
	}
	if row.UUID == "" {
		return OrderSnapshot{}, apperr.New(apperr.NotFound, "upbit order not found")
	}
	return upbitToSnapshot(row), nil
}

type upbitOrderRow struct {
	UUID            string `json:"uuid"`
	Market          string `json:"market"`
	State           string `json:"state"`
	ExecutedVolume  string `json:"executed_volume"`
}

func upbitToSnapshot(row upbitOrderRow) OrderSnapshot {
	filled, _ := decimal.NewFromString(row.ExecutedVolume)
	return OrderSnapshot{
		ExchangeOrderID: row.UUID,
		Symbol:          fromUpbitMarket(row.Market),
		Status:          normalizeUpbitStatus(row.State),
		FilledQuantity:  filled,
	}
}

func (a *UpbitAdapter) FetchOpenOrders(ctx context.Context, creds Credentials, symbol string) ([]OrderSnapshot, error) {
	params := url.Values{}
	params.Set("state", "wait")
	if symbol != "" {
		params.Set("market", toUpbitMarket(symbol))
	}
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, "/v1/orders", params, "account")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []upbitOrderRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode upbit open orders response", err)
	}
	out := make([]OrderSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, upbitToSnapshot(row))
	}
	return out, nil
}

func (a *UpbitAdapter) FetchBalance(ctx context.Context, creds Credentials) ([]Balance, error) {
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, "/v1/accounts", nil, "account")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode upbit balance response", err)
	}
	out := make([]Balance, 0, len(rows))
	for _, r := range rows {
		free, _ := decimal.NewFromString(r.Balance)
		locked, _ := decimal.NewFromString(r.Locked)
		out = append(out, Balance{Asset: r.Currency, Free: free, Locked: locked})
	}
	return out, nil
}

// FetchPositions is a no-op: Upbit is spot-only and carries no notion of
// a leveraged position.
func (a *UpbitAdapter) FetchPositions(ctx context.Context, creds Credentials) ([]PositionSnapshot, error) {
	return nil, nil
}

func (a *UpbitAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := a.limiter.Wait(ctx, a.Name(), "market"); err != nil {
		return decimal.Zero, err
	}
	full := fmt.Sprintf("%s/v1/ticker?markets=%s", a.restURL, toUpbitMarket(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.InternalBug, "build upbit ticker request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.TransientExchange, "upbit ticker request failed", err)
	}
	defer resp.Body.Close()

	var rows []struct {
		TradePrice float64 `json:"trade_price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return decimal.Zero, apperr.Wrap(apperr.InternalBug, "decode upbit ticker response", err)
	}
	if len(rows) == 0 {
		return decimal.Zero, apperr.New(apperr.NotFound, "upbit ticker not found for "+symbol)
	}
	return decimal.NewFromFloat(rows[0].TradePrice), nil
}

// StreamUserEvents authenticates Upbit's private WebSocket with the same
// JWT bearer scheme as REST and subscribes to the myOrder event type.
func (a *UpbitAdapter) StreamUserEvents(ctx context.Context, creds Credentials) (<-chan UserEvent, error) {
	out := make(chan UserEvent, 64)
	go a.runUserStream(ctx, creds, out)
	return out, nil
}

// Normalize is the same parse runUserStream applies to every myOrder
// frame it reads, exposed standalone.
func (a *UpbitAdapter) Normalize(raw []byte) (UserEvent, bool) {
	return parseUpbitUserEvent(raw)
}

func (a *UpbitAdapter) runUserStream(ctx context.Context, creds Credentials, out chan<- UserEvent) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		auth, err := a.authHeader(creds, nil)
		if err != nil {
			log.Warn().Err(err).Msg("upbit ws auth header failed")
			return
		}
		header := http.Header{"Authorization": []string{auth}}
		conn, _, err := websocket.DefaultDialer.Dial(a.wsURL, header)
		if err != nil {
			log.Warn().Err(err).Str("exchange", "upbit").Msg("user stream dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
				continue
			}
		}
		conn.WriteJSON([]interface{}{
			map[string]string{"ticket": uuid.NewString()},
			map[string]string{"type": "myOrder"},
		})

		a.pumpUserStream(ctx, conn, out)
		conn.Close()
	}
}

func (a *UpbitAdapter) pumpUserStream(ctx context.Context, conn *websocket.Conn, out chan<- UserEvent) {
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
			event, ok := parseUpbitUserEvent(msg)
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

func (a *UpbitAdapter) LoadMarkets(ctx context.Context) (map[string]SymbolRules, error) {
	if err := a.limiter.Wait(ctx, a.Name(), "market"); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.restURL+"/v1/market/all?isDetails=false", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "build upbit market list request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientExchange, "upbit market list request failed", err)
	}
	defer resp.Body.Close()

	var rows []struct {
		Market string `json:"market"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode upbit market list response", err)
	}

	// Upbit publishes no per-symbol precision endpoint; its documented
	// tick-size/step rules are fixed by quote currency rather than by
	// instrument, so LoadMarkets applies the published KRW-market rule
	// table directly instead of parsing a per-symbol filter list.
	rules := make(map[string]SymbolRules, len(rows))
	for _, r := range rows {
		rules[fromUpbitMarket(r.Market)] = upbitRulesFor(r.Market)
	}
	return rules, nil
}

func upbitRulesFor(market string) SymbolRules {
	stepSize := decimal.NewFromFloat(0.00000001)
	tickSize := decimal.NewFromInt(1)
	if strings.HasPrefix(market, "KRW-") {
		tickSize = decimal.NewFromFloat(0.01)
	}
	return SymbolRules{
		MinQty:      decimal.NewFromFloat(0.00000001),
		MaxQty:      decimal.NewFromInt(1_000_000_000),
		StepSize:    stepSize,
		MinPrice:    decimal.NewFromFloat(0.01),
		MaxPrice:    decimal.NewFromInt(1_000_000_000),
		TickSize:    tickSize,
		MinNotional: decimal.NewFromInt(5000), // Upbit's minimum order amount, 5,000 KRW
	}
}

func toUpbitMarket(canonical string) string {
	parts := strings.Split(canonical, "/")
	if len(parts) != 2 {
		return strings.ReplaceAll(canonical, "/", "-")
	}
	return parts[1] + "-" + parts[0] // Upbit markets are QUOTE-BASE, e.g. KRW-BTC
}

func fromUpbitMarket(market string) string {
	parts := strings.SplitN(market, "-", 2)
	if len(parts) != 2 {
		return market
	}
	return parts[1] + "/" + parts[0]
}

func upbitSide(s models.Side) string {
	if s == models.SideBuy {
		return "bid"
	}
	return "ask"
}

// upbitOrdType maps to Upbit's three market order kinds: "price" is a
// KRW-denominated market buy, "market" is a quantity-denominated market
// sell, and "limit" covers both LIMIT and STOP_LIMIT once a stop has
// triggered.
func upbitOrdType(t models.OrderType, side models.Side) string {
	if t != models.OrderMarket {
		return "limit"
	}
	if side == models.SideBuy {
		return "price"
	}
	return "market"
}

func normalizeUpbitStatus(raw string) models.OrderStatus {
	switch raw {
	case "wait", "watch":
		return models.StatusOpen
	case "done":
		return models.StatusFilled
	case "cancel":
		return models.StatusCancelled
	default:
		return models.StatusOpen
	}
}

func classifyUpbitError(httpStatus int, name, msg string) error {
	switch {
	case httpStatus == http.StatusUnauthorized || name == "jwt_verification" || name == "invalid_access_key":
		return apperr.New(apperr.AuthFailure, "upbit auth failed: "+msg)
	case httpStatus == http.StatusTooManyRequests:
		return apperr.New(apperr.TransientExchange, "upbit rate limited: "+msg)
	case name == "order_not_found":
		return apperr.New(apperr.NotFound, "upbit order not found: "+msg)
	case httpStatus >= 500:
		return apperr.New(apperr.TransientExchange, "upbit server error: "+msg)
	case httpStatus >= 400:
		return apperr.New(apperr.Rejected, "upbit rejected order: "+msg)
	default:
		return apperr.New(apperr.FatalExchange, "upbit error: "+msg)
	}
}

func parseUpbitUserEvent(raw []byte) (UserEvent, bool) {
	var row struct {
		Type           string `json:"type"`
		UUID           string `json:"uuid"`
		Market         string `json:"code"`
		State          string `json:"state"`
		ExecutedVolume string `json:"executed_volume"`
		TradeUUID      string `json:"trade_uuid"`
		Price          string `json:"price"`
		Volume         string `json:"volume"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return UserEvent{}, false
	}
	if row.Type != "myOrder" {
		return UserEvent{}, false
	}
	snapshot := upbitToSnapshot(upbitOrderRow{
		UUID: row.UUID, Market: row.Market, State: row.State, ExecutedVolume: row.ExecutedVolume,
	})
	if row.TradeUUID == "" {
		return UserEvent{Order: &snapshot}, true
	}
	price, _ := decimal.NewFromString(row.Price)
	qty, _ := decimal.NewFromString(row.Volume)
	return UserEvent{
		Order: &snapshot,
		Fill: &TradeFill{
			ExchangeTradeID: row.TradeUUID,
			ExchangeOrderID: row.UUID,
			Symbol:          fromUpbitMarket(row.Market),
			Price:           price,
			Quantity:        qty,
		},
	}, true
}
