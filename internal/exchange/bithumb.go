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
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/models"
)

// BithumbAdapter implements the Adapter contract against Bithumb's v2.1
// REST API, which mirrors Upbit's JWT query-hash auth scheme closely
// enough that this adapter reuses the same signing shape rather than
// inventing a second one; the two exchanges share a regulator-mandated
// API design in South Korea. Bithumb has no documented public
// user-data WebSocket for order/fill push, so StreamUserEvents here
// degrades to REST polling driven by the fill reconciler's poll loop
// instead of a push connection (§4.5 "REST fallback path").
type BithumbAdapter struct {
	httpClient *http.Client
	restURL    string
	limiter    *RateLimiter
}

func NewBithumbAdapter(limiter *RateLimiter) *BithumbAdapter {
	return &BithumbAdapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		restURL:    "https://api.bithumb.com",
		limiter:    limiter,
	}
}

func (a *BithumbAdapter) Name() models.Exchange            { return models.ExchangeBithumb }
func (a *BithumbAdapter) Sequential() (bool, time.Duration) { return false, 0 }

func (a *BithumbAdapter) authHeader(creds Credentials, params url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": creds.APIKey,
		"nonce":      uuid.NewString(),
		"timestamp":  time.Now().UnixMilli(),
	}
	if len(params) > 0 {
		hash := sha512.Sum512([]byte(params.Encode()))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(creds.APISecret))
	if err != nil {
		return "", apperr.Wrap(apperr.InternalBug, "sign bithumb jwt", err)
	}
	return "Bearer " + signed, nil
}

func (a *BithumbAdapter) signedRequest(ctx context.Context, creds Credentials, method, path string, params url.Values, endpointClass string) (*http.Response, error) {
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
	body := strings.NewReader("")
	if method != http.MethodGet && len(params) > 0 {
		b, _ := json.Marshal(paramsToMap(params))
		body = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "build bithumb request", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientExchange, "bithumb request failed", err)
	}
	return resp, nil
}

func (a *BithumbAdapter) CreateOrder(ctx context.Context, creds Credentials, req PlaceRequest) (PlaceResult, error) {
	params := url.Values{}
	params.Set("market", toUpbitMarket(req.Symbol)) // Bithumb's v2.1 market code format matches Upbit's QUOTE-BASE
	params.Set("side", upbitSide(req.Side))
	params.Set("ord_type", upbitOrdType(req.OrderType, req.Side))
	params.Set("volume", req.Quantity.String())
	if req.Price != nil {
		params.Set("price", req.Price.String())
	}

	resp, err := a.signedRequest(ctx, creds, http.MethodPost, "/v1/orders", params, "order")
	if err != nil {
		return PlaceResult{}, err
	}
	defer resp.Body.Close()

	var out struct {
		UUID  string `json:"uuid"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlaceResult{}, apperr.Wrap(apperr.InternalBug, "decode bithumb create order response", err)
	}
	if out.Error != nil {
		return PlaceResult{}, classifyBithumbError(resp.StatusCode, out.Error.Message)
	}
	return PlaceResult{ExchangeOrderID: out.UUID}, nil
}

func (a *BithumbAdapter) CancelOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) error {
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
			Message string `json:"message"`
		} `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return classifyBithumbError(resp.StatusCode, out.Error.Message)
}

func (a *BithumbAdapter) FetchOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) (OrderSnapshot, error) {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	resp, err := a.signedRequest(ctx, creds, http.MethodGet, "/v1/order", params, "account")
	if err != nil {
		return OrderSnapshot{}, err
	}
	defer resp.Body.Close()

	var row upbitOrderRow
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		return OrderSnapshot{}, apperr.Wrap(apperr.InternalBug, "decode bithumb order response", err)
	}
	if row.UUID == "" {
		return OrderSnapshot{}, apperr.New(apperr.NotFound, "bithumb order not found")
	}
	return upbitToSnapshot(row), nil
}

func (a *BithumbAdapter) FetchOpenOrders(ctx context.Context, creds Credentials, symbol string) ([]OrderSnapshot, error) {
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
		return nil, apperr.Wrap(apperr.InternalBug, "decode bithumb open orders response", err)
	}
	out := make([]OrderSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, upbitToSnapshot(row))
	}
	return out, nil
}

func (a *BithumbAdapter) FetchBalance(ctx context.Context, creds Credentials) ([]Balance, error) {
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
		return nil, apperr.Wrap(apperr.InternalBug, "decode bithumb balance response", err)
	}
	out := make([]Balance, 0, len(rows))
	for _, r := range rows {
		free, _ := decimal.NewFromString(r.Balance)
		locked, _ := decimal.NewFromString(r.Locked)
		out = append(out, Balance{Asset: r.Currency, Free: free, Locked: locked})
	}
	return out, nil
}

// FetchPositions is a no-op: Bithumb is spot-only.
func (a *BithumbAdapter) FetchPositions(ctx context.Context, creds Credentials) ([]PositionSnapshot, error) {
	return nil, nil
}

func (a *BithumbAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := a.limiter.Wait(ctx, a.Name(), "market"); err != nil {
		return decimal.Zero, err
	}
	full := fmt.Sprintf("%s/v1/ticker?markets=%s", a.restURL, toUpbitMarket(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.InternalBug, "build bithumb ticker request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.TransientExchange, "bithumb ticker request failed", err)
	}
	defer resp.Body.Close()

	var rows []struct {
		TradePrice float64 `json:"trade_price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return decimal.Zero, apperr.Wrap(apperr.InternalBug, "decode bithumb ticker response", err)
	}
	if len(rows) == 0 {
		return decimal.Zero, apperr.New(apperr.NotFound, "bithumb ticker not found for "+symbol)
	}
	return decimal.NewFromFloat(rows[0].TradePrice), nil
}

// StreamUserEvents returns a channel that is immediately closed: Bithumb
// has no private order/fill WebSocket in its public API, so this
// exchange relies entirely on the REST fallback path in
// internal/fillreconciler rather than WS ingestion.
func (a *BithumbAdapter) StreamUserEvents(ctx context.Context, creds Credentials) (<-chan UserEvent, error) {
	out := make(chan UserEvent)
	close(out)
	return out, nil
}

// Normalize always reports false: Bithumb has no private WS, so no raw
// payload ever reaches this adapter to normalize.
func (a *BithumbAdapter) Normalize(raw []byte) (UserEvent, bool) {
	return UserEvent{}, false
}

func (a *BithumbAdapter) LoadMarkets(ctx context.Context) (map[string]SymbolRules, error) {
	if err := a.limiter.Wait(ctx, a.Name(), "market"); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.restURL+"/v1/market/all?isDetails=false", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "build bithumb market list request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientExchange, "bithumb market list request failed", err)
	}
	defer resp.Body.Close()

	var rows []struct {
		Market string `json:"market"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "decode bithumb market list response", err)
	}
	rules := make(map[string]SymbolRules, len(rows))
	for _, r := range rows {
		rules[fromUpbitMarket(r.Market)] = upbitRulesFor(r.Market)
	}
	return rules, nil
}

func classifyBithumbError(httpStatus int, msg string) error {
	switch {
	case httpStatus == http.StatusUnauthorized:
		return apperr.New(apperr.AuthFailure, "bithumb auth failed: "+msg)
	case httpStatus == http.StatusTooManyRequests:
		return apperr.New(apperr.TransientExchange, "bithumb rate limited: "+msg)
	case httpStatus >= 500:
		return apperr.New(apperr.TransientExchange, "bithumb server error: "+msg)
	case httpStatus >= 400:
		return apperr.New(apperr.Rejected, "bithumb rejected order: "+msg)
	default:
		return apperr.New(apperr.FatalExchange, "bithumb error: "+msg)
	}
}
