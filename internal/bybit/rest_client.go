package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"bybit-spot-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"
	categorySpot   = "spot"

	OrderSideBuy  = "Buy"
	OrderSideSell = "Sell"

	OrderTypeLimit  = "Limit"
	OrderTypeMarket = "Market"

	TimeInForceGTC = "GTC"
)

// RestClientInterface defines the interface for the Bybit v5 REST API client.
type RestClientInterface interface {
	GetServerTime() (int64, error)
	GetTicker(symbol string) (string, error)
	GetInstrumentInfo(symbol string) (*InstrumentInfo, error)
	GetKlines(symbol, interval string, limit int) ([]Kline, error)
	PlaceOrder(req *PlaceOrderRequest) (*OrderResult, error)
	GetOrderStatus(symbol, orderID string) (*OrderStatus, error)
	GetOrderHistory(symbol string, limit int) ([]OrderStatus, error)
	GetExecutionHistory(startTime time.Time, limit int) ([]Execution, error)
	GetWalletBalance() (map[string]float64, error)
}

// RestClient is a client for the Bybit v5 REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client     *resty.Client
	apiKey     string
	secretKey  string
	recvWindow string
	logger     *zap.Logger
	limiter    *rate.Limiter
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Bybit REST API client. The embedded rate
// limiter is shared by every caller of this client, which is what keeps the
// whole account under one request budget.
func NewRestClient(cfg *config.Bybit, logger *zap.Logger) *RestClient {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Bybit Testnet")
	} else {
		url = baseURL
		logger.Info("Using Bybit Production API")
	}

	client := resty.New().SetBaseURL(url)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:     client,
		apiKey:     cfg.ApiKey,
		secretKey:  cfg.SecretKey,
		recvWindow: strconv.Itoa(cfg.RecvWindow),
		logger:     logger,
		limiter:    limiter,
	}
}

// sign creates a HMAC-SHA256 signature for the request payload.
// Bybit v5 signs over timestamp + apiKey + recvWindow + payload.
func (c *RestClient) sign(timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(timestamp + c.apiKey + c.recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

// authHeaders attaches the v5 authentication headers to a request.
func (c *RestClient) authHeaders(req *resty.Request, payload string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.SetHeader("X-BAPI-API-KEY", c.apiKey)
	req.SetHeader("X-BAPI-TIMESTAMP", ts)
	req.SetHeader("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.SetHeader("X-BAPI-SIGN", c.sign(ts, payload))
}

// apiResponse is the v5 envelope every endpoint returns.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// getResult executes a GET against path with query params, unwraps the v5
// envelope and decodes result into out. signed controls whether auth
// headers are attached.
func (c *RestClient) getResult(path string, params url.Values, signed bool, out interface{}) error {
	var envelope apiResponse
	query := params.Encode()

	req := c.client.R().
		SetResult(&envelope).
		SetQueryParamsFromValues(params)
	if signed {
		c.authHeaders(req, query)
	}

	ctx := context.Background()
	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return err
	}
	if envelope.RetCode != 0 {
		return fmt.Errorf("bybit API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode result for %s: %w", path, err)
		}
	}
	return nil
}

// GetServerTime fetches the current server time from Bybit.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime() (int64, error) {
	var result struct {
		TimeSecond string `json:"timeSecond"`
	}
	if err := c.getResult("/v5/market/time", url.Values{}, false, &result); err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}
	ts, err := strconv.ParseInt(result.TimeSecond, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse server time: %w", err)
	}
	return ts, nil
}

// GetTicker fetches the latest traded price for a symbol.
func (c *RestClient) GetTicker(symbol string) (string, error) {
	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}

	params := url.Values{}
	params.Set("category", categorySpot)
	params.Set("symbol", symbol)

	if err := c.getResult("/v5/market/tickers", params, false, &result); err != nil {
		return "", fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return "", fmt.Errorf("no ticker returned for symbol %s", symbol)
	}
	return result.List[0].LastPrice, nil
}

// InstrumentInfo holds the exchange-mandated trading rules for a symbol.
type InstrumentInfo struct {
	Symbol      string
	TickSize    string // minimum price increment
	LotSize     string // minimum quantity increment (basePrecision)
	MinOrderQty string
	MinNotional string // minimum order amount in quote currency
}

// GetInstrumentInfo fetches the trading rules for a single spot symbol.
func (c *RestClient) GetInstrumentInfo(symbol string) (*InstrumentInfo, error) {
	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
				MinOrderAmt   string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}

	params := url.Values{}
	params.Set("category", categorySpot)
	params.Set("symbol", symbol)

	if err := c.getResult("/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, fmt.Errorf("failed to get instrument info for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("no instrument info returned for symbol %s", symbol)
	}

	s := result.List[0]
	return &InstrumentInfo{
		Symbol:      s.Symbol,
		TickSize:    s.PriceFilter.TickSize,
		LotSize:     s.LotSizeFilter.BasePrecision,
		MinOrderQty: s.LotSizeFilter.MinOrderQty,
		MinNotional: s.LotSizeFilter.MinOrderAmt,
	}, nil
}

// Kline is one OHLCV candle. Bybit returns klines newest-first; GetKlines
// reverses them so callers always see chronological order.
type Kline struct {
	StartTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// GetKlines fetches up to limit candles for the given interval (Bybit
// interval strings: "1", "60", "D", ...).
func (c *RestClient) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	var result struct {
		List [][]string `json:"list"`
	}

	params := url.Values{}
	params.Set("category", categorySpot)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	if err := c.getResult("/v5/market/kline", params, false, &result); err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}

	klines := make([]Kline, 0, len(result.List))
	// Entries are [startTime, open, high, low, close, volume, turnover].
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("malformed kline row for %s: %v", symbol, row)
		}
		k := Kline{}
		var err error
		if k.StartTime, err = strconv.ParseInt(row[0], 10, 64); err != nil {
			return nil, fmt.Errorf("failed to parse kline start time: %w", err)
		}
		fields := []struct {
			dst *float64
			raw string
		}{
			{&k.Open, row[1]}, {&k.High, row[2]}, {&k.Low, row[3]},
			{&k.Close, row[4]}, {&k.Volume, row[5]},
		}
		for _, f := range fields {
			if *f.dst, err = strconv.ParseFloat(f.raw, 64); err != nil {
				return nil, fmt.Errorf("failed to parse kline field %q: %w", f.raw, err)
			}
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// PlaceOrderRequest describes a new order. Qty and Price are strings
// because they must carry the exact precision produced by the rounding
// layer; a float here would undo that work.
type PlaceOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	Category    string `json:"category"`
}

// OrderResult is the accepted-order acknowledgement.
type OrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceOrder submits a new order. A non-zero retCode comes back as an error
// carrying the exchange's code and message; the caller decides how to
// classify it.
func (c *RestClient) PlaceOrder(orderReq *PlaceOrderRequest) (*OrderResult, error) {
	orderReq.Category = categorySpot

	body, err := json.Marshal(orderReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order request: %w", err)
	}

	var envelope apiResponse
	req := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&envelope)
	c.authHeaders(req, string(body))

	ctx := context.Background()
	if _, err := c.doRequest(ctx, "POST", "/v5/order/create", req); err != nil {
		c.logger.Error("Failed to place order after multiple attempts",
			zap.Error(err),
			zap.String("symbol", orderReq.Symbol),
		)
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	if envelope.RetCode != 0 {
		return nil, fmt.Errorf("order rejected by exchange, retCode %d: %s", envelope.RetCode, envelope.RetMsg)
	}

	var result OrderResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode order result: %w", err)
	}
	if result.OrderID == "" {
		return nil, fmt.Errorf("exchange accepted order but returned no order id")
	}

	c.logger.Info("Successfully placed order",
		zap.String("symbol", orderReq.Symbol),
		zap.String("side", orderReq.Side),
		zap.String("order_id", result.OrderID),
	)
	return &result, nil
}

// OrderStatus is the exchange's view of an order.
type OrderStatus struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	Status      string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"`
}

type orderListResult struct {
	List []OrderStatus `json:"list"`
}

// GetOrderStatus fetches the current state of one order, checking open
// orders first and falling back to history for settled ones.
func (c *RestClient) GetOrderStatus(symbol, orderID string) (*OrderStatus, error) {
	params := url.Values{}
	params.Set("category", categorySpot)
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var result orderListResult
	if err := c.getResult("/v5/order/realtime", params, true, &result); err != nil {
		return nil, fmt.Errorf("failed to get order status for %s: %w", orderID, err)
	}
	if len(result.List) == 0 {
		if err := c.getResult("/v5/order/history", params, true, &result); err != nil {
			return nil, fmt.Errorf("failed to get order history for %s: %w", orderID, err)
		}
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("order %s not found on exchange", orderID)
	}
	return &result.List[0], nil
}

// GetOrderHistory fetches recently settled orders, newest first.
func (c *RestClient) GetOrderHistory(symbol string, limit int) ([]OrderStatus, error) {
	params := url.Values{}
	params.Set("category", categorySpot)
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	params.Set("limit", strconv.Itoa(limit))

	var result orderListResult
	if err := c.getResult("/v5/order/history", params, true, &result); err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	return result.List, nil
}

// Execution is a single fill from the account's execution history.
type Execution struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecTime    string `json:"execTime"`
}

// GetExecutionHistory fetches fills since startTime, newest first.
func (c *RestClient) GetExecutionHistory(startTime time.Time, limit int) ([]Execution, error) {
	params := url.Values{}
	params.Set("category", categorySpot)
	params.Set("startTime", strconv.FormatInt(startTime.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))

	var result struct {
		List []Execution `json:"list"`
	}
	if err := c.getResult("/v5/execution/list", params, true, &result); err != nil {
		return nil, fmt.Errorf("failed to get execution history: %w", err)
	}
	return result.List, nil
}

// GetWalletBalance returns the free balance per coin for the unified
// account.
func (c *RestClient) GetWalletBalance() (map[string]float64, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.getResult("/v5/account/wallet-balance", params, true, &result); err != nil {
		return nil, fmt.Errorf("failed to get wallet balance: %w", err)
	}

	balances := make(map[string]float64)
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			bal, err := strconv.ParseFloat(coin.WalletBalance, 64)
			if err != nil {
				c.logger.Warn("Failed to parse wallet balance",
					zap.String("coin", coin.Coin), zap.String("balance", coin.WalletBalance))
				continue
			}
			balances[coin.Coin] = bal
		}
	}
	return balances, nil
}
