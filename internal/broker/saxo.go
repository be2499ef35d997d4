package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marlin/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SaxoClient)(nil)

// SaxoClient talks to the Saxo OpenAPI gateway over REST. Every outbound
// request carries a fresh x-request-id and consumes one token from the shared
// rate budget; rate-limit headers on responses feed back into the budget.
type SaxoClient struct {
	httpClient *resty.Client
	budget     *RateBudget
	accountKey string
	clientKey  string
	logger     *slog.Logger
}

// SaxoOptions configures a SaxoClient.
type SaxoOptions struct {
	BaseURL        string
	AccessToken    string
	AccountKey     string
	ClientKey      string
	RequestsPerMin int
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewSaxoClient builds a client for the given gateway.
func NewSaxoClient(opts SaxoOptions) *SaxoClient {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetAuthToken(opts.AccessToken).
		SetHeader("Content-Type", "application/json")

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SaxoClient{
		httpClient: hc,
		budget:     NewRateBudget(opts.RequestsPerMin),
		accountKey: opts.AccountKey,
		clientKey:  opts.ClientKey,
		logger:     logger.With("broker", "saxo"),
	}
}

// NewSaxoClientWith builds a client around an existing resty client. Tests
// use this to point the broker at an httptest server.
func NewSaxoClientWith(hc *resty.Client, accountKey, clientKey string, logger *slog.Logger) *SaxoClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SaxoClient{
		httpClient: hc,
		budget:     NewRateBudget(120),
		accountKey: accountKey,
		clientKey:  clientKey,
		logger:     logger.With("broker", "saxo"),
	}
}

func (c *SaxoClient) Name() string { return "saxo" }

// AccountKey returns the account the client places orders against.
func (c *SaxoClient) AccountKey() string { return c.accountKey }

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

func (c *SaxoClient) Precheck(ctx context.Context, req OrderRequest) (*PrecheckResponse, error) {
	req.AccountKey = c.accountKey
	req.ManualOrder = false
	if len(req.FieldGroups) == 0 {
		req.FieldGroups = []string{"Costs", "MarginImpactBuySell"}
	}
	var out PrecheckResponse
	status, err := c.do(ctx, http.MethodPost, "/trade/v2/orders/precheck", nil, req, &out)
	if err != nil {
		return nil, err
	}
	out.HTTPStatus = status
	return &out, nil
}

func (c *SaxoClient) PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceOrderResponse, error) {
	req.AccountKey = c.accountKey
	req.ManualOrder = false
	req.FieldGroups = nil
	var out PlaceOrderResponse
	status, err := c.do(ctx, http.MethodPost, "/trade/v2/orders", nil, req, &out)
	if err != nil {
		return nil, err
	}
	out.HTTPStatus = status
	return &out, nil
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

type saxoOrdersResponse struct {
	Data []struct {
		OrderID           string  `json:"OrderId"`
		ExternalReference string  `json:"ExternalReference"`
		Status            string  `json:"Status"`
		AssetType         string  `json:"AssetType"`
		UIC               int     `json:"Uic"`
		BuySell           string  `json:"BuySell"`
		Amount            float64 `json:"Amount"`
		FilledAmount      float64 `json:"FilledAmount"`
		Price             float64 `json:"Price"`
	} `json:"Data"`
}

func (c *SaxoClient) OrdersByReference(ctx context.Context, ref string) ([]domain.BrokerOrder, error) {
	query := map[string]string{
		"ClientKey":   c.clientKey,
		"Status":      "All",
		"FieldGroups": "DisplayAndFormat",
	}
	var out saxoOrdersResponse
	if _, err := c.do(ctx, http.MethodGet, "/port/v1/orders", query, nil, &out); err != nil {
		return nil, err
	}
	var orders []domain.BrokerOrder
	for _, d := range out.Data {
		if d.ExternalReference != ref {
			continue
		}
		orders = append(orders, domain.BrokerOrder{
			OrderID:           d.OrderID,
			ExternalReference: d.ExternalReference,
			Status:            parseOrderStatus(d.Status),
			Instrument:        domain.InstrumentID{AssetType: domain.AssetType(d.AssetType), UIC: d.UIC},
			Side:              domain.Side(d.BuySell),
			Amount:            decimal.NewFromFloat(d.Amount),
			FilledAmount:      decimal.NewFromFloat(d.FilledAmount),
			Price:             d.Price,
		})
	}
	return orders, nil
}

func parseOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "Working", "Parked", "LockedPlacementPending":
		return domain.OrderStatusWorking
	case "Filled", "FinalFill":
		return domain.OrderStatusFilled
	case "Cancelled", "Expired":
		return domain.OrderStatusCancelled
	case "Rejected":
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusUnknown
}

type saxoNetPositionsResponse struct {
	Data []struct {
		NetPositionBase struct {
			AssetType   string  `json:"AssetType"`
			UIC         int     `json:"Uic"`
			Amount      float64 `json:"Amount"`
			CanBeClosed bool    `json:"CanBeClosed"`
		} `json:"NetPositionBase"`
		NetPositionView struct {
			AverageOpenPrice float64 `json:"AverageOpenPrice"`
			ExposureCurrency string  `json:"ExposureCurrency"`
		} `json:"NetPositionView"`
	} `json:"Data"`
}

func (c *SaxoClient) NetPositions(ctx context.Context) ([]domain.Position, error) {
	query := map[string]string{
		"ClientKey":   c.clientKey,
		"FieldGroups": "NetPositionBase,NetPositionView",
	}
	var out saxoNetPositionsResponse
	if _, err := c.do(ctx, http.MethodGet, "/port/v1/netpositions", query, nil, &out); err != nil {
		return nil, err
	}
	positions := make([]domain.Position, 0, len(out.Data))
	for _, d := range out.Data {
		positions = append(positions, domain.Position{
			Instrument:   domain.InstrumentID{AssetType: domain.AssetType(d.NetPositionBase.AssetType), UIC: d.NetPositionBase.UIC},
			NetQuantity:  decimal.NewFromFloat(d.NetPositionBase.Amount),
			AveragePrice: decimal.NewFromFloat(d.NetPositionView.AverageOpenPrice),
			Currency:     d.NetPositionView.ExposureCurrency,
			CanBeClosed:  d.NetPositionBase.CanBeClosed,
		})
	}
	return positions, nil
}

// ---------------------------------------------------------------------------
// Disclaimers
// ---------------------------------------------------------------------------

type saxoDisclaimersResponse struct {
	Data []DisclaimerDetail `json:"Data"`
}

func (c *SaxoClient) DisclaimerDetails(ctx context.Context, token string) (*DisclaimerDetail, error) {
	query := map[string]string{"DisclaimerTokens": token}
	var out saxoDisclaimersResponse
	if _, err := c.do(ctx, http.MethodGet, "/dm/v2/disclaimers", query, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Data {
		if out.Data[i].Token == token {
			return &out.Data[i], nil
		}
	}
	if len(out.Data) > 0 {
		return &out.Data[0], nil
	}
	return nil, fmt.Errorf("disclaimer %q: not found", token)
}

func (c *SaxoClient) AcceptDisclaimer(ctx context.Context, disclaimerContext, token string) error {
	body := map[string]string{
		"DisclaimerContext": disclaimerContext,
		"DisclaimerToken":   token,
		"ResponseType":      "Accepted",
	}
	_, err := c.do(ctx, http.MethodPost, "/dm/v2/disclaimers", nil, body, nil)
	return err
}

// ---------------------------------------------------------------------------
// Reference and market data
// ---------------------------------------------------------------------------

type saxoInstrumentsResponse struct {
	Data []struct {
		AssetType   string `json:"AssetType"`
		Identifier  int    `json:"Identifier"`
		Symbol      string `json:"Symbol"`
		Description string `json:"Description"`
	} `json:"Data"`
}

func (c *SaxoClient) SearchInstruments(ctx context.Context, keyword string, assetType domain.AssetType) ([]domain.Instrument, error) {
	query := map[string]string{
		"Keywords":   keyword,
		"AssetTypes": string(assetType),
		"$top":       "20",
	}
	var out saxoInstrumentsResponse
	if _, err := c.do(ctx, http.MethodGet, "/ref/v1/instruments", query, nil, &out); err != nil {
		return nil, err
	}
	instruments := make([]domain.Instrument, 0, len(out.Data))
	for _, d := range out.Data {
		instruments = append(instruments, domain.Instrument{
			ID:          domain.InstrumentID{AssetType: domain.AssetType(d.AssetType), UIC: d.Identifier},
			Symbol:      d.Symbol,
			Description: d.Description,
		})
	}
	return instruments, nil
}

type saxoInfoPriceResponse struct {
	Quote struct {
		Bid         float64 `json:"Bid"`
		Ask         float64 `json:"Ask"`
		Mid         float64 `json:"Mid"`
		MarketState string  `json:"MarketState"`
	} `json:"Quote"`
	LastUpdated time.Time `json:"LastUpdated"`
}

func (c *SaxoClient) LatestQuote(ctx context.Context, id domain.InstrumentID) (*domain.Quote, error) {
	query := map[string]string{
		"Uic":         strconv.Itoa(id.UIC),
		"AssetType":   string(id.AssetType),
		"FieldGroups": "Quote",
	}
	var out saxoInfoPriceResponse
	if _, err := c.do(ctx, http.MethodGet, "/trade/v1/infoprices", query, nil, &out); err != nil {
		return nil, err
	}
	mid := out.Quote.Mid
	if mid == 0 && out.Quote.Bid > 0 && out.Quote.Ask > 0 {
		mid = (out.Quote.Bid + out.Quote.Ask) / 2
	}
	state := domain.MarketState(out.Quote.MarketState)
	if out.Quote.MarketState == "" {
		state = domain.MarketStateUnknown
	}
	return &domain.Quote{
		Instrument: id,
		Bid:        out.Quote.Bid,
		Ask:        out.Quote.Ask,
		Mid:        mid,
		State:      state,
		ServerTime: out.LastUpdated,
	}, nil
}

type saxoChartResponse struct {
	Data []struct {
		Time       time.Time `json:"Time"`
		Open       float64   `json:"Open"`
		High       float64   `json:"High"`
		Low        float64   `json:"Low"`
		Close      float64   `json:"Close"`
		OpenBid    float64   `json:"OpenBid"`
		HighBid    float64   `json:"HighBid"`
		LowBid     float64   `json:"LowBid"`
		CloseBid   float64   `json:"CloseBid"`
		OpenAsk    float64   `json:"OpenAsk"`
		CloseAsk   float64   `json:"CloseAsk"`
		HighAsk    float64   `json:"HighAsk"`
		LowAsk     float64   `json:"LowAsk"`
		Volume     int64     `json:"Volume"`
		TotalCount int64     `json:"TotalVolume"`
	} `json:"Data"`
}

func (c *SaxoClient) RecentBars(ctx context.Context, id domain.InstrumentID, horizonMinutes, count int, before time.Time) ([]domain.Bar, error) {
	query := map[string]string{
		"Uic":       strconv.Itoa(id.UIC),
		"AssetType": string(id.AssetType),
		"Horizon":   strconv.Itoa(horizonMinutes),
		"Count":     strconv.Itoa(count),
		"Mode":      "UpTo",
		"Time":      before.UTC().Format(time.RFC3339),
	}
	var out saxoChartResponse
	if _, err := c.do(ctx, http.MethodGet, "/chart/v1/charts", query, nil, &out); err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(out.Data))
	for _, d := range out.Data {
		bar := domain.Bar{
			Instrument: id,
			Timestamp:  d.Time,
			Open:       d.Open,
			High:       d.High,
			Low:        d.Low,
			Close:      d.Close,
			Volume:     d.Volume,
		}
		// FX horizons come back as bid/ask candles with no plain OHLC.
		if bar.Close == 0 && d.CloseBid > 0 {
			bar.Open = mid2(d.OpenBid, d.OpenAsk)
			bar.High = mid2(d.HighBid, d.HighAsk)
			bar.Low = mid2(d.LowBid, d.LowAsk)
			bar.Close = mid2(d.CloseBid, d.CloseAsk)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func mid2(bid, ask float64) float64 {
	if ask == 0 {
		return bid
	}
	return (bid + ask) / 2
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do performs one gateway request. 2xx bodies unmarshal into out; non-2xx
// bodies become an *APIError, carrying the embedded ErrorInfo when the body
// has one. Transport failures return the underlying error untouched so
// callers can classify them.
func (c *SaxoClient) do(ctx context.Context, method, path string, query map[string]string, body, out any) (int, error) {
	if err := c.budget.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate budget: %w", err)
	}

	requestID := uuid.NewString()
	r := c.httpClient.R().
		SetContext(ctx).
		SetHeader("x-request-id", requestID)
	if query != nil {
		r.SetQueryParams(query)
	}
	if body != nil {
		r.SetBody(body)
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = r.Get(path)
	case http.MethodPost:
		resp, err = r.Post(path)
	case http.MethodDelete:
		resp, err = r.Delete(path)
	default:
		return 0, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		c.logger.Warn("request failed", "method", method, "path", path, "request_id", requestID, "err", err)
		return 0, err
	}

	c.observeRateHeaders(resp)

	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		if out != nil && len(resp.Body()) > 0 {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return status, fmt.Errorf("decoding %s %s response: %w", method, path, err)
			}
		}
		return status, nil
	}

	apiErr := &APIError{StatusCode: status}
	var envelope struct {
		ErrorInfo *ErrorInfo `json:"ErrorInfo"`
		ErrorCode string     `json:"ErrorCode"`
		Message   string     `json:"Message"`
	}
	if json.Unmarshal(resp.Body(), &envelope) == nil {
		if envelope.ErrorInfo != nil {
			apiErr.ErrorCode = envelope.ErrorInfo.ErrorCode
			apiErr.Message = envelope.ErrorInfo.Message
		} else {
			apiErr.ErrorCode = envelope.ErrorCode
			apiErr.Message = envelope.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(resp.Body()))
	}
	c.logger.Warn("request rejected", "method", method, "path", path,
		"request_id", requestID, "status", status, "error_code", apiErr.ErrorCode)
	return status, apiErr
}

// observeRateHeaders feeds venue rate-limit headers into the budget. The
// venue emits one X-RateLimit-*-Remaining/-Reset pair per throttle dimension.
func (c *SaxoClient) observeRateHeaders(resp *resty.Response) {
	for name, vals := range resp.Header() {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-ratelimit-") || !strings.HasSuffix(lower, "-remaining") || len(vals) == 0 {
			continue
		}
		remaining, err := strconv.Atoi(vals[0])
		if err != nil {
			continue
		}
		resetName := strings.TrimSuffix(name, "Remaining") + "Reset"
		reset := time.Duration(0)
		if rv := resp.Header().Get(resetName); rv != "" {
			if secs, err := strconv.Atoi(rv); err == nil {
				reset = time.Duration(secs) * time.Second
			}
		}
		c.budget.Observe(remaining, reset)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				c.budget.Observe(0, time.Duration(secs)*time.Second)
			}
		}
	}
}
