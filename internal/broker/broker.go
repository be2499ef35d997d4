// Package broker defines the Broker interface for the brokerage venue and
// provides the REST implementation plus an in-memory simulator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"marlin/internal/domain"
)

// Broker abstracts the venue operations the trading pipeline depends on.
// Precheck and PlaceOrder accept the same logical request shape; precheck is
// read-only at the broker, placement deduplicates on the external reference
// for a bounded retention window.
type Broker interface {
	// Name returns the broker identifier (e.g. "saxo", "simulator").
	Name() string

	// Precheck validates the order and estimates cost/margin without placing
	// it. A non-nil response with an embedded ErrorInfo is a business
	// rejection delivered over HTTP success; callers must check it.
	Precheck(ctx context.Context, req OrderRequest) (*PrecheckResponse, error)

	// PlaceOrder submits the order for execution. The external reference in
	// req is the idempotency key the venue deduplicates on.
	PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceOrderResponse, error)

	// OrdersByReference returns the orders whose caller-supplied external
	// reference matches ref, from the venue's authoritative records.
	OrdersByReference(ctx context.Context, ref string) ([]domain.BrokerOrder, error)

	// NetPositions returns all net positions for the account.
	NetPositions(ctx context.Context) ([]domain.Position, error)

	// DisclaimerDetails resolves a disclaimer token to its classification
	// and display content.
	DisclaimerDetails(ctx context.Context, token string) (*DisclaimerDetail, error)

	// AcceptDisclaimer registers acceptance of a disclaimer token within the
	// given disclaimer context.
	AcceptDisclaimer(ctx context.Context, disclaimerContext, token string) error

	// SearchInstruments finds instruments matching a keyword.
	SearchInstruments(ctx context.Context, keyword string, assetType domain.AssetType) ([]domain.Instrument, error)

	// LatestQuote returns the current snapshot price for an instrument.
	LatestQuote(ctx context.Context, id domain.InstrumentID) (*domain.Quote, error)

	// RecentBars returns up to count closed OHLCV bars of the given horizon
	// ending at or before the given time.
	RecentBars(ctx context.Context, id domain.InstrumentID, horizonMinutes, count int, before time.Time) ([]domain.Bar, error)
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// OrderRequest is the shared request body for precheck and placement.
type OrderRequest struct {
	AccountKey        string        `json:"AccountKey"`
	Amount            float64       `json:"Amount"`
	AssetType         string        `json:"AssetType"`
	BuySell           string        `json:"BuySell"`
	ManualOrder       bool          `json:"ManualOrder"`
	OrderType         string        `json:"OrderType"`
	UIC               int           `json:"Uic"`
	ExternalReference string        `json:"ExternalReference,omitempty"`
	OrderDuration     OrderDuration `json:"OrderDuration"`
	FieldGroups       []string      `json:"FieldGroups,omitempty"`
}

// OrderDuration selects how long an order stays active. Market orders are
// always DayOrder on this venue.
type OrderDuration struct {
	DurationType string `json:"DurationType"`
}

// ErrorInfo is the business-level error object the venue embeds in response
// bodies, including bodies delivered with HTTP 200.
type ErrorInfo struct {
	ErrorCode string `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// MoneyAmount is an amount in a named currency.
type MoneyAmount struct {
	Amount   float64 `json:"Amount"`
	Currency string  `json:"Currency"`
}

// PreTradeDisclaimers lists the disclaimer tokens that must be resolved
// before placement, together with the opaque context id acceptances are
// registered under.
type PreTradeDisclaimers struct {
	DisclaimerContext string   `json:"DisclaimerContext"`
	DisclaimerTokens  []string `json:"DisclaimerTokens"`
}

// PrecheckResponse is the parsed body of a precheck call. MarginImpact is
// the legacy field some venue environments still return in place of
// MarginImpactBuySell.
type PrecheckResponse struct {
	ErrorInfo           *ErrorInfo           `json:"ErrorInfo,omitempty"`
	EstimatedCost       *MoneyAmount         `json:"EstimatedCost,omitempty"`
	MarginImpactBuySell *MoneyAmount         `json:"MarginImpactBuySell,omitempty"`
	MarginImpact        *MoneyAmount         `json:"MarginImpact,omitempty"`
	PreTradeDisclaimers *PreTradeDisclaimers `json:"PreTradeDisclaimers,omitempty"`

	// HTTPStatus is the transport status the body arrived with.
	HTTPStatus int `json:"-"`
}

// PlaceOrderResponse is the parsed body of a placement call. Some venue
// responses carry the order id nested under Orders instead of at top level.
type PlaceOrderResponse struct {
	OrderID   string     `json:"OrderId,omitempty"`
	ErrorInfo *ErrorInfo `json:"ErrorInfo,omitempty"`
	Orders    []struct {
		OrderID string `json:"OrderId"`
	} `json:"Orders,omitempty"`

	HTTPStatus int `json:"-"`
}

// ResolvedOrderID returns the order id regardless of where the venue put it.
func (r *PlaceOrderResponse) ResolvedOrderID() string {
	if r.OrderID != "" {
		return r.OrderID
	}
	if len(r.Orders) > 0 {
		return r.Orders[0].OrderID
	}
	return ""
}

// DisclaimerDetail is the classification and content of one disclaimer
// token from the venue's disclaimer-management service.
type DisclaimerDetail struct {
	Token      string `json:"DisclaimerToken"`
	IsBlocking bool   `json:"IsBlocking"`
	Title      string `json:"Title"`
	Body       string `json:"Body"`
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// APIError is a definite non-2xx response from the venue. It is not returned
// for business errors embedded in HTTP 200 bodies; those stay in the parsed
// response's ErrorInfo.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("broker API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("broker API error %d: %s", e.StatusCode, e.Message)
}

// IsTransientStatus reports whether the HTTP status indicates a transient
// condition worth retrying for side-effect-free calls: rate limiting or a
// server error. Deterministic 4xx validation failures are never transient.
func IsTransientStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// IsTransient reports whether err represents a transient failure: a timeout,
// a connection-level error, or a transient HTTP status.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return IsTransientStatus(apiErr.StatusCode)
	}
	return isTransportError(err)
}

// IsAmbiguous reports whether err leaves the outcome of a state-changing
// call unknown: the request may or may not have been processed. Timeouts,
// connection resets, and 5xx responses without a definite business answer
// are ambiguous; 4xx responses (including 429, which is rejected before
// processing) are not.
func IsAmbiguous(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return isTransportError(err)
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
