package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marlin/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

// Simulator is an in-memory broker for paper trading and tests. It fills
// every order immediately at the configured quote mid and deduplicates
// placements on the external reference the way the live venue does.
type Simulator struct {
	mu        sync.Mutex
	quotes    map[domain.InstrumentID]domain.Quote
	bars      map[domain.InstrumentID][]domain.Bar
	positions map[domain.InstrumentID]domain.Position
	orders    map[string]domain.BrokerOrder // keyed by external reference
	accepted  map[string]bool               // disclaimer tokens
	nextID    int

	// Hooks let tests inject failures at specific stages. Nil hooks are
	// no-ops.
	PrecheckHook func(req OrderRequest) (*PrecheckResponse, error)
	PlaceHook    func(req OrderRequest) (*PlaceOrderResponse, error)

	now func() time.Time
}

// NewSimulator returns an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		quotes:    make(map[domain.InstrumentID]domain.Quote),
		bars:      make(map[domain.InstrumentID][]domain.Bar),
		positions: make(map[domain.InstrumentID]domain.Position),
		orders:    make(map[string]domain.BrokerOrder),
		accepted:  make(map[string]bool),
		nextID:    1,
		now:       time.Now,
	}
}

func (s *Simulator) Name() string { return "simulator" }

// SetQuote seeds the current quote for an instrument.
func (s *Simulator) SetQuote(q domain.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Instrument] = q
}

// SetBars seeds historical bars for an instrument.
func (s *Simulator) SetBars(id domain.InstrumentID, bars []domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[id] = bars
}

// SetPosition seeds a net position.
func (s *Simulator) SetPosition(p domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Instrument] = p
}

// PlacedOrders returns a snapshot of all orders placed so far.
func (s *Simulator) PlacedOrders() []domain.BrokerOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BrokerOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

func (s *Simulator) Precheck(ctx context.Context, req OrderRequest) (*PrecheckResponse, error) {
	if hook := s.PrecheckHook; hook != nil {
		return hook(req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := domain.InstrumentID{AssetType: domain.AssetType(req.AssetType), UIC: req.UIC}
	q, ok := s.quotes[id]
	if !ok {
		return &PrecheckResponse{
			HTTPStatus: 200,
			ErrorInfo:  &ErrorInfo{ErrorCode: "InstrumentNotTradable", Message: "no market for instrument"},
		}, nil
	}
	cost := q.Mid * req.Amount
	return &PrecheckResponse{
		HTTPStatus:          200,
		EstimatedCost:       &MoneyAmount{Amount: cost * 0.001, Currency: "USD"},
		MarginImpactBuySell: &MoneyAmount{Amount: cost, Currency: "USD"},
	}, nil
}

func (s *Simulator) PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceOrderResponse, error) {
	if hook := s.PlaceHook; hook != nil {
		return hook(req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ExternalReference != "" {
		if existing, ok := s.orders[req.ExternalReference]; ok {
			return &PlaceOrderResponse{HTTPStatus: 200, OrderID: existing.OrderID}, nil
		}
	}

	id := domain.InstrumentID{AssetType: domain.AssetType(req.AssetType), UIC: req.UIC}
	q, ok := s.quotes[id]
	if !ok {
		return &PlaceOrderResponse{
			HTTPStatus: 200,
			ErrorInfo:  &ErrorInfo{ErrorCode: "InstrumentNotTradable", Message: "no market for instrument"},
		}, nil
	}

	orderID := fmt.Sprintf("sim-%d", s.nextID)
	s.nextID++
	amount := decimal.NewFromFloat(req.Amount)
	order := domain.BrokerOrder{
		OrderID:           orderID,
		ExternalReference: req.ExternalReference,
		Status:            domain.OrderStatusFilled,
		Instrument:        id,
		Side:              domain.Side(req.BuySell),
		Amount:            amount,
		FilledAmount:      amount,
		Price:             q.Mid,
	}
	if req.ExternalReference != "" {
		s.orders[req.ExternalReference] = order
	} else {
		s.orders[orderID] = order
	}
	s.applyFill(order)
	return &PlaceOrderResponse{HTTPStatus: 200, OrderID: orderID}, nil
}

// applyFill updates the net position for a filled order. Caller holds mu.
func (s *Simulator) applyFill(o domain.BrokerOrder) {
	p := s.positions[o.Instrument]
	p.Instrument = o.Instrument
	p.CanBeClosed = true
	if p.Currency == "" {
		p.Currency = "USD"
	}
	delta := o.FilledAmount
	if o.Side == domain.SideSell {
		delta = delta.Neg()
	}
	p.NetQuantity = p.NetQuantity.Add(delta)
	if p.NetQuantity.IsZero() {
		delete(s.positions, o.Instrument)
		return
	}
	p.AveragePrice = decimal.NewFromFloat(o.Price)
	s.positions[o.Instrument] = p
}

func (s *Simulator) OrdersByReference(ctx context.Context, ref string) ([]domain.BrokerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BrokerOrder
	for _, o := range s.orders {
		if o.ExternalReference == ref {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Simulator) NetPositions(ctx context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Simulator) DisclaimerDetails(ctx context.Context, token string) (*DisclaimerDetail, error) {
	return &DisclaimerDetail{Token: token, IsBlocking: false, Title: "Simulated disclaimer"}, nil
}

func (s *Simulator) AcceptDisclaimer(ctx context.Context, disclaimerContext, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted[token] = true
	return nil
}

func (s *Simulator) SearchInstruments(ctx context.Context, keyword string, assetType domain.AssetType) ([]domain.Instrument, error) {
	return nil, nil
}

func (s *Simulator) LatestQuote(ctx context.Context, id domain.InstrumentID) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", id)
	}
	return &q, nil
}

func (s *Simulator) RecentBars(ctx context.Context, id domain.InstrumentID, horizonMinutes, count int, before time.Time) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars := s.bars[id]
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]domain.Bar, len(bars))
	copy(out, bars)
	return out, nil
}
