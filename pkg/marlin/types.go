package marlin

// HealthResponse reports process liveness and the configured environment.
type HealthResponse struct {
	Status      string `json:"status"`
	Environment string `json:"environment"`
	Broker      string `json:"broker"`
}

// OutcomeJSON is the JSON representation of one recorded pipeline outcome.
type OutcomeJSON struct {
	CorrelationRef string `json:"correlationRef"`
	Instrument     string `json:"instrument"`
	Side           string `json:"side"`
	Amount         string `json:"amount"`
	State          string `json:"state"`
	Reason         string `json:"reason,omitempty"`
	OrderID        string `json:"orderId,omitempty"`
	Retryable      bool   `json:"retryable"`
	CycleID        string `json:"cycleId"`
	CreatedAt      string `json:"createdAt"`
	ResolvedAt     string `json:"resolvedAt,omitempty"`
}

// OutcomesResponse holds a page of outcome records, newest first.
type OutcomesResponse struct {
	Outcomes []OutcomeJSON `json:"outcomes"`
}

// PendingResponse holds outcomes still awaiting reconciliation.
type PendingResponse struct {
	Pending []OutcomeJSON `json:"pending"`
}

// PositionJSON is the JSON representation of one broker net position.
type PositionJSON struct {
	Instrument   string `json:"instrument"`
	NetQuantity  string `json:"netQuantity"`
	AveragePrice string `json:"averagePrice"`
	Currency     string `json:"currency"`
	CanBeClosed  bool   `json:"canBeClosed"`
}

// PositionsResponse holds all net positions for the account.
type PositionsResponse struct {
	Positions []PositionJSON `json:"positions"`
}

// TradesResponse reports the trade counter for one day.
type TradesResponse struct {
	Day    string `json:"day"`
	Trades int    `json:"trades"`
}
