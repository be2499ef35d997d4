// Package httpapi serves a read-only HTTP status API over the trading
// client's attempt journal and broker positions. Wire types live in
// pkg/marlin so the SDK client can share them.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"marlin/internal/broker"
	"marlin/internal/store"
	"marlin/pkg/marlin"
)

// Journal is the slice of the attempt store the status API reads from.
type Journal interface {
	RecentOutcomes(ctx context.Context, limit int) ([]store.OutcomeRecord, error)
	PendingReconciliations(ctx context.Context) ([]store.OutcomeRecord, error)
	TradesOn(ctx context.Context, day string) (int, error)
}

// StatusServer serves the trading client's status HTTP API.
type StatusServer struct {
	journal     Journal
	broker      broker.Broker
	environment string
	log         *slog.Logger
}

// NewStatusServer creates a status server over the given journal and broker.
func NewStatusServer(journal Journal, b broker.Broker, environment string, log *slog.Logger) *StatusServer {
	if log == nil {
		log = slog.Default()
	}
	return &StatusServer{
		journal:     journal,
		broker:      b,
		environment: environment,
		log:         log,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *StatusServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/outcomes", s.handleOutcomes)
	mux.HandleFunc("GET /api/pending", s.handlePending)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/trades/{day}", s.handleTrades)
}

// Handler returns an http.Handler with CORS middleware.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, marlin.HealthResponse{
		Status:      "ok",
		Environment: s.environment,
		Broker:      s.broker.Name(),
	})
}

func (s *StatusServer) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.journal.RecentOutcomes(r.Context(), limit)
	if err != nil {
		s.log.Error("listing outcomes", "error", err)
		writeError(w, http.StatusInternalServerError, "reading outcome journal")
		return
	}
	writeJSON(w, marlin.OutcomesResponse{Outcomes: outcomesJSON(recs)})
}

func (s *StatusServer) handlePending(w http.ResponseWriter, r *http.Request) {
	recs, err := s.journal.PendingReconciliations(r.Context())
	if err != nil {
		s.log.Error("listing pending reconciliations", "error", err)
		writeError(w, http.StatusInternalServerError, "reading outcome journal")
		return
	}
	writeJSON(w, marlin.PendingResponse{Pending: outcomesJSON(recs)})
}

func (s *StatusServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.broker.NetPositions(r.Context())
	if err != nil {
		s.log.Error("listing positions", "error", err)
		writeError(w, http.StatusBadGateway, "reading positions from broker")
		return
	}
	resp := marlin.PositionsResponse{Positions: []marlin.PositionJSON{}}
	for _, p := range positions {
		resp.Positions = append(resp.Positions, marlin.PositionJSON{
			Instrument:   p.Instrument.String(),
			NetQuantity:  p.NetQuantity.String(),
			AveragePrice: p.AveragePrice.String(),
			Currency:     p.Currency,
			CanBeClosed:  p.CanBeClosed,
		})
	}
	writeJSON(w, resp)
}

func (s *StatusServer) handleTrades(w http.ResponseWriter, r *http.Request) {
	day := r.PathValue("day")
	if _, err := time.Parse("2006-01-02", day); err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}
	count, err := s.journal.TradesOn(r.Context(), day)
	if err != nil {
		s.log.Error("reading trade counter", "day", day, "error", err)
		writeError(w, http.StatusInternalServerError, "reading trade counter")
		return
	}
	writeJSON(w, marlin.TradesResponse{Day: day, Trades: count})
}

func outcomesJSON(recs []store.OutcomeRecord) []marlin.OutcomeJSON {
	out := make([]marlin.OutcomeJSON, 0, len(recs))
	for _, rec := range recs {
		j := marlin.OutcomeJSON{
			CorrelationRef: rec.CorrelationRef,
			Instrument:     rec.Instrument.String(),
			Side:           string(rec.Side),
			Amount:         rec.Amount,
			State:          string(rec.State),
			Reason:         rec.Reason,
			OrderID:        rec.OrderID,
			Retryable:      rec.Retryable,
			CycleID:        rec.CycleID,
			CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
		}
		if rec.ResolvedAt != nil {
			j.ResolvedAt = rec.ResolvedAt.Format(time.RFC3339)
		}
		out = append(out, j)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
