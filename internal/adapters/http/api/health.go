package api

import (
	"fmt"
	"net/http"

	"github.com/okian/demandseries/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	deps Dependencies
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(deps Dependencies) *HealthHandler {
	return &HealthHandler{deps: deps}
}

type healthResponse struct {
	Status        string `json:"status"`
	Started       bool   `json:"started"`
	Workers       int    `json:"workers"`
	QueueLength   int    `json:"queue_length"`
	QueueCapacity int    `json:"queue_capacity"`
	Pending       int64  `json:"pending_requests"`
	Stores        int    `json:"stores"`
	SeriesRows    int    `json:"series_rows"`
	StaleRows     int    `json:"stale_rows"`
}

// HandleHealth handles GET /healthz. It answers 503 when the store cannot
// be reached.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}
	ctx := r.Context()
	if err := h.deps.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", fmt.Errorf("%w: %w", ErrUnhealthy, err))
		return
	}
	st, err := h.deps.GetStats(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", fmt.Errorf("%w: %w", ErrUnhealthy, err))
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Started:       st.Started,
		Workers:       st.Workers,
		QueueLength:   st.QueueLength,
		QueueCapacity: st.QueueCapacity,
		Pending:       st.PendingRequests,
		Stores:        st.Stores,
		SeriesRows:    st.SeriesRows,
		StaleRows:     st.StaleRows,
	})
}

// NewMetricsHandler serves the pipeline's Prometheus registry.
func NewMetricsHandler() http.Handler {
	return promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})
}
