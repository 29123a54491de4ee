package admin

import (
	"context"
	"database/sql"
	"math"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/numrent/numrent/pkg/logging"
)

const (
	outcomeFamily        = "numrent_correlator_outcomes_total"
	gatewayLatencyFamily = "numrent_gateway_latency_seconds"
)

// StatsHandler reports inventory and pipeline counts for the operator.
// Row counts read through database/sql; pipeline counters come from the
// process Prometheus registry and reset on restart.
type StatsHandler struct {
	db       *sql.DB
	gatherer prometheus.Gatherer
	logger   *logging.Logger
}

// NewStatsHandler creates the stats handler.
func NewStatsHandler(db *sql.DB, gatherer prometheus.Gatherer, logger *logging.Logger) *StatsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &StatsHandler{db: db, gatherer: gatherer, logger: logger.Component("admin")}
}

// GatewayLatencySnapshot summarizes webhook handling latency for queued
// deliveries since process start.
type GatewayLatencySnapshot struct {
	Total   int64           `json:"total"`
	P90Ms   float64         `json:"p90_ms"`
	P95Ms   float64         `json:"p95_ms"`
	Buckets []LatencyBucket `json:"buckets,omitempty"`
}

type LatencyBucket struct {
	LeSeconds float64 `json:"le_seconds"`
	Count     int64   `json:"count"`
}

// PipelineStats carries process-local correlator and gateway counters.
type PipelineStats struct {
	Outcomes       map[string]int64       `json:"outcomes"`
	GatewayLatency GatewayLatencySnapshot `json:"gateway_latency"`
}

// StatsResponse is the admin stats payload. Maps are keyed by status.
type StatsResponse struct {
	Users        int            `json:"users"`
	Numbers      map[string]int `json:"numbers"`
	Reservations map[string]int `json:"reservations"`
	Messages     map[string]int `json:"messages"`
	Pipeline     PipelineStats  `json:"pipeline"`
}

// Get returns current row counts grouped by status plus pipeline counters.
// GET /v1/admin/stats
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	resp := StatsResponse{
		Numbers:      h.countByStatus(ctx, `SELECT status, COUNT(*) FROM numbers GROUP BY status`),
		Reservations: h.countByStatus(ctx, `SELECT status, COUNT(*) FROM reservations GROUP BY status`),
		Messages:     h.countByStatus(ctx, `SELECT status, COUNT(*) FROM provider_messages GROUP BY status`),
		Pipeline:     h.snapshotPipeline(),
	}
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&resp.Users); err != nil {
		h.logger.Warn("user count failed", "error", err)
	}

	respondJSON(w, http.StatusOK, resp)
}

func (h *StatsHandler) countByStatus(ctx context.Context, query string) map[string]int {
	counts := map[string]int{}
	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		h.logger.Warn("status count failed", "error", err)
		return counts
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			h.logger.Warn("status count scan failed", "error", err)
			continue
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		h.logger.Warn("status count iteration failed", "error", err)
	}
	return counts
}

func (h *StatsHandler) snapshotPipeline() PipelineStats {
	stats := PipelineStats{Outcomes: map[string]int64{}}
	mfs, err := h.gatherer.Gather()
	if err != nil {
		h.logger.Warn("metric gather failed", "error", err)
		return stats
	}
	for _, mf := range mfs {
		if mf == nil {
			continue
		}
		switch mf.GetName() {
		case outcomeFamily:
			for _, metric := range mf.Metric {
				if metric == nil {
					continue
				}
				for _, lp := range metric.Label {
					if lp.GetName() == "outcome" {
						stats.Outcomes[lp.GetValue()] = int64(metric.GetCounter().GetValue())
					}
				}
			}
		case gatewayLatencyFamily:
			stats.GatewayLatency = snapshotGatewayLatency(mf)
		}
	}
	return stats
}

func snapshotGatewayLatency(family *dto.MetricFamily) GatewayLatencySnapshot {
	// Aggregate across label sets, keeping only deliveries that reached the
	// queue.
	cumulativeByUpper := map[float64]uint64{}
	var sampleCount uint64

	for _, metric := range family.Metric {
		if metric == nil || !hasLabel(metric, "status", "queued") {
			continue
		}
		hist := metric.GetHistogram()
		if hist == nil {
			continue
		}
		sampleCount += hist.GetSampleCount()
		for _, b := range hist.Bucket {
			if b == nil {
				continue
			}
			cumulativeByUpper[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if sampleCount == 0 || len(cumulativeByUpper) == 0 {
		return GatewayLatencySnapshot{}
	}

	uppers := make([]float64, 0, len(cumulativeByUpper))
	for upper := range cumulativeByUpper {
		uppers = append(uppers, upper)
	}
	sort.Float64s(uppers)

	buckets := make([]LatencyBucket, 0, len(uppers))
	var prev uint64
	for _, upper := range uppers {
		cum := cumulativeByUpper[upper]
		if math.IsInf(upper, 1) {
			prev = cum
			continue
		}
		count := int64(cum)
		if cum >= prev {
			count = int64(cum - prev)
		}
		buckets = append(buckets, LatencyBucket{LeSeconds: upper, Count: count})
		prev = cum
	}

	return GatewayLatencySnapshot{
		Total:   int64(sampleCount),
		P90Ms:   histogramQuantile(0.90, sampleCount, uppers, cumulativeByUpper) * 1000.0,
		P95Ms:   histogramQuantile(0.95, sampleCount, uppers, cumulativeByUpper) * 1000.0,
		Buckets: buckets,
	}
}

func hasLabel(metric *dto.Metric, name, value string) bool {
	for _, lp := range metric.Label {
		if lp == nil {
			continue
		}
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func histogramQuantile(q float64, total uint64, uppers []float64, cumulativeByUpper map[float64]uint64) float64 {
	if total == 0 || q <= 0 {
		return 0
	}
	if q >= 1 {
		for i := len(uppers) - 1; i >= 0; i-- {
			if !math.IsInf(uppers[i], 1) {
				return uppers[i]
			}
		}
		return 0
	}

	target := q * float64(total)
	var prevUpper float64
	var prevCum float64

	for _, upper := range uppers {
		cum := float64(cumulativeByUpper[upper])
		if cum < target {
			prevUpper = upper
			prevCum = cum
			continue
		}

		// If we can't interpolate, return the bucket upper bound.
		bucketCount := cum - prevCum
		if bucketCount <= 0 || upper == prevUpper {
			return upper
		}
		if math.IsInf(upper, 1) {
			return prevUpper
		}

		fraction := (target - prevCum) / bucketCount
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}

		lower := prevUpper
		return lower + fraction*(upper-lower)
	}

	return uppers[len(uppers)-1]
}
