package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsReportsCountsByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM numbers GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("AVAILABLE", 12).
			AddRow("RESERVED", 3).
			AddRow("DELETED", 40))
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM reservations GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("WAITING_CODE", 3).
			AddRow("COMPLETED", 110))
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM provider_messages GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("PENDING", 1).
			AddRow("ORPHAN", 7))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(58))

	h := NewStatsHandler(db, prometheus.NewRegistry(), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	assert.Equal(t, 58, resp.Users)
	assert.Equal(t, 12, resp.Numbers["AVAILABLE"])
	assert.Equal(t, 3, resp.Reservations["WAITING_CODE"])
	assert.Equal(t, 7, resp.Messages["ORPHAN"])
	assert.Empty(t, resp.Pipeline.Outcomes)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsToleratesQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM numbers GROUP BY status`).
		WillReturnError(assert.AnError)
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM reservations GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}))
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM provider_messages GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	h := NewStatsHandler(db, prometheus.NewRegistry(), nil)
	rec := httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Numbers)
}

type stubGatherer struct {
	families []*dto.MetricFamily
	err      error
}

func (s stubGatherer) Gather() ([]*dto.MetricFamily, error) {
	return s.families, s.err
}

var _ prometheus.Gatherer = stubGatherer{}

func TestSnapshotPipelineFiltersQueuedDeliveries(t *testing.T) {
	outcomeName := outcomeFamily
	counterType := dto.MetricType_COUNTER
	latencyName := gatewayLatencyFamily
	histType := dto.MetricType_HISTOGRAM
	outcomeLabel := "outcome"
	statusLabel := "status"

	gatherer := stubGatherer{
		families: []*dto.MetricFamily{
			{
				Name: &outcomeName,
				Type: &counterType,
				Metric: []*dto.Metric{
					{
						Label:   []*dto.LabelPair{{Name: &outcomeLabel, Value: ptrString("processed")}},
						Counter: &dto.Counter{Value: ptrFloat64(4)},
					},
					{
						Label:   []*dto.LabelPair{{Name: &outcomeLabel, Value: ptrString("duplicate")}},
						Counter: &dto.Counter{Value: ptrFloat64(2)},
					},
				},
			},
			{
				Name: &latencyName,
				Type: &histType,
				Metric: []*dto.Metric{
					{
						Label: []*dto.LabelPair{{Name: &statusLabel, Value: ptrString("queued")}},
						Histogram: &dto.Histogram{
							SampleCount: ptrUint64(10),
							Bucket: []*dto.Bucket{
								{UpperBound: ptrFloat64(1.0), CumulativeCount: ptrUint64(5)},
								{UpperBound: ptrFloat64(2.0), CumulativeCount: ptrUint64(9)},
								{UpperBound: ptrFloat64(3.0), CumulativeCount: ptrUint64(10)},
							},
						},
					},
					{
						Label: []*dto.LabelPair{{Name: &statusLabel, Value: ptrString("unauthorized")}},
						Histogram: &dto.Histogram{
							SampleCount: ptrUint64(100),
							Bucket: []*dto.Bucket{
								{UpperBound: ptrFloat64(1.0), CumulativeCount: ptrUint64(100)},
							},
						},
					},
				},
			},
		},
	}

	h := NewStatsHandler(nil, gatherer, nil)
	stats := h.snapshotPipeline()

	assert.Equal(t, int64(4), stats.Outcomes["processed"])
	assert.Equal(t, int64(2), stats.Outcomes["duplicate"])

	lat := stats.GatewayLatency
	assert.Equal(t, int64(10), lat.Total, "failed deliveries must not count")
	assert.InDelta(t, 2000.0, lat.P90Ms, 1.0)
	assert.InDelta(t, 2500.0, lat.P95Ms, 1.0)

	require.Len(t, lat.Buckets, 3)
	assert.Equal(t, LatencyBucket{LeSeconds: 1.0, Count: 5}, lat.Buckets[0])
	assert.Equal(t, LatencyBucket{LeSeconds: 2.0, Count: 4}, lat.Buckets[1])
	assert.Equal(t, LatencyBucket{LeSeconds: 3.0, Count: 1}, lat.Buckets[2])
}

func TestSnapshotPipelineEmptyRegistry(t *testing.T) {
	h := NewStatsHandler(nil, stubGatherer{}, nil)
	stats := h.snapshotPipeline()

	assert.Empty(t, stats.Outcomes)
	assert.Zero(t, stats.GatewayLatency.Total)
	assert.Empty(t, stats.GatewayLatency.Buckets)
}

func ptrString(v string) *string { return &v }

func ptrUint64(v uint64) *uint64 { return &v }

func ptrFloat64(v float64) *float64 { return &v }
