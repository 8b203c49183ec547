package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/bus"
	"example.com/platform/services/eventbus/internal/models"
	"example.com/platform/services/eventbus/internal/replay"
	"example.com/platform/services/eventbus/internal/retry"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// stubDLQ serves canned dead letter state.
type stubDLQ struct {
	size    int64
	sizeErr error
	entries []retry.DLQEntry
	retried []string
	missing []string
	purged  int64
}

func (s *stubDLQ) DLQSize(ctx context.Context) (int64, error) {
	return s.size, s.sizeErr
}

func (s *stubDLQ) ListDLQ(ctx context.Context, offset, limit int) ([]retry.DLQEntry, error) {
	if offset >= len(s.entries) {
		return nil, nil
	}
	entries := s.entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *stubDLQ) RetryFromDLQ(ctx context.Context, eventIDs []string) ([]string, []string, error) {
	return s.retried, s.missing, nil
}

func (s *stubDLQ) PurgeDLQ(ctx context.Context) (int64, error) {
	return s.purged, nil
}

// stubReplayer serves canned replay jobs.
type stubReplayer struct {
	job      *models.ReplayJob
	startErr error
	statuses map[string]*models.ReplayJob
}

func (s *stubReplayer) StartReplay(ctx context.Context, req replay.Request) (*models.ReplayJob, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return s.job, nil
}

func (s *stubReplayer) GetStatus(ctx context.Context, jobID string) (*models.ReplayJob, error) {
	return s.statuses[jobID], nil
}

// stubInspector serves canned pending counts and circuit marker state.
type stubInspector struct {
	pending    map[string]int64
	circuitLen int64
}

func (s *stubInspector) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	return s.pending[stream], nil
}

func (s *stubInspector) Len(ctx context.Context, stream string) (int64, error) {
	return s.circuitLen, nil
}

func testConfig() config.Config {
	return config.Config{
		Bus:      config.BusConfig{StreamPrefix: "bus:events", Partitions: 2},
		Consumer: config.ConsumerConfig{Group: "test-group", CircuitStream: "bus:circuit"},
		Retry:    config.RetryConfig{DLQMaxLen: 10000},
	}
}

func newTestRouter(dlq DLQManager, replayer Replayer) *gin.Engine {
	return newTestRouterWith(dlq, replayer, &stubInspector{})
}

func newTestRouterWith(dlq DLQManager, replayer Replayer, inspector BusInspector) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewAdminHandler(dlq, replayer, inspector, testConfig()).RegisterRoutes(router)
	return router
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthHealthy(t *testing.T) {
	router := newTestRouter(&stubDLQ{size: 12}, &stubReplayer{})

	w := doRequest(router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp["status"])
	require.Equal(t, float64(12), resp["dlq_size"])
}

func TestHealthReportsLagFromStore(t *testing.T) {
	inspector := &stubInspector{pending: map[string]int64{
		"bus:events:0": 3,
		"bus:events:1": 4,
	}}
	router := newTestRouterWith(&stubDLQ{}, &stubReplayer{}, inspector)

	w := doRequest(router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, float64(7), resp["consumer_lag"],
		"lag is read from the shared log store, not a process-local gauge")
}

func TestHealthUnhealthyOnTrippedCircuit(t *testing.T) {
	router := newTestRouterWith(&stubDLQ{}, &stubReplayer{}, &stubInspector{circuitLen: 1})

	w := doRequest(router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "unhealthy", resp["status"])
	require.Equal(t, true, resp["circuit_open"])
}

func TestHealthDegradedOnDLQPressure(t *testing.T) {
	router := newTestRouter(&stubDLQ{size: 9500}, &stubReplayer{})

	w := doRequest(router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "degraded", resp["status"])
}

func TestListDLQ(t *testing.T) {
	entries := []retry.DLQEntry{
		{Envelope: &bus.Envelope{ID: "e1", Type: "approval.approved"}, FailureReason: "boom", OriginalAttempts: 4},
		{Envelope: &bus.Envelope{ID: "e2", Type: "approval.rejected"}, FailureReason: "boom", OriginalAttempts: 4},
	}
	router := newTestRouter(&stubDLQ{size: 2, entries: entries}, &stubReplayer{})

	w := doRequest(router, http.MethodGet, "/dlq?offset=0&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []retry.DLQEntry `json:"entries"`
		Count   int              `json:"count"`
		Total   int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	require.Equal(t, int64(2), resp.Total)
	require.Equal(t, "e1", resp.Entries[0].Envelope.ID)
}

func TestListDLQRejectsBadPaging(t *testing.T) {
	router := newTestRouter(&stubDLQ{}, &stubReplayer{})

	w := doRequest(router, http.MethodGet, "/dlq?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/dlq?limit=1000", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryDLQ(t *testing.T) {
	router := newTestRouter(&stubDLQ{retried: []string{"e1"}, missing: []string{"e9"}}, &stubReplayer{})

	w := doRequest(router, http.MethodPost, "/dlq/retry", DLQRetryRequest{EventIDs: []string{"e1", "e9"}})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Retried []string `json:"retried"`
		Missing []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, []string{"e1"}, resp.Retried)
	require.Equal(t, []string{"e9"}, resp.Missing)
}

func TestRetryDLQRequiresEventIDs(t *testing.T) {
	router := newTestRouter(&stubDLQ{}, &stubReplayer{})

	w := doRequest(router, http.MethodPost, "/dlq/retry", map[string]interface{}{"event_ids": []string{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPurgeDLQ(t *testing.T) {
	router := newTestRouter(&stubDLQ{purged: 42}, &stubReplayer{})

	w := doRequest(router, http.MethodDelete, "/dlq", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, float64(42), resp["purged"])
}

func TestStartReplay(t *testing.T) {
	job := &models.ReplayJob{JobID: "job-1", Status: models.ReplayRunning, TotalCount: 7}
	router := newTestRouter(&stubDLQ{}, &stubReplayer{job: job})

	w := doRequest(router, http.MethodPost, "/replay", replay.Request{
		From: time.Now().Add(-time.Hour),
		To:   time.Now(),
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "job-1", resp["job_id"])
	require.Equal(t, float64(7), resp["total_count"])
}

func TestStartReplayValidationError(t *testing.T) {
	router := newTestRouter(&stubDLQ{}, &stubReplayer{
		startErr: &bus.ValidationError{Field: "from", Message: "start of the replay window is required"},
	})

	w := doRequest(router, http.MethodPost, "/replay", replay.Request{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReplayStatus(t *testing.T) {
	job := &models.ReplayJob{JobID: "job-1", Status: models.ReplayCompleted, ReplayedCount: 7}
	router := newTestRouter(&stubDLQ{}, &stubReplayer{statuses: map[string]*models.ReplayJob{"job-1": job}})

	w := doRequest(router, http.MethodGet, "/replay/job-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.ReplayJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, models.ReplayCompleted, resp.Status)

	w = doRequest(router, http.MethodGet, "/replay/no-such-job", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
