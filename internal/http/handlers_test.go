package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"prickless/internal/models"
	"prickless/internal/publisher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeReadings struct {
	readings  []*models.Reading
	latest    *models.Reading
	stats     *models.ReadingStats
	trends    []models.TrendPoint
	err       error
	persisted []*models.Reading

	gotFilter models.ReadingFilter
	gotLimit  int
	gotSince  time.Time
}

func (f *fakeReadings) ListReadings(ctx context.Context, filter models.ReadingFilter, limit int) ([]*models.Reading, error) {
	f.gotFilter, f.gotLimit = filter, limit
	return f.readings, f.err
}

func (f *fakeReadings) Latest(ctx context.Context, filter models.ReadingFilter) (*models.Reading, error) {
	f.gotFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	if f.latest == nil {
		return nil, models.ErrNoData
	}
	return f.latest, nil
}

func (f *fakeReadings) ListSince(ctx context.Context, filter models.ReadingFilter, since time.Time, glucoseOnly bool) ([]*models.Reading, error) {
	f.gotFilter, f.gotSince = filter, since
	return f.readings, f.err
}

func (f *fakeReadings) Trends(ctx context.Context, filter models.ReadingFilter, since time.Time) ([]models.TrendPoint, error) {
	f.gotFilter, f.gotSince = filter, since
	return f.trends, f.err
}

func (f *fakeReadings) Stats(ctx context.Context, filter models.ReadingFilter) (*models.ReadingStats, error) {
	f.gotFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	if f.stats == nil {
		return nil, models.ErrNoData
	}
	return f.stats, nil
}

func (f *fakeReadings) Persist(ctx context.Context, reading *models.Reading) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.persisted = append(f.persisted, reading)
	reading.ID = int64(len(f.persisted))
	return reading.ID, nil
}

type fakeAlerts struct {
	alerts []*models.Alert
	err    error
}

func (f *fakeAlerts) ListAlerts(ctx context.Context, userID int64, limit int) ([]*models.Alert, error) {
	return f.alerts, f.err
}

type fakeDevices struct {
	devices map[string]*models.Device
}

func (f *fakeDevices) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	if d, ok := f.devices[deviceID]; ok {
		return d, nil
	}
	return nil, models.ErrDeviceNotFound
}

func newTestRouter(readings *fakeReadings, alerts *fakeAlerts, devices *fakeDevices) http.Handler {
	glucose := NewGlucoseHandler(readings, alerts, zap.NewNop())
	glucose.now = func() time.Time { return fixedNow }
	return NewRouter(zap.NewNop(), []string{"http://localhost:3000"},
		glucose,
		NewDeviceHandler(devices, readings, zap.NewNop()),
		NewHealthHandler("prickless-api", map[string]HealthCheck{
			"database": func(ctx context.Context) error { return nil },
		}),
	)
}

func doRequest(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) Result[json.RawMessage] {
	t.Helper()
	var res Result[json.RawMessage]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestGetReadings(t *testing.T) {
	glucose := 120.0
	readings := &fakeReadings{readings: []*models.Reading{{ID: 2, UserID: 7, GlucoseMgdl: &glucose}, {ID: 1, UserID: 7}}}
	router := newTestRouter(readings, &fakeAlerts{}, &fakeDevices{})

	w := doRequest(t, router, http.MethodGet, "/api/glucose/readings/7?limit=5000", nil)
	require.Equal(t, http.StatusOK, w.Code)

	res := decodeResult(t, w)
	assert.Equal(t, ResultSuccess, res.Code)
	var got []*models.Reading
	require.NoError(t, json.Unmarshal(res.Result, &got))
	assert.Len(t, got, 2)
	assert.Equal(t, int64(7), *readings.gotFilter.UserID)
	assert.Equal(t, maxLimit, readings.gotLimit)
}

func TestGetReadings_DefaultLimit(t *testing.T) {
	readings := &fakeReadings{readings: []*models.Reading{}}
	router := newTestRouter(readings, &fakeAlerts{}, &fakeDevices{})

	w := doRequest(t, router, http.MethodGet, "/api/glucose/readings/7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultLimit, readings.gotLimit)
}

func TestBadParameters(t *testing.T) {
	router := newTestRouter(&fakeReadings{}, &fakeAlerts{}, &fakeDevices{})

	for _, path := range []string{
		"/api/glucose/readings/abc",
		"/api/glucose/readings/0",
		"/api/glucose/readings/7?limit=-1",
		"/api/glucose/trends/7?hours=x",
	} {
		w := doRequest(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestGetLatest_NoData(t *testing.T) {
	router := newTestRouter(&fakeReadings{}, &fakeAlerts{}, &fakeDevices{})

	w := doRequest(t, router, http.MethodGet, "/api/glucose/latest/7", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ResultNoData, decodeResult(t, w).Code)
}

func TestGetStats(t *testing.T) {
	avg := 130.0
	readings := &fakeReadings{stats: &models.ReadingStats{TotalReadings: 4, GlucoseReadings: 3, AvgGlucose: &avg}}
	router := newTestRouter(readings, &fakeAlerts{}, &fakeDevices{})

	w := doRequest(t, router, http.MethodGet, "/api/glucose/stats/7", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats models.ReadingStats
	require.NoError(t, json.Unmarshal(decodeResult(t, w).Result, &stats))
	assert.Equal(t, int64(4), stats.TotalReadings)
	assert.Equal(t, 130.0, *stats.AvgGlucose)
}

func TestStorageFailureIsServiceUnavailable(t *testing.T) {
	readings := &fakeReadings{err: errors.New("connection refused")}
	router := newTestRouter(readings, &fakeAlerts{}, &fakeDevices{})

	w := doRequest(t, router, http.MethodGet, "/api/glucose/stats/7", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ResultError, decodeResult(t, w).Code)
}

func TestGetTrends(t *testing.T) {
	readings := &fakeReadings{trends: []models.TrendPoint{{Timestamp: fixedNow, GlucoseMgdl: 140}}}
	router := newTestRouter(readings, &fakeAlerts{}, &fakeDevices{})

	w := doRequest(t, router, http.MethodGet, "/api/glucose/trends/7?hours=6", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fixedNow.Add(-6*time.Hour), readings.gotSince)
}

func TestGetAlerts(t *testing.T) {
	alerts := &fakeAlerts{alerts: []*models.Alert{{ID: 1, UserID: 7, AlertType: models.AlertLowGlucose, Severity: models.SeverityCritical}}}
	router := newTestRouter(&fakeReadings{}, alerts, &fakeDevices{})

	w := doRequest(t, router, http.MethodGet, "/api/glucose/alerts/7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got []*models.Alert
	require.NoError(t, json.Unmarshal(decodeResult(t, w).Result, &got))
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertLowGlucose, got[0].AlertType)
}

func TestExportReadings(t *testing.T) {
	readings := &fakeReadings{readings: []*models.Reading{
		{ID: 1, UserID: 7, Timestamp: fixedNow, Features: json.RawMessage(`{"hr": 70}`)},
	}}
	router := newTestRouter(readings, &fakeAlerts{}, &fakeDevices{})

	w := doRequest(t, router, http.MethodGet, "/api/glucose/export/7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "glucose-readings-7-20240501.xlsx")
	assert.Equal(t, fixedNow.Add(-24*time.Hour), readings.gotSince)

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Readings")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestAddReading(t *testing.T) {
	readings := &fakeReadings{}
	router := newTestRouter(readings, &fakeAlerts{}, &fakeDevices{})

	body := []byte(`{"userId": 7, "features": {"mean": 1.2, "ac": 0.3, "hr": 72}, "glucoseLevel": 110}`)
	w := doRequest(t, router, http.MethodPost, "/api/glucose/readings", body)
	require.Equal(t, http.StatusCreated, w.Code)

	require.Len(t, readings.persisted, 1)
	r := readings.persisted[0]
	assert.Equal(t, int64(7), r.UserID)
	assert.Equal(t, "ESP32_TEST", *r.DeviceID)
	assert.Equal(t, "test_1714564800000", *r.SegmentID)
	assert.Equal(t, 110.0, *r.GlucoseMgdl)
	assert.False(t, r.IsPredicted)
	assert.True(t, r.Timestamp.Equal(fixedNow))

	var created map[string]int64
	require.NoError(t, json.Unmarshal(decodeResult(t, w).Result, &created))
	assert.Equal(t, int64(1), created["id"])
}

func TestAddReading_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"userId": 7,`},
		{name: "missing user", body: `{"ppg_value": 512}`},
		{name: "missing sample", body: `{"userId": 7, "features": {"mean": 1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readings := &fakeReadings{}
			router := newTestRouter(readings, &fakeAlerts{}, &fakeDevices{})

			w := doRequest(t, router, http.MethodPost, "/api/glucose/readings", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, readings.persisted)
		})
	}
}

func TestAddReading_BodyTooLarge(t *testing.T) {
	readings := &fakeReadings{}
	router := newTestRouter(readings, &fakeAlerts{}, &fakeDevices{})

	body := []byte(`{"userId": 7, "ppg_value": 512, "pad": "` + strings.Repeat("x", maxBodyBytes) + `"}`)
	w := doRequest(t, router, http.MethodPost, "/api/glucose/readings", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, readings.persisted)
}

func TestDeviceRoutes(t *testing.T) {
	devices := &fakeDevices{devices: map[string]*models.Device{
		"D1": {DeviceID: "D1", Status: models.DeviceOnline},
	}}
	readings := &fakeReadings{readings: []*models.Reading{}}
	router := newTestRouter(readings, &fakeAlerts{}, devices)

	w := doRequest(t, router, http.MethodGet, "/api/devices/D1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var d models.Device
	require.NoError(t, json.Unmarshal(decodeResult(t, w).Result, &d))
	assert.Equal(t, models.DeviceOnline, d.Status)

	w = doRequest(t, router, http.MethodGet, "/api/devices/D9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, router, http.MethodGet, "/api/devices/D1/readings?limit=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "D1", *readings.gotFilter.DeviceID)
	assert.Nil(t, readings.gotFilter.UserID)
	assert.Equal(t, 3, readings.gotLimit)

	w = doRequest(t, router, http.MethodGet, "/api/devices/D1/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	router := NewRouter(zap.NewNop(), nil, NewHealthHandler("prickless-api", map[string]HealthCheck{
		"database": func(ctx context.Context) error { return errors.New("dial tcp: refused") },
	}))

	w := doRequest(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(&fakeReadings{}, &fakeAlerts{}, &fakeDevices{})

	req := httptest.NewRequest(http.MethodOptions, "/api/glucose/readings/7", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

type scriptedTail struct {
	batches [][]publisher.Event
	calls   int
}

func (s *scriptedTail) TailReadings(ctx context.Context, lastID string, count int64, block time.Duration) ([]publisher.Event, string, error) {
	if s.calls >= len(s.batches) {
		return nil, lastID, errors.New("stream closed")
	}
	batch := s.batches[s.calls]
	s.calls++
	if len(batch) > 0 {
		lastID = batch[len(batch)-1].ID
	}
	return batch, lastID, nil
}

func TestLiveStream_FiltersByUser(t *testing.T) {
	tail := &scriptedTail{batches: [][]publisher.Event{
		{
			{ID: "1-0", Type: publisher.EventReadingStored, UserID: 7, Data: `{"id":1}`},
			{ID: "2-0", Type: publisher.EventReadingStored, UserID: 8, Data: `{"id":2}`},
		},
		{
			{ID: "3-0", Type: publisher.EventReadingEnriched, UserID: 7, Data: `{"id":1,"glucose_mgdl":210}`},
		},
	}}
	router := NewRouter(zap.NewNop(), nil, NewLiveHandler(tail, 10*time.Millisecond, zap.NewNop()))
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/glucose/live/7?since=0")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Equal(t, "text/event-stream", strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	assert.Contains(t, text, "event:reading.stored")
	assert.Contains(t, text, `"id":1`)
	assert.Contains(t, text, "event:reading.enriched")
	assert.NotContains(t, text, `"id":2`)
}
