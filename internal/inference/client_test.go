package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"prickless/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestPredict_Success(t *testing.T) {
	var got PredictRequest
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"glucose_mgdl": 210, "quality": 0.9, "anomalies": ["motion"]}`))
	})

	c := NewClient(srv.URL, "v1", time.Second, zap.NewNop())
	pred, err := c.Predict(context.Background(), &PredictRequest{
		Features: map[string]float64{"mean": 1.2, "ac": 0.3, "hr": 72},
	})
	require.NoError(t, err)

	assert.Equal(t, 210.0, pred.GlucoseMgdl)
	assert.Equal(t, 0.9, pred.Quality)
	assert.Equal(t, []string{"motion"}, pred.Anomalies)
	assert.Equal(t, "v1", pred.ModelVersion)
	assert.Equal(t, 72.0, got.Features["hr"])
}

func TestPredict_ResponseModelVersionWins(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"glucose_mgdl": 98.5, "quality": 0.5, "model_version": "xgb-7"}`))
	})

	pred, err := NewClient(srv.URL, "v1", time.Second, zap.NewNop()).
		Predict(context.Background(), &PredictRequest{Features: map[string]float64{"mean": 1}})
	require.NoError(t, err)
	assert.Equal(t, "xgb-7", pred.ModelVersion)
}

func TestPredict_Failures(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		},
		"missing glucose": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"quality": 0.9}`))
		},
		"negative glucose": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"glucose_mgdl": -4, "quality": 0.9}`))
		},
		"quality out of range": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"glucose_mgdl": 100, "quality": 1.5}`))
		},
		"missing quality": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"glucose_mgdl": 100}`))
		},
	}

	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			srv := newTestServer(t, handler)
			_, err := NewClient(srv.URL, "v1", time.Second, zap.NewNop()).
				Predict(context.Background(), &PredictRequest{Features: map[string]float64{"mean": 1}})
			assert.ErrorIs(t, err, models.ErrInferenceFailure)
		})
	}
}

func TestPredict_TimeoutIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := NewClient(srv.URL, "v1", 50*time.Millisecond, zap.NewNop())
	start := time.Now()
	_, err := c.Predict(context.Background(), &PredictRequest{Features: map[string]float64{"mean": 1}})

	assert.ErrorIs(t, err, models.ErrInferenceFailure)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPredict_ContextCancelled(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(srv.URL, "v1", 5*time.Second, zap.NewNop()).
		Predict(ctx, &PredictRequest{Features: map[string]float64{"mean": 1}})
	assert.ErrorIs(t, err, models.ErrInferenceFailure)
}
