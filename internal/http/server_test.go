package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/estimate"
	"github.com/Zolokon/business-planner-sub000/internal/pipeline"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

type fakeRunner struct {
	got pipeline.Input
	err error
}

func (f *fakeRunner) Run(_ context.Context, in pipeline.Input) (*pipeline.Result, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{
		Task:     &tasks.Task{ID: 11, BusinessID: 1, Title: "Починить фрезер", Priority: 2, Status: tasks.StatusOpen},
		Estimate: estimate.Estimate{Minutes: 60, Confidence: estimate.ConfidenceLow},
		Response: "ЗАДАЧА СОЗДАНА",
		State:    pipeline.State{RequestID: in.RequestID},
	}, nil
}

type fakeRecorder struct {
	gotID      int64
	gotMinutes int
	err        error
}

func (f *fakeRecorder) RecordCompletion(_ context.Context, id int64, minutes int) (*tasks.Task, error) {
	f.gotID, f.gotMinutes = id, minutes
	if f.err != nil {
		return nil, f.err
	}
	return &tasks.Task{ID: id, BusinessID: 1, Status: tasks.StatusDone, ActualMinutes: &minutes}, nil
}

func (f *fakeRecorder) Archive(_ context.Context, id int64) (*tasks.Task, error) {
	f.gotID = id
	if f.err != nil {
		return nil, f.err
	}
	return &tasks.Task{ID: id, BusinessID: 1, Status: tasks.StatusArchived}, nil
}

func setupTestServer(t *testing.T, runner *fakeRunner, recorder *fakeRecorder) *Server {
	t.Helper()
	s, err := NewServer(runner, recorder, zap.NewNop(), &Config{Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)
	return s
}

func post(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(&fakeRunner{}, &fakeRecorder{}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", s.config.Host)
		assert.Equal(t, 9090, s.config.Port)
		assert.NotNil(t, s.config.Gatherer)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeRunner{}, &fakeRecorder{}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when runner is nil", func(t *testing.T) {
		_, err := NewServer(nil, &fakeRecorder{}, zap.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("returns error when recorder is nil", func(t *testing.T) {
		_, err := NewServer(&fakeRunner{}, nil, zap.NewNop(), nil)
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, &fakeRunner{}, &fakeRecorder{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

type fakeStoreHealth struct {
	err     error
	version int
}

func (f fakeStoreHealth) Ping(context.Context) error { return f.err }
func (f fakeStoreHealth) SchemaVersion() (int, error) { return f.version, nil }

func TestHandleHealth_Store(t *testing.T) {
	tests := []struct {
		name       string
		store      fakeStoreHealth
		wantCode   int
		wantHealth HealthResponse
	}{
		{
			name:       "reachable",
			store:      fakeStoreHealth{version: 2},
			wantCode:   http.StatusOK,
			wantHealth: HealthResponse{Status: "ok", Store: "ok", SchemaVersion: 2},
		},
		{
			name:       "unreachable",
			store:      fakeStoreHealth{err: tasks.ErrPersistence},
			wantCode:   http.StatusServiceUnavailable,
			wantHealth: HealthResponse{Status: "degraded", Store: "unreachable"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewServer(&fakeRunner{}, &fakeRecorder{}, zap.NewNop(), &Config{
				Gatherer: prometheus.NewRegistry(),
				Store:    tt.store,
			})
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantHealth, resp)
		})
	}
}

func TestHandleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "planner", Name: "test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s, err := NewServer(&fakeRunner{}, &fakeRecorder{}, zap.NewNop(), &Config{Gatherer: reg})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "planner_test_total 1")
}

func TestHandlePipeline(t *testing.T) {
	t.Run("text input", func(t *testing.T) {
		runner := &fakeRunner{}
		s := setupTestServer(t, runner, &fakeRecorder{})

		rec := post(t, s, "/api/v1/pipeline", map[string]any{
			"text":                "Починить фрезер завтра",
			"default_business_id": 2,
			"request_id":          "req-7",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp PipelineResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.OK)
		assert.Equal(t, int64(11), resp.TaskID)
		assert.Equal(t, "req-7", resp.RequestID)
		assert.Equal(t, 60, resp.EstimatedMinutes)
		assert.Equal(t, "low", resp.Confidence)
		assert.Equal(t, "ЗАДАЧА СОЗДАНА", resp.Response)

		assert.Equal(t, "Починить фрезер завтра", runner.got.Text)
		assert.Nil(t, runner.got.Audio)
		require.NotNil(t, runner.got.DefaultBusiness)
		assert.Equal(t, business.ID(2), *runner.got.DefaultBusiness)
	})

	t.Run("audio input", func(t *testing.T) {
		runner := &fakeRunner{}
		s := setupTestServer(t, runner, &fakeRecorder{})

		rec := post(t, s, "/api/v1/pipeline", PipelineRequest{AudioBase64: base64.StdEncoding.EncodeToString([]byte("OggS"))})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, []byte("OggS"), runner.got.Audio)
		assert.NotEmpty(t, runner.got.RequestID, "falls back to the X-Request-ID of the call")
	})

	t.Run("rejects bad requests", func(t *testing.T) {
		tests := []struct {
			name string
			body any
		}{
			{"invalid json", "{nope"},
			{"no input", PipelineRequest{}},
			{"blank text", PipelineRequest{Text: "   "}},
			{"bad base64", PipelineRequest{AudioBase64: "%%%"}},
			{"bad request id", PipelineRequest{Text: "Починить фрезер", RequestID: "id with spaces"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				runner := &fakeRunner{}
				s := setupTestServer(t, runner, &fakeRecorder{})

				rec := post(t, s, "/api/v1/pipeline", tt.body)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Equal(t, errInvalidRequest, decodeError(t, rec).Error)
				assert.Empty(t, runner.got.Text, "runner not called")
			})
		}
	})

	t.Run("maps pipeline errors", func(t *testing.T) {
		tests := []struct {
			name       string
			err        error
			wantStatus int
			wantError  string
		}{
			{"context undetermined", &pipeline.Error{Kind: pipeline.KindContextUndetermined, Err: business.ErrContextUndetermined}, http.StatusUnprocessableEntity, "context_undetermined"},
			{"transcription failed", &pipeline.Error{Kind: pipeline.KindTranscriptionFailed, Err: errors.New("x")}, http.StatusUnprocessableEntity, "transcription_failed"},
			{"persistence failed", &pipeline.Error{Kind: pipeline.KindPersistenceFailed, Err: errors.New("x")}, http.StatusInternalServerError, "persistence_failed"},
			{"isolation breach", business.EnsureSame(1, 2, "test"), http.StatusInternalServerError, errInternal},
			{"unclassified", errors.New("boom"), http.StatusInternalServerError, errInternal},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := setupTestServer(t, &fakeRunner{err: tt.err}, &fakeRecorder{})

				rec := post(t, s, "/api/v1/pipeline", PipelineRequest{Text: "Починить фрезер"})
				assert.Equal(t, tt.wantStatus, rec.Code)
				resp := decodeError(t, rec)
				assert.False(t, resp.OK)
				assert.Equal(t, tt.wantError, resp.Error)
				assert.NotEmpty(t, resp.Message)
				assert.NotContains(t, resp.Message, "business 2", "breach details never reach the caller")
			})
		}
	})
}

func TestHandleComplete(t *testing.T) {
	t.Run("records completion", func(t *testing.T) {
		recorder := &fakeRecorder{}
		s := setupTestServer(t, &fakeRunner{}, recorder)

		rec := post(t, s, "/api/v1/tasks/5/complete", CompleteRequest{ActualMinutes: 45})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TaskResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.OK)
		assert.Equal(t, "done", resp.Status)
		require.NotNil(t, resp.ActualMinutes)
		assert.Equal(t, 45, *resp.ActualMinutes)
		assert.Equal(t, int64(5), recorder.gotID)
		assert.Equal(t, 45, recorder.gotMinutes)
	})

	t.Run("maps errors", func(t *testing.T) {
		tests := []struct {
			name       string
			err        error
			wantStatus int
			wantMsg    string
		}{
			{"already completed", &pipeline.Error{Kind: pipeline.KindAlreadyCompleted, Err: tasks.ErrAlreadyCompleted}, http.StatusConflict, "Задача уже завершена."},
			{"invalid duration", &pipeline.Error{Kind: pipeline.KindInvalidDuration, Err: tasks.ErrInvalidDuration}, http.StatusBadRequest, "Время должно быть от 1 до 480 минут."},
			{"not found", &pipeline.Error{Kind: pipeline.KindNotFound, Err: tasks.ErrNotFound}, http.StatusNotFound, "Задача не найдена."},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := setupTestServer(t, &fakeRunner{}, &fakeRecorder{err: tt.err})
				rec := post(t, s, "/api/v1/tasks/5/complete", CompleteRequest{ActualMinutes: 45})
				assert.Equal(t, tt.wantStatus, rec.Code)
				assert.Equal(t, tt.wantMsg, decodeError(t, rec).Message)
			})
		}
	})

	t.Run("rejects bad id", func(t *testing.T) {
		recorder := &fakeRecorder{}
		s := setupTestServer(t, &fakeRunner{}, recorder)
		for _, path := range []string{"/api/v1/tasks/abc/complete", "/api/v1/tasks/0/complete"} {
			rec := post(t, s, path, CompleteRequest{ActualMinutes: 45})
			assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		}
		assert.Zero(t, recorder.gotID)
	})
}

func TestHandleArchive(t *testing.T) {
	recorder := &fakeRecorder{}
	s := setupTestServer(t, &fakeRunner{}, recorder)

	rec := post(t, s, "/api/v1/tasks/9/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "archived", resp.Status)
	assert.Equal(t, int64(9), recorder.gotID)

	s = setupTestServer(t, &fakeRunner{}, &fakeRecorder{err: &pipeline.Error{Kind: pipeline.KindInvalidTransition, Err: tasks.ErrInvalidTransition}})
	rec = post(t, s, "/api/v1/tasks/9/archive", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
