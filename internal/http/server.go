// Package http serves the planner API: pipeline runs, completion reports,
// health and Prometheus metrics.
package http

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/logging"
	"github.com/Zolokon/business-planner-sub000/internal/pipeline"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

const (
	errInvalidRequest = "invalid_request"
	errInternal       = "internal"

	msgInternal = "[ОШИБКА] Произошла ошибка. Попробуйте позже."

	// maxBodySize bounds request bodies; voice notes arrive base64 encoded.
	maxBodySize = "20M"

	healthTimeout = 2 * time.Second
)

// Runner runs the pipeline for one request.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

// Recorder records completions and archives tasks.
type Recorder interface {
	RecordCompletion(ctx context.Context, id int64, actualMinutes int) (*tasks.Task, error)
	Archive(ctx context.Context, id int64) (*tasks.Task, error)
}

// StoreHealth reports whether the task store is usable.
type StoreHealth interface {
	Ping(ctx context.Context) error
	SchemaVersion() (int, error)
}

// Server provides HTTP endpoints for the planner.
type Server struct {
	echo     *echo.Echo
	runner   Runner
	recorder Recorder
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Gatherer backs GET /metrics. Defaults to the Prometheus default
	// registry.
	Gatherer prometheus.Gatherer
	// Metrics records otel request metrics. Nil uses the global meter.
	Metrics *HTTPMetrics
	// Store backs the /health store check. Nil reports ok without checking.
	Store StoreHealth
}

// NewServer creates a new HTTP server.
func NewServer(runner Runner, recorder Recorder, logger *zap.Logger, cfg *Config) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("recorder cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewHTTPMetrics(logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(cfg.Metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		runner:   runner,
		recorder: recorder,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/pipeline", s.handlePipeline)
	v1.POST("/tasks/:id/complete", s.handleComplete)
	v1.POST("/tasks/:id/archive", s.handleArchive)
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.config.Store == nil {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	if err := s.config.Store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Store: "unreachable"})
	}
	resp := HealthResponse{Status: "ok", Store: "ok"}
	if v, err := s.config.Store.SchemaVersion(); err == nil {
		resp.SchemaVersion = v
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePipeline(c echo.Context) error {
	var req PipelineRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid pipeline request", zap.Error(err))
		return invalid(c, "Некорректное тело запроса.")
	}

	in := pipeline.Input{Text: req.Text, RequestID: req.RequestID}
	if in.RequestID == "" {
		in.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	}
	if !logging.ValidRequestID(in.RequestID) {
		return invalid(c, "Некорректный request_id.")
	}
	if req.AudioBase64 != "" {
		audio, err := base64.StdEncoding.DecodeString(req.AudioBase64)
		if err != nil {
			return invalid(c, "Некорректное аудио: ожидается base64.")
		}
		in.Audio = audio
	} else if strings.TrimSpace(req.Text) == "" {
		return invalid(c, "Нужен text или audio_base64.")
	}
	if req.DefaultBusinessID != nil {
		id := business.ID(*req.DefaultBusinessID)
		in.DefaultBusiness = &id
	}

	res, err := s.runner.Run(c.Request().Context(), in)
	if err != nil {
		return s.pipelineError(c, err)
	}

	t := res.Task
	return c.JSON(http.StatusCreated, PipelineResponse{
		OK:               true,
		RequestID:        res.State.RequestID,
		TaskID:           t.ID,
		BusinessID:       int(t.BusinessID),
		Title:            t.Title,
		Priority:         t.Priority,
		Assignee:         t.Assignee,
		Deadline:         t.Deadline,
		EstimatedMinutes: res.Estimate.Minutes,
		Confidence:       string(res.Estimate.Confidence),
		Response:         res.Response,
	})
}

func (s *Server) handleComplete(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return invalid(c, "Некорректный идентификатор задачи.")
	}
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "Некорректное тело запроса.")
	}

	t, err := s.recorder.RecordCompletion(c.Request().Context(), id, req.ActualMinutes)
	if err != nil {
		return s.pipelineError(c, err)
	}
	return c.JSON(http.StatusOK, taskResponse(t))
}

func (s *Server) handleArchive(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return invalid(c, "Некорректный идентификатор задачи.")
	}
	t, err := s.recorder.Archive(c.Request().Context(), id)
	if err != nil {
		return s.pipelineError(c, err)
	}
	return c.JSON(http.StatusOK, taskResponse(t))
}

func (s *Server) pipelineError(c echo.Context, err error) error {
	if errors.Is(err, business.ErrIsolationBreach) {
		s.logger.Error("isolation breach", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errInternal, Message: msgInternal})
	}
	kind := pipeline.KindOf(err)
	if kind == "" {
		s.logger.Error("unexpected pipeline error", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errInternal, Message: msgInternal})
	}
	return c.JSON(statusFor(kind), ErrorResponse{Error: string(kind), Message: pipeline.UserMessage(err)})
}

func statusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindTranscriptionFailed, pipeline.KindExtractionFailed, pipeline.KindContextUndetermined:
		return http.StatusUnprocessableEntity
	case pipeline.KindInvalidDuration:
		return http.StatusBadRequest
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindAlreadyCompleted, pipeline.KindInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func invalid(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: errInvalidRequest, Message: msg})
}

func taskID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", c.Param("id"))
	}
	return id, nil
}

func taskResponse(t *tasks.Task) TaskResponse {
	return TaskResponse{
		OK:                 true,
		TaskID:             t.ID,
		BusinessID:         int(t.BusinessID),
		Status:             string(t.Status),
		ActualMinutes:      t.ActualMinutes,
		EstimationAccuracy: t.EstimationAccuracy,
		CompletedAt:        t.CompletedAt,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
