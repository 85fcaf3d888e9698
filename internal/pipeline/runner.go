package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/deadline"
	"github.com/Zolokon/business-planner-sub000/internal/embeddings"
	"github.com/Zolokon/business-planner-sub000/internal/estimate"
	"github.com/Zolokon/business-planner-sub000/internal/extraction"
	"github.com/Zolokon/business-planner-sub000/internal/logging"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
	"github.com/Zolokon/business-planner-sub000/internal/transcription"
)

var tracer = otel.Tracer("planner.pipeline")

// Retriever finds completed tasks of one business similar to a title.
type Retriever interface {
	Retrieve(ctx context.Context, title string, businessID business.ID) ([]tasks.SimilarMatch, error)
}

// Notifier is told about every task a run created. Its failures are logged.
type Notifier interface {
	TaskCreated(ctx context.Context, res *Result) error
}

// Config holds runner settings.
type Config struct {
	// StageTimeout bounds every stage. Default 30s.
	StageTimeout time.Duration
	// DefaultDeadlineDays is used when no deadline phrase was recognized.
	// Default 7.
	DefaultDeadlineDays int
	// RecentTitles is how many recent titles are passed to the extractor.
	// Default 10.
	RecentTitles int
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 30 * time.Second
	}
	if c.DefaultDeadlineDays <= 0 {
		c.DefaultDeadlineDays = 7
	}
	if c.RecentTitles <= 0 {
		c.RecentTitles = 10
	}
}

// Deps are the collaborators of a Runner. Transcriber may be nil when only
// text input is expected; Embedder may be nil to skip embedding attach.
type Deps struct {
	Transcriber transcription.Transcriber
	Extractor   extraction.TextExtractor
	Resolver    *business.Resolver
	Normalizer  *deadline.Normalizer
	Retriever   Retriever
	Estimator   *estimate.Estimator
	Store       tasks.Store
	Embedder    embeddings.Embedder
}

// Result is the outcome of a successful run.
type Result struct {
	Task     *tasks.Task
	Estimate estimate.Estimate
	Response string
	State    State
}

// Runner drives one request through the stages.
type Runner struct {
	deps      Deps
	config    Config
	catalog   *business.Catalog
	assembler *Assembler
	formatter *Formatter

	logger   *logging.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	now      func() time.Time
	progress ProgressCallback
	notifier Notifier
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithTracer overrides the package tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithMetrics overrides the default instruments.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithProgress sets the progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(r *Runner) { r.progress = cb }
}

// WithNotifier sets the created-task notifier.
func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// NewRunner creates a Runner.
func NewRunner(deps Deps, cfg Config, opts ...Option) (*Runner, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Normalizer == nil:
		return nil, errors.New("deadline normalizer is required")
	case deps.Retriever == nil:
		return nil, errors.New("retriever is required")
	case deps.Estimator == nil:
		return nil, errors.New("estimator is required")
	case deps.Store == nil:
		return nil, errors.New("task store is required")
	}
	if deps.Transcriber == nil {
		deps.Transcriber = transcription.Disabled{}
	}
	cfg.ApplyDefaults()

	r := &Runner{
		deps:    deps,
		config:  cfg,
		catalog: deps.Resolver.Catalog(),
		logger:  logging.NewNop(),
		tracer:  tracer,
		metrics: defaultMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.assembler = NewAssembler(deps.Store, deps.Embedder, r.logger.Underlying())
	r.formatter = NewFormatter(r.catalog)

	r.logger.Info(context.Background(), "pipeline runner initialized",
		zap.Duration("stage_timeout", cfg.StageTimeout),
		zap.Int("default_deadline_days", cfg.DefaultDeadlineDays))
	return r, nil
}

// Run interprets one request and stores the resulting task. Recoverable
// failures are *Error values carrying a user message. An isolation breach is
// returned as business.ErrIsolationBreach and nothing is written.
func (r *Runner) Run(ctx context.Context, in Input) (*Result, error) {
	requestID := in.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = logging.WithRequestID(ctx, requestID)

	ctx, span := r.tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.Bool("input.audio", in.IsAudio()),
	)

	st := newState(in, requestID)
	current := StageStart
	for {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(ctx, span, st, classify(current, err))
		}
		next := nextStage(current, st)
		if err := CanTransition(current, next); err != nil {
			return nil, r.fail(ctx, span, st, err)
		}
		if next == StageDone {
			break
		}

		var err error
		st, err = r.runStage(ctx, next, st)
		if err != nil {
			return nil, r.fail(ctx, span, st, err)
		}
		switch next {
		case StageResolve:
			ctx = logging.WithBusiness(ctx, int(st.BusinessID))
			span.SetAttributes(attribute.Int("business.id", int(st.BusinessID)))
		case StageAssemble:
			// The task is stored. A cancellation from here on must not turn a
			// persisted task into a reported failure.
			ctx = context.WithoutCancel(ctx)
		}
		current = next
	}
	st.Stage = StageDone

	res := &Result{
		Task:     st.Task,
		Estimate: st.estimate(),
		Response: st.Response,
		State:    st,
	}
	span.SetAttributes(attribute.Int64("task.id", st.Task.ID))
	r.metrics.recordRun(ctx, "ok")
	r.logger.Info(ctx, "task created",
		zap.Int64("task_id", st.Task.ID),
		zap.String("signal", string(st.Signal)),
		zap.Int("estimated_minutes", res.Estimate.Minutes),
		zap.String("confidence", string(res.Estimate.Confidence)),
		zap.Int("matches", res.Estimate.Matches))

	if r.notifier != nil {
		if err := r.notifier.TaskCreated(ctx, res); err != nil {
			r.logger.Warn(ctx, "task created notification failed", zap.Int64("task_id", st.Task.ID), zap.Error(err))
		}
	}
	return res, nil
}

func (r *Runner) fail(ctx context.Context, span trace.Span, st State, err error) error {
	span.RecordError(err)

	var breach *business.BreachError
	if errors.As(err, &breach) {
		span.SetStatus(codes.Error, "isolation breach")
		r.metrics.recordRun(ctx, "isolation_breach")
		r.logger.Error(ctx, "isolation breach, run aborted",
			zap.String("stage", string(st.Stage)),
			zap.Int("expected_business_id", int(breach.Expected)),
			zap.Int("got_business_id", int(breach.Got)),
			zap.String("where", breach.Where))
		return err
	}

	kind := KindOf(err)
	if kind == "" {
		kind = KindPersistenceFailed
		err = &Error{Kind: kind, Stage: st.Stage, Err: err}
	}
	span.SetStatus(codes.Error, string(kind))
	r.metrics.recordRun(ctx, string(kind))
	r.logger.Warn(ctx, "pipeline run failed",
		zap.String("stage", string(st.Stage)),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return err
}

func (r *Runner) runStage(ctx context.Context, stage Stage, st State) (State, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.config.StageTimeout)
	defer cancel()

	st.Stage = stage
	r.report(st.RequestID, stage, StatusInProgress)
	start := time.Now()

	var err error
	switch stage {
	case StageTranscribe:
		st, err = r.transcribe(ctx, st)
	case StageExtract:
		st, err = r.extract(ctx, st)
	case StageResolve:
		st, err = r.resolve(st)
	case StageDeadline:
		st = r.normalizeDeadline(st)
	case StageRetrieve:
		st, err = r.retrieve(ctx, st)
	case StageEstimate:
		st = r.estimate(ctx, st)
	case StageAssemble:
		st, err = r.assembler.Persist(ctx, st)
	case StageFormat:
		st = r.format(ctx, st)
	default:
		err = fmt.Errorf("no handler for stage %s", stage)
	}
	err = classify(stage, err)

	r.metrics.recordStage(ctx, stage, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.report(st.RequestID, stage, StatusFailed)
		return st, err
	}
	r.report(st.RequestID, stage, StatusCompleted)
	return st, nil
}

func (r *Runner) report(requestID string, stage Stage, status StageStatus) {
	if r.progress != nil {
		r.progress(StageProgress{RequestID: requestID, Stage: stage, Status: status})
	}
}

func (r *Runner) transcribe(ctx context.Context, st State) (State, error) {
	if len(st.Input.Audio) == 0 {
		return st, fmt.Errorf("%w: empty audio", transcription.ErrTranscriptionFailed)
	}
	text, err := r.deps.Transcriber.Transcribe(ctx, st.Input.Audio)
	if err != nil {
		return st, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return st, fmt.Errorf("%w: empty transcript", transcription.ErrTranscriptionFailed)
	}
	st.Transcript = text
	return st, nil
}

func (r *Runner) extract(ctx context.Context, st State) (State, error) {
	text := strings.TrimSpace(st.Text())
	if text == "" {
		return st, fmt.Errorf("%w: no input text", extraction.ErrExtractionFailed)
	}

	hints := extraction.Hints{
		Members:  r.catalog.MemberNames(),
		Contexts: r.catalog.Contexts(),
		Now:      r.now().In(r.deps.Normalizer.Location()),
	}
	recent, err := r.deps.Store.RecentTitles(ctx, r.config.RecentTitles)
	if err != nil {
		r.logger.Warn(ctx, "loading recent titles failed", zap.Error(err))
	}
	hints.RecentTitles = recent

	cand, err := r.deps.Extractor.Extract(ctx, text, hints)
	if err != nil {
		return st, err
	}
	st.Candidate = cand
	if extraction.ValidPriority(cand.Priority) {
		st.Priority = cand.Priority
	}
	st.Assignee = cand.Assignee
	st.Project = cand.Project
	st.DeadlinePhrase = cand.DeadlinePhrase
	return st, nil
}

func (r *Runner) resolve(st State) (State, error) {
	res, err := r.deps.Resolver.Resolve(st.Text(), st.Candidate.BusinessID, st.Input.DefaultBusiness)
	if err != nil {
		return st, err
	}
	st, err = st.WithBusiness(res.ID)
	if err != nil {
		return st, err
	}
	st.Signal = res.Signal
	return st, nil
}

func (r *Runner) normalizeDeadline(st State) State {
	now := r.now().In(r.deps.Normalizer.Location())
	if st.DeadlinePhrase != "" {
		if d := r.deps.Normalizer.Normalize(st.DeadlinePhrase, now); d != nil {
			st.Deadline = d
			return st
		}
	}
	d := deadline.DefaultDeadline(now, r.config.DefaultDeadlineDays)
	st.Deadline = &d
	return st
}

func (r *Runner) retrieve(ctx context.Context, st State) (State, error) {
	matches, err := r.deps.Retriever.Retrieve(ctx, st.Candidate.Title, st.BusinessID)
	if err != nil {
		return st, err
	}
	for _, m := range matches {
		if err := business.EnsureSame(st.BusinessID, m.BusinessID, "pipeline.retrieve"); err != nil {
			return st, err
		}
	}
	st.Similar = matches
	return st, nil
}

func (r *Runner) estimate(ctx context.Context, st State) State {
	est := r.deps.Estimator.Estimate(ctx, st.Candidate.Title, st.BusinessID, st.Similar)
	minutes := est.Minutes
	st.EstimatedMinutes = &minutes
	st.Confidence = est.Confidence
	st.EstimateSource = est.Source
	return st
}

// format renders the reply while the task embedding is attached.
func (r *Runner) format(ctx context.Context, st State) State {
	snapshot := *st.Task

	var g errgroup.Group
	g.Go(func() error {
		if err := r.assembler.AttachEmbedding(ctx, st.Task); err != nil {
			r.logger.Warn(ctx, "attaching task embedding failed", zap.Int64("task_id", st.Task.ID), zap.Error(err))
		}
		return nil
	})
	st.Response = r.formatter.Format(&snapshot, st.estimate())
	_ = g.Wait()
	return st
}

func (s State) estimate() estimate.Estimate {
	est := estimate.Estimate{
		Confidence: s.Confidence,
		Source:     s.EstimateSource,
		Matches:    len(s.Similar),
	}
	if s.EstimatedMinutes != nil {
		est.Minutes = *s.EstimatedMinutes
	}
	return est
}
