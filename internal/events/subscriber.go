package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/logging"
	"github.com/Zolokon/business-planner-sub000/internal/pipeline"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

const (
	errInvalidPayload = "invalid_payload"
	msgInvalidPayload = "Некорректный запрос: нужны task_id и actual_minutes."

	defaultHandlerTimeout = 30 * time.Second
)

// Completer records the actual duration of a task.
type Completer interface {
	RecordCompletion(ctx context.Context, id int64, actualMinutes int) (*tasks.Task, error)
}

// Subscriber feeds completion reports from NATS into a Completer.
type Subscriber struct {
	nc        *nats.Conn
	subject   string
	queue     string
	completer Completer
	timeout   time.Duration
	logger    *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Subject string
	// Queue spreads reports across planner instances. Empty subscribes
	// without a queue group.
	Queue string
	// Timeout bounds one completion. Default 30s.
	Timeout time.Duration
}

// NewSubscriber creates a Subscriber. Call Start to begin receiving.
func NewSubscriber(nc *nats.Conn, completer Completer, cfg SubscriberConfig, logger *zap.Logger) (*Subscriber, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	if cfg.Subject == "" {
		return nil, errors.New("subject is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHandlerTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		nc:        nc,
		subject:   cfg.Subject,
		queue:     cfg.Queue,
		completer: completer,
		timeout:   cfg.Timeout,
		logger:    logger,
	}, nil
}

// Start subscribes. Handlers derive their context from ctx.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New("subscriber already started")
	}

	handler := func(msg *nats.Msg) { s.handle(ctx, msg) }
	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.nc.QueueSubscribe(s.subject, s.queue, handler)
	} else {
		sub, err = s.nc.Subscribe(s.subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("completion subscriber started", zap.String("subject", s.subject), zap.String("queue", s.queue))
	return nil
}

// Stop drains the subscription.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	return err
}

func (s *Subscriber) handle(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "events.Completion")
	defer span.End()

	var req CompletionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.TaskID <= 0 {
		span.SetStatus(codes.Error, errInvalidPayload)
		s.logger.Warn("invalid completion payload", zap.String("subject", msg.Subject), zap.Error(err))
		s.reply(msg, CompletionReply{Error: errInvalidPayload, Message: msgInvalidPayload})
		return
	}
	span.SetAttributes(attribute.Int64("task.id", req.TaskID), attribute.Int("actual_minutes", req.ActualMinutes))

	t, err := s.completer.RecordCompletion(ctx, req.TaskID, req.ActualMinutes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kind := string(pipeline.KindOf(err))
		if kind == "" {
			kind = string(pipeline.KindPersistenceFailed)
		}
		s.logger.Info("completion rejected",
			zap.Int64("task_id", req.TaskID),
			zap.String("kind", kind),
			zap.Error(err))
		s.reply(msg, CompletionReply{Error: kind, Message: pipeline.UserMessage(err)})
		return
	}

	ctx = logging.WithBusiness(ctx, int(t.BusinessID))
	s.logger.Info("completion recorded",
		append(logging.ContextFields(ctx),
			zap.Int64("task_id", t.ID),
			zap.Int("actual_minutes", req.ActualMinutes))...)
	s.reply(msg, CompletionReply{OK: true})
}

func (s *Subscriber) reply(msg *nats.Msg, r CompletionReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("marshal completion reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("completion reply failed", zap.String("reply", msg.Reply), zap.Error(err))
	}
}
