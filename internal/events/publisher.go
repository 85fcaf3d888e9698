package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/pipeline"
)

// Publisher announces created tasks. Every message carries a ULID in the
// Nats-Msg-Id header so JetStream consumers can drop duplicates.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewPublisher creates a Publisher on subject.
func NewPublisher(nc *nats.Conn, subject string, logger *zap.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, subject: subject, logger: logger}, nil
}

// TaskCreated publishes res. It satisfies pipeline.Notifier.
func (p *Publisher) TaskCreated(ctx context.Context, res *pipeline.Result) error {
	_, span := tracer.Start(ctx, "events.TaskCreated")
	defer span.End()

	if res == nil || res.Task == nil {
		return errors.New("result without task")
	}
	t := res.Task
	span.SetAttributes(attribute.Int64("task.id", t.ID), attribute.Int("business.id", int(t.BusinessID)))

	data, err := json.Marshal(TaskCreated{
		TaskID:           t.ID,
		BusinessID:       int(t.BusinessID),
		Title:            t.Title,
		Priority:         t.Priority,
		Assignee:         t.Assignee,
		Project:          t.Project,
		Deadline:         t.Deadline,
		EstimatedMinutes: res.Estimate.Minutes,
		Confidence:       string(res.Estimate.Confidence),
		RequestID:        t.RequestID,
		CreatedAt:        t.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal task created event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msgID := ulid.Make().String()
	msg.Header.Set(nats.MsgIdHdr, msgID)

	if err := p.nc.PublishMsg(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish task created event: %w", err)
	}
	p.logger.Debug("task created event published",
		zap.String("subject", p.subject),
		zap.String("msg_id", msgID),
		zap.Int64("task_id", t.ID))
	return nil
}
