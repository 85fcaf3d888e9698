// Package events connects the planner to NATS: completed-task reports come in
// on one subject, created tasks are announced on another.
package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/config"
)

var tracer = otel.Tracer("planner.events")

// CompletionRequest is the payload of a completion report.
type CompletionRequest struct {
	TaskID        int64 `json:"task_id"`
	ActualMinutes int   `json:"actual_minutes"`
}

// CompletionReply answers a completion report sent with a reply subject.
type CompletionReply struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// TaskCreated is published after every successful pipeline run.
type TaskCreated struct {
	TaskID           int64      `json:"task_id"`
	BusinessID       int        `json:"business_id"`
	Title            string     `json:"title"`
	Priority         int        `json:"priority"`
	Assignee         *string    `json:"assignee,omitempty"`
	Project          *string    `json:"project,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	Confidence       string     `json:"confidence"`
	RequestID        string     `json:"request_id"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Connect dials the server of cfg with reconnects enabled.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("business-planner"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to nats", zap.String("url", cfg.URL))
	return nc, nil
}
