package http

import "time"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Store         string `json:"store,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`
}

// PipelineRequest is the request body for POST /api/v1/pipeline. Exactly one
// of Text and AudioBase64 is expected; audio wins when both are set.
type PipelineRequest struct {
	Text              string `json:"text"`
	AudioBase64       string `json:"audio_base64"`
	DefaultBusinessID *int   `json:"default_business_id"`
	RequestID         string `json:"request_id"`
}

// PipelineResponse is the response body of a successful run.
type PipelineResponse struct {
	OK               bool       `json:"ok"`
	RequestID        string     `json:"request_id"`
	TaskID           int64      `json:"task_id"`
	BusinessID       int        `json:"business_id"`
	Title            string     `json:"title"`
	Priority         int        `json:"priority"`
	Assignee         *string    `json:"assignee,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	Confidence       string     `json:"confidence"`
	Response         string     `json:"response"`
}

// CompleteRequest is the request body for POST /api/v1/tasks/:id/complete.
type CompleteRequest struct {
	ActualMinutes int `json:"actual_minutes"`
}

// TaskResponse describes a task after a completion or archive.
type TaskResponse struct {
	OK                 bool       `json:"ok"`
	TaskID             int64      `json:"task_id"`
	BusinessID         int        `json:"business_id"`
	Status             string     `json:"status"`
	ActualMinutes      *int       `json:"actual_minutes,omitempty"`
	EstimationAccuracy *float64   `json:"estimation_accuracy,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// ErrorResponse is returned for every rejected request. Error is a stable
// machine-readable code; Message is shown to the requester.
type ErrorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}
