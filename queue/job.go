// Package queue provides a durable job queue for inbound WhatsApp messages.
// Jobs persist in Postgres; an in-process dispatcher claims due jobs and
// fans them out to per-phone lanes so messages from one lead are always
// processed in order, while a semaphore and a shared rate limiter bound
// global throughput.
package queue

import (
	"time"

	"github.com/uptrace/bun"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one inbound message awaiting pipeline processing. MessageID is the
// provider's message id and doubles as the idempotency key: enqueueing the
// same id twice returns the existing job.
type Job struct {
	bun.BaseModel `bun:"table:queue_jobs,alias:qj"`

	ID          string    `bun:"id,pk" json:"id"`
	MessageID   string    `bun:"message_id,notnull,unique" json:"message_id"`
	Phone       string    `bun:"phone,notnull" json:"phone"`
	Message     string    `bun:"message,notnull" json:"message"`
	PushName    string    `bun:"push_name,nullzero" json:"push_name,omitempty"`
	Timestamp   int64     `bun:"timestamp" json:"timestamp"`
	Status      Status    `bun:"status,notnull" json:"status"`
	Attempts    int       `bun:"attempts,notnull" json:"attempts"`
	MaxAttempts int       `bun:"max_attempts,notnull" json:"max_attempts"`
	RunAt       time.Time `bun:"run_at,notnull" json:"run_at"`
	LastError   string    `bun:"last_error,nullzero" json:"last_error,omitempty"`
	CreatedAt   time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// Stats mirrors the operational counters exposed on the health surface.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}
