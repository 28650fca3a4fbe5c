package browser

import (
	"context"
	"io"
	"time"
)

// Driver owns one headless browser OS process and executes tasks against it.
// Implementations must leave the process dead after a failed Execute so the
// pool can safely discard the handle.
type Driver interface {
	Start(ctx context.Context) error
	Execute(ctx context.Context, task Task) (ExecOutput, error)
	HealthCheck(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DriverFactory creates drivers for the pool to manage.
type DriverFactory interface {
	NewDriver(id string) Driver
}

// TaskStore persists task metadata and results.
type TaskStore interface {
	CreateTask(ctx context.Context, rec TaskRecord) error
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, errText string) error
	RecordResult(ctx context.Context, result Result) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, error)
	GetResult(ctx context.Context, taskID string) (Result, error)
}

// ArtifactStore reads inbound artifacts and writes outbound artifacts keyed by
// task id.
type ArtifactStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for submitted tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Fetcher fetches a URL without a browser, used for the probe fast path.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers map[string]string) (FetchResponse, error)
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// HeadlessDetector decides whether a probe response warrants a browser run.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Hasher computes digests for integrity of result payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task ids (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
