// Package browser defines core types shared across subsystems.
package browser

import "time"

// TaskKind identifies the kind of browser work a task requests.
type TaskKind string

// Supported task kinds.
const (
	// TaskKindRender returns the fully rendered DOM of a page.
	TaskKindRender TaskKind = "render"
	// TaskKindPDF prints the rendered page to a PDF artifact.
	TaskKindPDF TaskKind = "pdf"
	// TaskKindScrape runs the per-site price extraction over one or more queries.
	TaskKindScrape TaskKind = "scrape"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAcquiring TaskStatus = "acquiring"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimedOut  TaskStatus = "timed_out"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimedOut, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// Task is one unit of browser-driven work. The input descriptor is a URL plus
// kind-specific fields; unknown fields are ignored by drivers that do not need
// them.
type Task struct {
	ID           string            `json:"id"`
	Kind         TaskKind          `json:"kind"`
	URL          string            `json:"url,omitempty"`
	Queries      []string          `json:"queries,omitempty"`
	InputKey     string            `json:"input_key,omitempty"`
	OutputFormat string            `json:"output_format,omitempty"`
	ForceBrowser bool              `json:"force_browser,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Timeout      time.Duration     `json:"-"`
}

// Result is the single terminal outcome produced for a task.
type Result struct {
	TaskID      string        `json:"task_id"`
	Status      TaskStatus    `json:"status"`
	Payload     []byte        `json:"payload,omitempty"`
	ErrorText   string        `json:"error_text,omitempty"`
	ArtifactURI string        `json:"artifact_uri,omitempty"`
	ContentHash string        `json:"content_hash,omitempty"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"duration_ms"`
}

// TaskRecord is the metadata persisted for each submitted task.
type TaskRecord struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
	Task      Task       `json:"task"`
}

// ExecOutput is what a driver hands back after executing a task.
type ExecOutput struct {
	Payload     []byte
	ContentType string
	FinalURL    string
}

// QueueItem wraps a task ready to run.
type QueueItem struct {
	Task      Task
	Attempt   int
	Submitted int64
}
