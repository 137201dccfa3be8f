package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/geark/internal/config"
)

var (
	ErrUnknownTask  = errors.New("unknown task")
	ErrTaskExists   = errors.New("task already exists")
	ErrInvalidSpec  = errors.New("invalid task specification")
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// TaskReport describes the supervision state of a single task.
type TaskReport struct {
	Key          string    `json:"key"`
	Parent       string    `json:"parent,omitempty"`
	Children     []string  `json:"children"`
	AutoRestart  bool      `json:"auto_restart"`
	RestartCount int       `json:"restart_count"`
	Runs         int       `json:"runs"`
	Failures     int       `json:"failures"`
	LastError    string    `json:"last_error,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// TaskList is the response to a list request. Tasks are sorted by key.
type TaskList struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Tasks       []TaskReport `json:"tasks"`
}

// StartRequest asks the supervisor to start a task from a specification.
// Tasks started through the API are always roots.
type StartRequest struct {
	Key  string           `json:"key"`
	Spec *config.TaskSpec `json:"spec"`
	Args []string         `json:"args,omitempty"`
}

// StopResult captures the outcome of a stop operation.
type StopResult struct {
	Key         string    `json:"key"`
	Stopped     []string  `json:"stopped"`
	CompletedAt time.Time `json:"completed_at"`
}

// Controller exposes supervisor operations required by control servers.
type Controller interface {
	List(stdcontext.Context) (*TaskList, error)
	Status(stdcontext.Context, string) (*TaskReport, error)
	Start(stdcontext.Context, StartRequest) (*TaskReport, error)
	Stop(stdcontext.Context, string) (*StopResult, error)
}
