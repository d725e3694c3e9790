package models

import "time"

// RunStatus is the lifecycle state of a RunRecord.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Finished reports whether the run has left the running state.
func (s RunStatus) Finished() bool {
	return s != RunRunning
}

// RunRecord is one execution of the ingestion pipeline for one source.
type RunRecord struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id,omitempty"`
	SourceKind  Kind       `json:"source_kind"`
	SourceKey   string     `json:"source_key"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ItemsFound  int        `json:"items_found"`
	ItemsNew    int        `json:"items_new"`
	Duplicates  int        `json:"duplicates"`
	Skipped     int        `json:"skipped"`
	ErrorDetail string     `json:"error_detail,omitempty"`
}

// Task groups the runs started by a single manual trigger.
type Task struct {
	ID        string    `json:"task_id"`
	Kind      Kind      `json:"kind"`
	RunIDs    []string  `json:"run_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskState is the aggregated state reported for a task.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// TaskStatus summarises the runs of a task.
type TaskStatus struct {
	TaskID     string      `json:"task_id"`
	Kind       Kind        `json:"kind"`
	Status     TaskState   `json:"status"`
	ItemsFound int         `json:"items_found"`
	ItemsNew   int         `json:"items_new"`
	Duplicates int         `json:"duplicates"`
	Skipped    int         `json:"skipped"`
	CreatedAt  time.Time   `json:"created_at"`
	Runs       []RunRecord `json:"runs"`
}

// SummarizeTask folds run records into a task status. A task is running while any run is, failed
// when every run failed, and completed otherwise.
func SummarizeTask(task Task, runs []RunRecord) TaskStatus {
	status := TaskStatus{
		TaskID:    task.ID,
		Kind:      task.Kind,
		CreatedAt: task.CreatedAt,
		Runs:      runs,
		Status:    TaskCompleted,
	}

	failed := 0
	running := false
	for _, r := range runs {
		status.ItemsFound += r.ItemsFound
		status.ItemsNew += r.ItemsNew
		status.Duplicates += r.Duplicates
		status.Skipped += r.Skipped
		switch r.Status {
		case RunRunning:
			running = true
		case RunFailed:
			failed++
		}
	}

	switch {
	case running:
		status.Status = TaskRunning
	case len(runs) > 0 && failed == len(runs):
		status.Status = TaskFailed
	}
	return status
}
