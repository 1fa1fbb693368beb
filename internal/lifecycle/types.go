package lifecycle

import "github.com/fyrsmithlabs/trainloop/internal/task"

// CreateRequest describes a new task. MaxIterations and
// PerformanceThreshold only apply to continuous tasks, which need at least
// one of them.
type CreateRequest struct {
	Name       string         `json:"name"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Mode       task.Mode      `json:"mode"`
	ModelSpec  task.ModelSpec `json:"model_spec"`
	DatasetRef string         `json:"dataset_ref"`

	MaxIterations        *int     `json:"max_iterations,omitempty"`
	PerformanceThreshold *float64 `json:"performance_threshold,omitempty"`
}

// Stats summarizes the task population.
type Stats struct {
	Total    int                 `json:"total"`
	Running  int                 `json:"running"`
	ByStatus map[task.Status]int `json:"by_status"`
}
