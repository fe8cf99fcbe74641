package queue

import (
	"fmt"

	"github.com/hibiken/asynq"
)

// inspectPageSize bounds a single introspection page. The analysis queue is
// short-lived work; one page is plenty for the front end's pending list.
const inspectPageSize = 1000

// Inspector exposes job introspection over the analysis queue.
type Inspector struct {
	inspector *asynq.Inspector
}

// NewInspector creates an inspector against the given Redis connection.
func NewInspector(opt asynq.RedisConnOpt) *Inspector {
	return &Inspector{inspector: asynq.NewInspector(opt)}
}

// Close releases the underlying connection.
func (i *Inspector) Close() error {
	return i.inspector.Close()
}

// ActiveAnalyses returns the job IDs of active (pending or running)
// per-connector analysis tasks. Fan-out tasks are excluded: they finish as
// soon as they have enqueued the real work, so listing them would overstate
// what is still outstanding.
func (i *Inspector) ActiveAnalyses() ([]string, error) {
	pending, err := i.inspector.ListPendingTasks(QueueAnalysis, asynq.PageSize(inspectPageSize))
	if err != nil {
		return nil, fmt.Errorf("queue: list pending analyses: %w", err)
	}
	active, err := i.inspector.ListActiveTasks(QueueAnalysis, asynq.PageSize(inspectPageSize))
	if err != nil {
		return nil, fmt.Errorf("queue: list active analyses: %w", err)
	}

	ids := make([]string, 0, len(pending)+len(active))
	for _, t := range pending {
		if t.Type == TypeAnalyzeBinary {
			continue
		}
		ids = append(ids, t.ID)
	}
	for _, t := range active {
		ids = append(ids, t.ID)
	}
	return ids, nil
}
