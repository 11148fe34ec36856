package models

// DefaultTaskAttempts is how many deliveries a crawl task gets before it is
// moved to the dead-letter region.
const DefaultTaskAttempts = 3

// TaskItem is the TaskQ payload: one crawl step, dispatched by name against
// the connector instance that enqueued it. Kwargs is passed verbatim; every
// task carries all ids it needs so tasks stay order-independent.
type TaskItem struct {
	SourceID          int64             `json:"source_id"`
	FunctionName      string            `json:"function_name"`
	Kwargs            map[string]string `json:"kwargs,omitempty"`
	AttemptsRemaining int               `json:"attempts_remaining"`
}

// NewTask builds a TaskItem with the default attempt budget.
func NewTask(sourceID int64, function string, kwargs map[string]string) TaskItem {
	return TaskItem{
		SourceID:          sourceID,
		FunctionName:      function,
		Kwargs:            kwargs,
		AttemptsRemaining: DefaultTaskAttempts,
	}
}

// IndexItem is the IndexQ payload: one document (children riding inside)
// awaiting indexing.
type IndexItem struct {
	Doc Document `json:"doc"`
}
