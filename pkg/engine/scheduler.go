package engine

// TaskQueue is a bounded FIFO of tasks drained by the engine loop.
type TaskQueue struct {
	tasks    []Task
	capacity int
}

// NewTaskQueue creates a queue holding at most capacity tasks.
func NewTaskQueue(capacity int) *TaskQueue {
	if capacity <= 0 {
		capacity = 16
	}
	return &TaskQueue{capacity: capacity}
}

// Post implements Scheduler.
func (q *TaskQueue) Post(t Task) error {
	if len(q.tasks) >= q.capacity {
		return ErrQueueFull
	}
	q.tasks = append(q.tasks, t)
	return nil
}

// Pop removes the oldest task.
func (q *TaskQueue) Pop() (Task, bool) {
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = Task{}
	q.tasks = q.tasks[1:]
	return t, true
}

// Len returns the number of waiting tasks.
func (q *TaskQueue) Len() int {
	return len(q.tasks)
}

// Clear drops every waiting task.
func (q *TaskQueue) Clear() {
	q.tasks = nil
}
