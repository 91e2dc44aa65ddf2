package cortex

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// TaskQueue is a persistent FIFO of Tasks backed by the KnowledgeStore
// (Node{Type: NodeTask} + DEPENDS_ON edges). Dispatch is atomic: two
// concurrent callers racing GetNextPendingTask never both receive the
// same task, and the loser simply sees the next candidate instead of
// erroring.
type TaskQueue struct {
	store KnowledgeStore
	bus   *EventBus

	// dispatchMu serializes the pending -> in_progress transition.
	// KnowledgeStore implementations are not assumed to offer a
	// compare-and-swap primitive of their own, so the race-loser-skip
	// guarantee is enforced here instead.
	dispatchMu sync.Mutex
}

// TaskQueueOption configures a TaskQueue.
type TaskQueueOption func(*TaskQueue)

// WithTaskQueueBus attaches an EventBus so AddTask/GetNextPendingTask/
// UpdateTaskStatus publish TASK_ADDED/TASK_AVAILABLE/
// TASK_STATUS_CHANGED/TASK_COMPLETED/TASK_FAILED. Without one, the
// queue runs silently — useful for tests that only care about state.
func WithTaskQueueBus(bus *EventBus) TaskQueueOption {
	return func(q *TaskQueue) { q.bus = bus }
}

// NewTaskQueue wraps a KnowledgeStore.
func NewTaskQueue(store KnowledgeStore, opts ...TaskQueueOption) *TaskQueue {
	q := &TaskQueue{store: store}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *TaskQueue) publish(ctx context.Context, name EventName, data any) {
	if q.bus == nil {
		return
	}
	q.bus.PublishAsync(ctx, Event{Name: name, Data: data})
}

// AddTask enqueues a new task. If task.ScheduledTaskName is set and a
// task with the same name is already pending or in_progress, AddTask
// is a no-op — this is the de-duplication a recurring task's tick
// relies on so a slow dispatch cycle can't double-enqueue the same
// recurrence.
func (q *TaskQueue) AddTask(ctx context.Context, task Task) (Task, error) {
	if task.ScheduledTaskName != "" {
		existing, err := q.findActiveByScheduledName(ctx, task.UserID, task.ScheduledTaskName)
		if err != nil {
			return Task{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	if task.ID == "" {
		task.ID = NewID()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	now := NowUnix()
	task.CreatedAt = now
	task.UpdatedAt = now

	data, err := marshalTask(task)
	if err != nil {
		return Task{}, err
	}
	node := Node{ID: task.ID, Type: NodeTask, UserID: task.UserID, CreatedAt: now, Data: data}
	if err := q.store.CreateNode(ctx, node); err != nil {
		return Task{}, err
	}
	for _, dep := range task.DependsOn {
		if err := q.store.CreateEdge(ctx, Edge{ID: NewID(), Type: EdgeDependsOn, FromID: task.ID, ToID: dep, CreatedAt: now}); err != nil {
			return Task{}, err
		}
	}
	q.publish(ctx, EventTaskAdded, task)
	return task, nil
}

// GetNextPendingTask atomically claims the oldest pending task whose
// dependencies (if any) have all completed, transitioning it to
// in_progress. Returns (Task{}, false, nil) if no eligible task exists.
// A concurrent caller that loses the race for the same task simply
// doesn't see it anymore on its own next call — there is no error
// surfaced for the race, only a different (or absent) result.
func (q *TaskQueue) GetNextPendingTask(ctx context.Context, userID string) (Task, bool, error) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	candidates, err := q.listByStatus(ctx, userID, TaskPending)
	if err != nil {
		return Task{}, false, err
	}
	// Stores list nodes in no guaranteed order; oldest first.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].CreatedAt < candidates[j].CreatedAt })
	for _, t := range candidates {
		ready, err := q.dependenciesComplete(ctx, t)
		if err != nil {
			return Task{}, false, err
		}
		if !ready {
			continue
		}
		t.Status = TaskInProgress
		t.StartedAt = NowUnix()
		t.UpdatedAt = t.StartedAt
		if err := q.save(ctx, t); err != nil {
			return Task{}, false, err
		}
		q.publish(ctx, EventTaskAvailable, t)
		return t, true, nil
	}
	return Task{}, false, nil
}

// UpdateTaskStatus transitions a task to a terminal or intermediate
// status and records errMsg when status is TaskFailed.
func (q *TaskQueue) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, errMsg string) error {
	node, err := q.store.GetNode(ctx, taskID)
	if err != nil {
		return err
	}
	task, err := unmarshalTask(node)
	if err != nil {
		return err
	}
	task.Status = status
	task.Error = errMsg
	task.UpdatedAt = NowUnix()
	if status == TaskCompleted || status == TaskFailed || status == TaskCancelled {
		task.CompletedAt = task.UpdatedAt
	}
	if err := q.save(ctx, task); err != nil {
		return err
	}
	q.publish(ctx, EventTaskStatusChanged, task)
	switch status {
	case TaskCompleted:
		q.publish(ctx, EventTaskCompleted, task)
	case TaskFailed:
		q.publish(ctx, EventTaskFailed, task)
	}
	return nil
}

// GetLastScheduledTaskExecution returns the most recently created task
// with the given ScheduledTaskName (any status), used by the Scheduler
// to evaluate "every(D)" recurrences against wall-clock time since the
// last tick rather than since process start.
func (q *TaskQueue) GetLastScheduledTaskExecution(ctx context.Context, userID, scheduledTaskName string) (Task, bool, error) {
	all, err := q.listAll(ctx, userID)
	if err != nil {
		return Task{}, false, err
	}
	var best *Task
	for i := range all {
		t := all[i]
		if t.ScheduledTaskName != scheduledTaskName {
			continue
		}
		if best == nil || t.CreatedAt > best.CreatedAt {
			best = &t
		}
	}
	if best == nil {
		return Task{}, false, nil
	}
	return *best, true, nil
}

// ListTasks returns every task belonging to userID, optionally filtered
// to a single status (pass "" for every status). Exported for
// cmd/cortexd's list-tasks command; internal callers use listAll/
// listByStatus directly since they already hold a concrete status.
func (q *TaskQueue) ListTasks(ctx context.Context, userID string, status TaskStatus) ([]Task, error) {
	if status == "" {
		return q.listAll(ctx, userID)
	}
	return q.listByStatus(ctx, userID, status)
}

// DependsOnTasks returns the Task records a task depends on.
func (q *TaskQueue) DependsOnTasks(ctx context.Context, taskID string) ([]Task, error) {
	edges, err := q.store.EdgesFrom(ctx, taskID, EdgeDependsOn)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(edges))
	for _, e := range edges {
		node, err := q.store.GetNode(ctx, e.ToID)
		if err != nil {
			continue // a dangling dependency is treated as already-satisfied, not fatal
		}
		t, err := unmarshalTask(node)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (q *TaskQueue) dependenciesComplete(ctx context.Context, t Task) (bool, error) {
	deps, err := q.DependsOnTasks(ctx, t.ID)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if d.Status != TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (q *TaskQueue) findActiveByScheduledName(ctx context.Context, userID, name string) (*Task, error) {
	all, err := q.listAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range all {
		t := all[i]
		if t.ScheduledTaskName == name && (t.Status == TaskPending || t.Status == TaskInProgress) {
			return &t, nil
		}
	}
	return nil, nil
}

func (q *TaskQueue) listByStatus(ctx context.Context, userID string, status TaskStatus) ([]Task, error) {
	all, err := q.listAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// listAll relies on a store-level lister; KnowledgeStore implementations
// expose it via ListNodesByType (store/sqlite, store/postgres), kept out
// of the narrow KnowledgeStore interface itself since it is TaskQueue's
// concern, not every caller's.
func (q *TaskQueue) listAll(ctx context.Context, userID string) ([]Task, error) {
	lister, ok := q.store.(NodeLister)
	if !ok {
		return nil, &InternalError{Component: "TaskQueue", Message: "store does not implement NodeLister"}
	}
	nodes, err := lister.ListNodesByType(ctx, NodeTask, userID)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(nodes))
	for _, n := range nodes {
		t, err := unmarshalTask(n)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// save persists an updated Task. KnowledgeStore has no UpdateNode
// method — Nodes are otherwise immutable facts in the graph — so a
// Task's mutable lifecycle is modeled as delete-then-recreate under
// the same ID. A missing prior node (already deleted, or never
// persisted) is not an error here.
func (q *TaskQueue) save(ctx context.Context, t Task) error {
	data, err := marshalTask(t)
	if err != nil {
		return err
	}
	if err := q.store.DeleteNode(ctx, t.ID); err != nil {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return err
		}
	}
	return q.store.CreateNode(ctx, Node{ID: t.ID, Type: NodeTask, UserID: t.UserID, CreatedAt: t.CreatedAt, Data: data})
}

// NodeLister is an optional KnowledgeStore capability letting callers
// iterate every Node of one type for a user, without requiring every
// backend to expose a generic query language.
type NodeLister interface {
	ListNodesByType(ctx context.Context, t NodeType, userID string) ([]Node, error)
}

func marshalTask(t Task) ([]byte, error) {
	return json.Marshal(t)
}

func unmarshalTask(n Node) (Task, error) {
	var t Task
	if err := json.Unmarshal(n.Data, &t); err != nil {
		return Task{}, &InternalError{Component: "TaskQueue", Message: "decode task node: " + err.Error()}
	}
	t.ID = n.ID
	t.UserID = n.UserID
	return t, nil
}
