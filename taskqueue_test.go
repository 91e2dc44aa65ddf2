package cortex

import (
	"context"
	"testing"
)

func TestAddTaskDedupesPendingScheduledName(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue(newFakeStore())

	first, err := q.AddTask(ctx, Task{UserID: "u1", Instruction: "check inbox", ScheduledTaskName: "poll-inbox"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	second, err := q.AddTask(ctx, Task{UserID: "u1", Instruction: "check inbox again", ScheduledTaskName: "poll-inbox"})
	if err != nil {
		t.Fatalf("AddTask (dup): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("dup AddTask returned a new task %q, want the existing %q", second.ID, first.ID)
	}
}

func TestAddTaskAllowsNewAfterPriorCompleted(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue(newFakeStore())

	first, err := q.AddTask(ctx, Task{UserID: "u1", Instruction: "run", ScheduledTaskName: "daily"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := q.UpdateTaskStatus(ctx, first.ID, TaskCompleted, ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	second, err := q.AddTask(ctx, Task{UserID: "u1", Instruction: "run again", ScheduledTaskName: "daily"})
	if err != nil {
		t.Fatalf("AddTask after completion: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh task once the prior one completed")
	}
}

func TestGetNextPendingTaskRespectsDependencies(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue(newFakeStore())

	dep, err := q.AddTask(ctx, Task{UserID: "u1", Instruction: "first"})
	if err != nil {
		t.Fatalf("AddTask dep: %v", err)
	}
	_, err = q.AddTask(ctx, Task{UserID: "u1", Instruction: "second", DependsOn: []string{dep.ID}})
	if err != nil {
		t.Fatalf("AddTask dependent: %v", err)
	}

	claimed, ok, err := q.GetNextPendingTask(ctx, "u1")
	if err != nil {
		t.Fatalf("GetNextPendingTask: %v", err)
	}
	if !ok || claimed.ID != dep.ID {
		t.Fatalf("expected to claim the dependency-free task first, got ok=%v id=%q", ok, claimed.ID)
	}

	_, ok, err = q.GetNextPendingTask(ctx, "u1")
	if err != nil {
		t.Fatalf("GetNextPendingTask (blocked): %v", err)
	}
	if ok {
		t.Error("expected the dependent task to stay blocked until its dependency completes")
	}

	if err := q.UpdateTaskStatus(ctx, dep.ID, TaskCompleted, ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	claimed, ok, err = q.GetNextPendingTask(ctx, "u1")
	if err != nil {
		t.Fatalf("GetNextPendingTask (unblocked): %v", err)
	}
	if !ok {
		t.Fatal("expected the dependent task to become claimable once its dependency completed")
	}
	if claimed.Status != TaskInProgress {
		t.Errorf("Status = %q, want %q", claimed.Status, TaskInProgress)
	}
}

func TestUpdateTaskStatusSetsCompletedAtOnTerminalStates(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue(newFakeStore())

	task, err := q.AddTask(ctx, Task{UserID: "u1", Instruction: "run"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := q.UpdateTaskStatus(ctx, task.ID, TaskFailed, "boom"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	node, err := q.store.GetNode(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	updated, err := unmarshalTask(node)
	if err != nil {
		t.Fatalf("unmarshalTask: %v", err)
	}
	if updated.Status != TaskFailed {
		t.Errorf("Status = %q, want %q", updated.Status, TaskFailed)
	}
	if updated.Error != "boom" {
		t.Errorf("Error = %q, want %q", updated.Error, "boom")
	}
	if updated.CompletedAt == 0 {
		t.Error("expected CompletedAt to be set on a terminal status")
	}
}

func TestGetLastScheduledTaskExecutionReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	q := NewTaskQueue(newFakeStore())

	_, hasLast, err := q.GetLastScheduledTaskExecution(ctx, "u1", "nightly")
	if err != nil {
		t.Fatalf("GetLastScheduledTaskExecution (empty): %v", err)
	}
	if hasLast {
		t.Error("expected no prior execution for an unseen scheduled name")
	}

	first, err := q.AddTask(ctx, Task{UserID: "u1", Instruction: "run", ScheduledTaskName: "nightly"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := q.UpdateTaskStatus(ctx, first.ID, TaskCompleted, ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	last, hasLast, err := q.GetLastScheduledTaskExecution(ctx, "u1", "nightly")
	if err != nil {
		t.Fatalf("GetLastScheduledTaskExecution: %v", err)
	}
	if !hasLast {
		t.Fatal("expected a prior execution to be found")
	}
	if last.ID != first.ID {
		t.Errorf("ID = %q, want %q", last.ID, first.ID)
	}
}
