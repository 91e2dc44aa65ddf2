package cortex

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, specs []RecurringTaskSpec, provider *stubProvider, opts ...SchedulerOption) (*Scheduler, *TaskQueue) {
	t.Helper()
	store := newFakeStore()
	queue := NewTaskQueue(store)
	broker := NewToolBroker(nil)
	orch := NewConversationOrchestrator(store, provider, broker, nil, nil)
	return NewScheduler(queue, orch, nil, slog.New(slog.DiscardHandler), specs, opts...), queue
}

func TestEvaluateRecurCyclesDueUntilExhausted(t *testing.T) {
	ctx := context.Background()
	spec := RecurringTaskSpec{Name: "onboarding", Policy: RecurCycles, Cycles: 2, UserID: "u1"}
	s, queue := newTestScheduler(t, []RecurringTaskSpec{spec}, &stubProvider{})

	due, err := s.evaluate(ctx, spec, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !due {
		t.Fatal("expected a never-run cycles(2) spec to be due")
	}

	task, err := queue.AddTask(ctx, Task{UserID: "u1", Instruction: spec.Instruction, ScheduledTaskName: spec.Name})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := queue.UpdateTaskStatus(ctx, task.ID, TaskCompleted, ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	due, err = s.evaluate(ctx, spec, time.Now())
	if err != nil {
		t.Fatalf("evaluate (after 1 of 2): %v", err)
	}
	if !due {
		t.Error("expected cycles(2) to still be due after only 1 completed execution")
	}
}

func TestEvaluateRecurEveryNotDueBeforeInterval(t *testing.T) {
	ctx := context.Background()
	spec := RecurringTaskSpec{Name: "heartbeat", Policy: RecurEvery, Every: "1h", UserID: "u1"}
	s, queue := newTestScheduler(t, []RecurringTaskSpec{spec}, &stubProvider{})

	task, err := queue.AddTask(ctx, Task{UserID: "u1", Instruction: spec.Instruction, ScheduledTaskName: spec.Name})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := queue.UpdateTaskStatus(ctx, task.ID, TaskCompleted, ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	due, err := s.evaluate(ctx, spec, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if due {
		t.Error("expected every(1h) to not be due immediately after completion")
	}
}

func TestEnqueueReusesChatIDAndDedupesViaTaskQueue(t *testing.T) {
	ctx := context.Background()
	spec := RecurringTaskSpec{Name: "digest", Policy: RecurEvery, Every: "1h", UserID: "u1", Instruction: "send digest"}
	s, queue := newTestScheduler(t, []RecurringTaskSpec{spec}, &stubProvider{})

	if err := s.enqueue(ctx, spec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.enqueue(ctx, spec); err != nil {
		t.Fatalf("enqueue (again): %v", err)
	}

	tasks, err := queue.listAll(ctx, "u1")
	if err != nil {
		t.Fatalf("listAll: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1 (second enqueue should dedupe)", len(tasks))
	}
	if tasks[0].ChatID != s.chatForSpec(spec.Name) {
		t.Errorf("ChatID = %q, want the cached spec chat ID %q", tasks[0].ChatID, s.chatForSpec(spec.Name))
	}
}

func TestChatForSpecIsStableAcrossCalls(t *testing.T) {
	s, _ := newTestScheduler(t, nil, &stubProvider{})
	first := s.chatForSpec("nightly-report")
	second := s.chatForSpec("nightly-report")
	if first != second {
		t.Errorf("chatForSpec returned different IDs across calls: %q vs %q", first, second)
	}
	other := s.chatForSpec("weekly-report")
	if other == first {
		t.Error("expected distinct specs to get distinct chat IDs")
	}
}

func TestIdentityForSpecFallsBackToDefault(t *testing.T) {
	s, _ := newTestScheduler(t, nil, &stubProvider{})
	withIdentity := RecurringTaskSpec{Name: "custom", Identity: "You are a release-notes bot."}
	if got := s.identityForSpec(withIdentity); got != withIdentity.Identity {
		t.Errorf("identityForSpec = %q, want %q", got, withIdentity.Identity)
	}

	noIdentity := RecurringTaskSpec{Name: "generic"}
	got := s.identityForSpec(noIdentity)
	if got == "" {
		t.Error("expected a non-empty default identity")
	}
}

func TestDispatchOneImplRunsClaimedTaskToCompletion(t *testing.T) {
	ctx := context.Background()
	spec := RecurringTaskSpec{Name: "digest", Policy: RecurEvery, Every: "1h", UserID: "u1", Instruction: "send digest"}
	provider := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "digest sent"}}}}
	s, queue := newTestScheduler(t, []RecurringTaskSpec{spec}, provider)

	if err := s.enqueue(ctx, spec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dispatched, err := s.dispatchOneImpl(ctx)
	if err != nil {
		t.Fatalf("dispatchOneImpl: %v", err)
	}
	if !dispatched {
		t.Fatal("expected a pending task to be dispatched")
	}

	tasks, err := queue.listAll(ctx, "u1")
	if err != nil {
		t.Fatalf("listAll: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	if tasks[0].Status != TaskCompleted {
		t.Errorf("Status = %q, want %q", tasks[0].Status, TaskCompleted)
	}
}

func TestDispatchOneImplMarksFailedOnModelError(t *testing.T) {
	ctx := context.Background()
	spec := RecurringTaskSpec{Name: "digest", Policy: RecurEvery, Every: "1h", UserID: "u1", Instruction: "send digest"}
	provider := &stubProvider{results: []stubResult{{err: &ModelError{Provider: "stub", Message: "boom"}}}}
	s, queue := newTestScheduler(t, []RecurringTaskSpec{spec}, provider)

	if err := s.enqueue(ctx, spec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.dispatchOneImpl(ctx); err != nil {
		t.Fatalf("dispatchOneImpl: %v", err)
	}

	tasks, err := queue.listAll(ctx, "u1")
	if err != nil {
		t.Fatalf("listAll: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != TaskFailed {
		t.Fatalf("expected exactly one failed task, got %+v", tasks)
	}
}

func TestDispatchOneImplReturnsFalseWhenQueueEmpty(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, nil, &stubProvider{})
	dispatched, err := s.dispatchOneImpl(ctx)
	if err != nil {
		t.Fatalf("dispatchOneImpl: %v", err)
	}
	if dispatched {
		t.Error("expected no task to be dispatched from an empty queue")
	}
}

func TestRunStopsOnStopAndDrainsInFlightWork(t *testing.T) {
	ctx := context.Background()
	spec := RecurringTaskSpec{Name: "digest", Policy: RecurEvery, Every: "1h", UserID: "u1", Instruction: "send digest"}
	provider := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "ok"}}}}
	s, queue := newTestScheduler(t, []RecurringTaskSpec{spec}, provider, WithPollInterval(time.Hour), WithGraceWindow(time.Second))

	if err := s.enqueue(ctx, spec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	tasks, err := queue.listAll(ctx, "u1")
	if err != nil {
		t.Fatalf("listAll: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != TaskCompleted {
		t.Fatalf("expected Stop's drain to finish the in-flight task, got %+v", tasks)
	}
}
