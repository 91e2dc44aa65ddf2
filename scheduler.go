package cortex

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultPollInterval mirrors the teacher's own scheduler tick, kept at
// the same cadence since nothing about the new recurrence model needs
// finer resolution than a once-a-minute sweep.
const defaultPollInterval = 60 * time.Second

// defaultGraceWindow bounds the one final dispatch the run loop makes
// after Stop is requested (see drain).
const defaultGraceWindow = 30 * time.Second

// Scheduler evaluates a set of RecurringTaskSpecs on a poll loop,
// enqueues due ones onto a TaskQueue, and drives dispatch by running
// each claimed Task through a ConversationOrchestrator. Grounded on the
// teacher's scheduler: a ticker-driven run()/checkAndRun() pair,
// generalized from one fixed GetDueScheduledActions query to per-spec
// recurrence evaluation, and from direct Frontend delivery to the
// queue-and-orchestrator pipeline the rest of this module uses.
type Scheduler struct {
	queue        *TaskQueue
	orchestrator *ConversationOrchestrator
	bus          *EventBus
	logger       *slog.Logger

	specs        []RecurringTaskSpec
	pollInterval time.Duration
	graceWindow  time.Duration

	// chatsMu guards chats, the scheduled-task-to-chat reuse map: each
	// recurring task's dialogue runs in the same Chat across every
	// recurrence instead of starting fresh each tick, so a task's
	// identity and context persist the way a long-running conversation
	// would.
	chatsMu sync.Mutex
	chats   map[string]string // RecurringTaskSpec.Name -> Chat.ID

	// identityMu guards identities, a session-scoped cache of each
	// spec's resolved system prompt: RecurringTaskSpec.Identity is
	// read once per process lifetime rather than re-derived on every
	// dispatch.
	identityMu sync.Mutex
	identities map[string]string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.pollInterval = d }
}

func WithGraceWindow(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.graceWindow = d }
}

// NewScheduler builds a Scheduler over the given recurring task specs.
func NewScheduler(queue *TaskQueue, orchestrator *ConversationOrchestrator, bus *EventBus, logger *slog.Logger, specs []RecurringTaskSpec, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if bus == nil {
		bus = NewEventBus(logger)
	}
	s := &Scheduler{
		queue:        queue,
		orchestrator: orchestrator,
		bus:          bus,
		logger:       logger,
		specs:        specs,
		pollInterval: defaultPollInterval,
		graceWindow:  defaultGraceWindow,
		chats:        make(map[string]string),
		identities:   make(map[string]string),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, polling every pollInterval for due recurrences and
// dispatching pending tasks, until Stop is called or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.pollInterval, "recurring_specs", len(s.specs))
	defer close(s.doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", "reason", "context cancelled")
			return

		case <-s.stopCh:
			s.drain(ctx)
			s.logger.Info("scheduler stopped", "reason", "stop requested")
			return

		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Warn("scheduler tick failed", "error", err)
			}
		}
	}
}

// Stop signals the run loop to stop. A tick already in progress runs to
// completion first; the loop then dispatches at most one more pending
// task, bounded by graceWindow, before returning.
// Safe to call more than once and from a different goroutine than Run.
// Blocks until Run has actually returned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Scheduler) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.graceWindow)
	defer cancel()
	if err := s.dispatchOne(drainCtx); err != nil {
		s.logger.Warn("scheduler drain dispatch failed", "error", err)
	}
}

// tick evaluates every recurring spec and enqueues the due ones, then
// dispatches pending tasks until none remain ready.
func (s *Scheduler) tick(ctx context.Context) error {
	now := time.Now()
	for _, spec := range s.specs {
		due, err := s.evaluate(ctx, spec, now)
		if err != nil {
			s.logger.Warn("recurrence evaluation failed", "spec", spec.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		if err := s.enqueue(ctx, spec); err != nil {
			s.logger.Warn("recurrence enqueue failed", "spec", spec.Name, "error", err)
		}
	}

	for {
		dispatched, err := s.dispatchOneImpl(ctx)
		if err != nil {
			return err
		}
		if !dispatched {
			return nil
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, spec RecurringTaskSpec, now time.Time) (bool, error) {
	last, hasLast, err := s.queue.GetLastScheduledTaskExecution(ctx, spec.UserID, spec.Name)
	if err != nil {
		return false, err
	}
	// cycles(N) compares the number of completed executions of this
	// spec against N, so count them across the whole task history
	// rather than looking only at the most recent execution.
	done, err := s.queue.ListTasks(ctx, spec.UserID, TaskCompleted)
	if err != nil {
		return false, err
	}
	completed := 0
	for _, t := range done {
		if t.ScheduledTaskName == spec.Name {
			completed++
		}
	}
	return recurrenceDue(spec, last, hasLast, completed, now)
}

func (s *Scheduler) enqueue(ctx context.Context, spec RecurringTaskSpec) error {
	task := Task{
		UserID:            spec.UserID,
		ChatID:            s.chatForSpec(spec.Name),
		Instruction:       spec.Instruction,
		ScheduledTaskName: spec.Name,
	}
	// AddTask itself emits TASK_ADDED through the queue's EventBus, when
	// one is wired in via WithTaskQueueBus.
	_, err := s.queue.AddTask(ctx, task)
	return err
}

// chatForSpec returns the Chat ID a recurring task's dialogue reuses
// across ticks, minting one the first time this spec is seen this
// process lifetime. dispatchOneImpl creates the Chat record through
// ConversationOrchestrator.EnsureChat before the first message is sent.
func (s *Scheduler) chatForSpec(name string) string {
	s.chatsMu.Lock()
	defer s.chatsMu.Unlock()
	if id, ok := s.chats[name]; ok {
		return id
	}
	id := NewID()
	s.chats[name] = id
	return id
}

// identityForSpec resolves a spec's system prompt once per process
// lifetime, falling back to a generic scheduled-task identity when the
// spec declares none.
func (s *Scheduler) identityForSpec(spec RecurringTaskSpec) string {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	if id, ok := s.identities[spec.Name]; ok {
		return id
	}
	identity := spec.Identity
	if identity == "" {
		identity = "You are executing a scheduled background task. Complete the instruction and report the outcome concisely."
	}
	s.identities[spec.Name] = identity
	return identity
}

func (s *Scheduler) dispatchOne(ctx context.Context) error {
	_, err := s.dispatchOneImpl(ctx)
	return err
}

// dispatchOneImpl claims the next pending task, if any, and runs it
// through the orchestrator. It reports whether a task was claimed so
// tick can keep draining the ready queue within one poll instead of
// dispatching at most one task per interval.
func (s *Scheduler) dispatchOneImpl(ctx context.Context) (bool, error) {
	task, ok, err := s.queue.GetNextPendingTask(ctx, "")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	s.bus.Publish(ctx, Event{Name: EventTaskStarted, Data: task})

	var identity string
	for _, spec := range s.specs {
		if spec.Name == task.ScheduledTaskName {
			identity = s.identityForSpec(spec)
			break
		}
	}

	// Manual (non-recurring) tasks always dispatch into a fresh chat:
	// task.ChatID is whatever the enqueuing caller happened to set (often
	// empty), and only recurring tasks carry a real, reused chat ID
	// assigned by chatForSpec at enqueue time.
	chatID := task.ChatID
	if task.ScheduledTaskName == "" {
		chatID = NewID()
	}

	if err := s.orchestrator.EnsureChat(ctx, chatID, task.UserID, task.ScheduledTaskName); err != nil {
		return true, err
	}
	chat := Chat{ID: chatID, UserID: task.UserID}
	if err := s.orchestrator.InjectBootstrapMessages(ctx, chat); err != nil {
		return true, err
	}

	_, runErr := s.orchestrator.SendMessage(ctx, chat, identity, task.Instruction)
	if runErr != nil {
		// TaskQueue.UpdateTaskStatus owns TASK_STATUS_CHANGED/TASK_FAILED
		// emission; the scheduler only decides which status to record.
		_ = s.queue.UpdateTaskStatus(ctx, task.ID, TaskFailed, runErr.Error())
		return true, nil
	}

	if err := s.queue.UpdateTaskStatus(ctx, task.ID, TaskCompleted, ""); err != nil {
		return true, err
	}
	return true, nil
}
