package timer

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sadopc/doflow/internal/store"
)

// manualScheduler fires timers only when the test asks it to.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	fn        func()
	interval  time.Duration
	cancelled bool
}

func (m *manualScheduler) Every(interval time.Duration, fn func()) func() {
	t := &manualTimer{fn: fn, interval: interval}
	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		t.cancelled = true
		m.mu.Unlock()
	}
}

func (m *manualScheduler) live() []*manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*manualTimer
	for _, t := range m.timers {
		if !t.cancelled {
			out = append(out, t)
		}
	}
	return out
}

// fire delivers n ticks to every live timer.
func (m *manualScheduler) fire(n int) {
	for i := 0; i < n; i++ {
		for _, t := range m.live() {
			t.fn()
		}
	}
}

type fakeAlarm struct {
	mu     sync.Mutex
	starts int
	stops  int
	err    error
}

func (a *fakeAlarm) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	return a.err
}

func (a *fakeAlarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
}

// failingSource wraps a store and fails selected calls.
type failingSource struct {
	*store.Store
	completeErr error
	listErr     error
}

func (f *failingSource) CompleteTask(ctx context.Context, id int64, at time.Time) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	return f.Store.CompleteTask(ctx, id, at)
}

func (f *failingSource) ListIncomplete(ctx context.Context, c store.Collection) ([]store.Task, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Store.ListIncomplete(ctx, c)
}

type harness struct {
	store  *store.Store
	engine *Engine
	sched  *manualScheduler
	alarm  *fakeAlarm
	events <-chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewMemory()
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return newHarnessWithSource(t, s, s)
}

func newHarnessWithSource(t *testing.T, s *store.Store, src TaskSource) *harness {
	t.Helper()
	sched := &manualScheduler{}
	alarm := &fakeAlarm{}
	e := New(src, Options{Scheduler: sched, Alarm: alarm})
	t.Cleanup(e.Close)
	return &harness{
		store:  s,
		engine: e,
		sched:  sched,
		alarm:  alarm,
		events: e.Subscribe(512),
	}
}

func (h *harness) task(t *testing.T, title string, secs int) store.Task {
	t.Helper()
	task, err := h.store.CreateTask(context.Background(), store.Daily, title, secs)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return *task
}

func (h *harness) start(t *testing.T, task store.Task) {
	t.Helper()
	if err := h.engine.Start(context.Background(), task); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, typ EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func isCompleted(t *testing.T, s *store.Store, id int64) bool {
	t.Helper()
	task, err := s.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task.Completed
}

// ============================================================
// Countdown
// ============================================================

func TestStartThenFullDurationRings(t *testing.T) {
	for _, d := range []int{1, 5, 60} {
		h := newHarness(t)
		task := h.task(t, "A", d)
		h.start(t, task)

		h.sched.fire(d)

		snap := h.engine.Snapshot()
		if snap.RemainingMillis != 0 {
			t.Fatalf("d=%d: expected 0 remaining, got %d", d, snap.RemainingMillis)
		}
		if snap.State != StateAlarmRinging {
			t.Fatalf("d=%d: expected alarm, got %s", d, snap.State)
		}
		if h.alarm.starts != 1 {
			t.Fatalf("d=%d: expected 1 alarm start, got %d", d, h.alarm.starts)
		}
		if n := len(h.sched.live()); n != 0 {
			t.Fatalf("d=%d: ticking must stop on expiry, %d timers live", d, n)
		}
	}
}

func TestStartSetsFullDuration(t *testing.T) {
	h := newHarness(t)
	task := h.task(t, "A", 90)
	h.start(t, task)

	snap := h.engine.Snapshot()
	if snap.State != StateRunning || snap.RemainingMillis != 90000 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	h.sched.fire(1)
	if got := h.engine.Snapshot().RemainingMillis; got != 89000 {
		t.Fatalf("expected 89000 after one tick, got %d", got)
	}
}

func TestStartRecomputesFromDuration(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 30)
	h.start(t, a)
	h.sched.fire(10)

	// Starting again (not from pause) never trusts the stale remaining time.
	h.start(t, a)
	if got := h.engine.Snapshot().RemainingMillis; got != 30000 {
		t.Fatalf("expected 30000, got %d", got)
	}
}

func TestStartInvalidDuration(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Start(context.Background(), store.Task{ID: 1, Title: "x"})
	if !errors.Is(err, store.ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
	if h.engine.Snapshot().State != StateIdle {
		t.Fatal("engine must stay idle")
	}
}

func TestSingleLiveTimer(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 30)
	b := h.task(t, "B", 30)
	h.start(t, a)
	h.start(t, b)
	h.start(t, a)

	if n := len(h.sched.live()); n != 1 {
		t.Fatalf("expected exactly one live timer, got %d", n)
	}
	h.sched.fire(1)
	if got := h.engine.Snapshot().RemainingMillis; got != 29000 {
		t.Fatalf("duplicate timers corrupted remaining: %d", got)
	}
}

// ============================================================
// Pause / resume / reset
// ============================================================

func TestPauseResumeKeepsRemaining(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 60)
	h.start(t, a)
	h.sched.fire(7)

	h.engine.Pause()
	before := h.engine.Snapshot()
	if before.State != StatePaused {
		t.Fatalf("expected paused, got %s", before.State)
	}
	h.sched.fire(5) // no live timer, nothing happens

	h.start(t, a) // re-Start of the paused task resumes
	after := h.engine.Snapshot()
	if after.State != StateRunning {
		t.Fatalf("expected running, got %s", after.State)
	}
	if after.RemainingMillis != before.RemainingMillis || after.RemainingMillis != 53000 {
		t.Fatalf("remaining changed across pause: %d -> %d", before.RemainingMillis, after.RemainingMillis)
	}

	h.engine.Pause()
	h.engine.Resume()
	if got := h.engine.Snapshot().RemainingMillis; got != 53000 {
		t.Fatalf("Resume changed remaining: %d", got)
	}
}

func TestPauseNoopWhenNotRunning(t *testing.T) {
	h := newHarness(t)
	h.engine.Pause()
	if h.engine.Snapshot().State != StateIdle {
		t.Fatal("pause from idle must be a no-op")
	}

	a := h.task(t, "A", 1)
	h.start(t, a)
	h.sched.fire(1)
	h.engine.Pause()
	if h.engine.Snapshot().State != StateAlarmRinging {
		t.Fatal("pause while ringing must be a no-op")
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 60)
	h.start(t, a)

	h.engine.Toggle()
	if h.engine.Snapshot().State != StatePaused {
		t.Fatal("toggle should pause")
	}
	h.engine.Toggle()
	if h.engine.Snapshot().State != StateRunning {
		t.Fatal("toggle should resume")
	}
}

func TestResetRestoresDuration(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"running", func(h *harness) { h.sched.fire(3) }},
		{"paused", func(h *harness) { h.sched.fire(3); h.engine.Pause() }},
		{"ringing", func(h *harness) { h.sched.fire(20) }},
		{"transition", func(h *harness) { h.engine.Next(context.Background()); h.sched.fire(2) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.task(t, "A", 20)
			h.start(t, a)
			tt.setup(h)

			h.engine.Reset(context.Background())
			snap := h.engine.Snapshot()
			if snap.RemainingMillis != 20000 {
				t.Fatalf("expected 20000, got %d", snap.RemainingMillis)
			}
			if snap.State != StateIdle {
				t.Fatalf("expected idle, got %s", snap.State)
			}
			if h.alarm.starts != h.alarm.stops {
				t.Fatal("reset must silence the alarm")
			}
			if n := len(h.sched.live()); n != 0 {
				t.Fatalf("reset must cancel timers, %d live", n)
			}
		})
	}
}

func TestResetWithoutTaskNoop(t *testing.T) {
	h := newHarness(t)
	h.engine.Reset(context.Background())
	if snap := h.engine.Snapshot(); snap.Task != nil || snap.RemainingMillis != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestResetReadsEditedDuration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.task(t, "A", 60)
	h.start(t, a)
	h.sched.fire(5)
	h.engine.Pause()

	if err := h.store.UpdateTask(ctx, a.ID, "A edited", 20); err != nil {
		t.Fatalf("update task: %v", err)
	}
	h.engine.Refresh(ctx)
	snap := h.engine.Snapshot()
	if snap.State != StatePaused || snap.Task.Title != "A edited" {
		t.Fatalf("paused task should pick up the edit, got %+v", snap)
	}
	if snap.RemainingMillis != 20000 {
		t.Fatalf("remaining must be clamped to the new duration, got %d", snap.RemainingMillis)
	}

	h.engine.Reset(ctx)
	snap = h.engine.Snapshot()
	if snap.RemainingMillis != 20000 || snap.Task.DurationSeconds != 20 {
		t.Fatalf("expected reset to 20000 from the stored task, got %d (%ds)",
			snap.RemainingMillis, snap.Task.DurationSeconds)
	}
}

func TestResetWithoutRefreshReadsStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.task(t, "A", 60)
	h.start(t, a)
	h.sched.fire(3)

	if err := h.store.UpdateTask(ctx, a.ID, "A", 90); err != nil {
		t.Fatalf("update task: %v", err)
	}
	h.engine.Reset(ctx)
	if got := h.engine.Snapshot().RemainingMillis; got != 90000 {
		t.Fatalf("expected 90000, got %d", got)
	}
}

func TestResetVanishedTaskSelectsNext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.task(t, "A", 10)
	b := h.task(t, "B", 30)
	h.start(t, a)
	h.sched.fire(2)

	h.store.DeleteTask(ctx, a.ID)
	h.engine.Reset(ctx)
	snap := h.engine.Snapshot()
	if snap.State != StateIdle || snap.Task == nil || snap.Task.ID != b.ID {
		t.Fatalf("expected idle on B, got %+v", snap)
	}
	if snap.RemainingMillis != 30000 {
		t.Fatalf("expected 30000, got %d", snap.RemainingMillis)
	}
}

func TestRefreshRunningPicksUpTitle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.task(t, "A", 60)
	h.start(t, a)
	h.sched.fire(5)

	if err := h.store.UpdateTask(ctx, a.ID, "Renamed", 120); err != nil {
		t.Fatalf("update task: %v", err)
	}
	h.engine.Refresh(ctx)
	snap := h.engine.Snapshot()
	if snap.State != StateRunning || snap.Task.Title != "Renamed" {
		t.Fatalf("running task should pick up the edit, got %+v", snap)
	}
	if snap.RemainingMillis != 55000 {
		t.Fatalf("a longer duration must not add time, got %d", snap.RemainingMillis)
	}
}

// ============================================================
// Stop
// ============================================================

func TestStopCancelsEverything(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 2)
	h.start(t, a)
	h.sched.fire(2) // ringing

	stale := h.sched.timers[0].fn
	h.engine.Stop()

	snap := h.engine.Snapshot()
	if snap.State != StateIdle || snap.Task != nil || snap.RemainingMillis != 0 {
		t.Fatalf("unexpected snapshot after stop: %+v", snap)
	}
	if h.alarm.stops != 1 {
		t.Fatalf("stop must silence the alarm, stops=%d", h.alarm.stops)
	}
	if h.engine.Active() {
		t.Fatal("session should be over")
	}

	// A tick that was already in flight must not act after Stop.
	stale()
	h.sched.fire(3)
	if snap := h.engine.Snapshot(); snap.State != StateIdle || snap.RemainingMillis != 0 {
		t.Fatalf("dangling timer fired after stop: %+v", snap)
	}
}

func TestStopDuringTransition(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 60)
	h.task(t, "B", 60)
	h.start(t, a)
	h.engine.Next(context.Background())
	h.engine.Stop()

	h.sched.fire(TransitionSeconds)
	if snap := h.engine.Snapshot(); snap.Task != nil || snap.State != StateIdle {
		t.Fatalf("transition must not advance after stop: %+v", snap)
	}
}

// ============================================================
// Alarm and advancement
// ============================================================

func TestExpiredNextCompletesAndChains(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 60)
	b := h.task(t, "B", 30)
	h.start(t, a)

	h.sched.fire(60)
	if h.engine.Snapshot().State != StateAlarmRinging {
		t.Fatal("expected alarm after 60 ticks")
	}

	h.engine.Next(context.Background())

	if !isCompleted(t, h.store, a.ID) {
		t.Fatal("A should be completed")
	}
	logs, _ := h.store.ListCompletions(context.Background(), "", "")
	if len(logs) != 1 || logs[0].Title != "A" || logs[0].DurationSeconds != 60 {
		t.Fatalf("unexpected completion log: %+v", logs)
	}
	snap := h.engine.Snapshot()
	if snap.Task == nil || snap.Task.ID != b.ID {
		t.Fatalf("expected B to be current, got %+v", snap.Task)
	}
	if snap.State != StateRunning || snap.RemainingMillis != 30000 {
		t.Fatalf("expected B running with 30000, got %+v", snap)
	}
	if h.alarm.stops != 1 {
		t.Fatal("Next must silence the alarm")
	}
}

func TestStartFromOtherCollectionChainsThere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.task(t, "D1", 10)
	list, err := h.store.CreateList(ctx, "L")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	l1, _ := h.store.CreateTask(ctx, store.ListCollection(list.ID), "L1", 10)
	l2, _ := h.store.CreateTask(ctx, store.ListCollection(list.ID), "L2", 10)

	if err := h.engine.Begin(ctx, store.Daily); err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.start(t, *l1)
	if got := h.engine.Collection(); got != store.ListCollection(list.ID) {
		t.Fatalf("start should switch the session to the task's list, got %s", got)
	}

	h.sched.fire(10)
	h.engine.Next(ctx)
	snap := h.engine.Snapshot()
	if snap.Task == nil || snap.Task.ID != l2.ID {
		t.Fatalf("expected L2 next, got %+v", snap.Task)
	}
}

func TestStopAlarmThenNextCompletes(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 1)
	b := h.task(t, "B", 1)
	h.start(t, a)
	h.sched.fire(1)

	h.engine.StopAlarm()
	snap := h.engine.Snapshot()
	if snap.State != StateExpired {
		t.Fatalf("expected expired, got %s", snap.State)
	}
	if snap.Task == nil || snap.Task.ID != a.ID {
		t.Fatal("StopAlarm must not advance")
	}
	if h.alarm.stops != 1 {
		t.Fatal("StopAlarm must silence")
	}

	h.engine.Next(context.Background())
	if !isCompleted(t, h.store, a.ID) {
		t.Fatal("A should be completed after acknowledging expiry")
	}
	if got := h.engine.Snapshot().Task; got == nil || got.ID != b.ID {
		t.Fatalf("expected B, got %+v", got)
	}
}

func TestStopAlarmOnlyWhenRinging(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 10)
	h.start(t, a)
	h.engine.StopAlarm()
	if h.engine.Snapshot().State != StateRunning {
		t.Fatal("StopAlarm while running must be a no-op")
	}
}

func TestUserNextOnLastTaskExhaustsQueue(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 60)
	h.start(t, a)
	h.sched.fire(5)
	h.drain()

	h.engine.Next(context.Background())
	snap := h.engine.Snapshot()
	if snap.State != StateTransitioning || snap.TransitionRemaining != TransitionSeconds {
		t.Fatalf("expected transition with %d seconds, got %+v", TransitionSeconds, snap)
	}

	h.sched.fire(TransitionSeconds - 1)
	if s := h.engine.Snapshot(); s.State != StateTransitioning || s.TransitionRemaining != 1 {
		t.Fatalf("expected 1 second left, got %+v", s)
	}
	h.sched.fire(1)

	snap = h.engine.Snapshot()
	if snap.State != StateIdle || snap.Task != nil {
		t.Fatalf("expected stopped session, got %+v", snap)
	}
	if h.engine.Active() {
		t.Fatal("session should end when the queue is exhausted")
	}
	if isCompleted(t, h.store, a.ID) {
		t.Fatal("user-skipped task must stay incomplete")
	}
	events := h.drain()
	if !hasEvent(events, EventQueueExhausted) {
		t.Fatal("expected queue exhausted event")
	}
	ticks := 0
	for _, ev := range events {
		if ev.Type == EventTransitionTick {
			ticks++
		}
	}
	if ticks != TransitionSeconds {
		t.Fatalf("expected %d transition ticks, got %d", TransitionSeconds, ticks)
	}
}

func TestUserNextFromPausedDoesNotComplete(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 60)
	b := h.task(t, "B", 60)
	h.start(t, a)
	h.engine.Pause()

	h.engine.Next(context.Background())
	h.sched.fire(TransitionSeconds)

	if isCompleted(t, h.store, a.ID) {
		t.Fatal("A must not be completed")
	}
	if got := h.engine.Snapshot().Task; got == nil || got.ID != b.ID {
		t.Fatalf("expected B, got %+v", got)
	}
	logs, _ := h.store.ListCompletions(context.Background(), "", "")
	if len(logs) != 0 {
		t.Fatal("no completion log for a skipped task")
	}
}

func TestTransitionLastsTenOneSecondTicks(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 60)
	b := h.task(t, "B", 60)
	h.start(t, a)
	h.engine.Next(context.Background())

	for _, tm := range h.sched.live() {
		if tm.interval != time.Second {
			t.Fatalf("timers must tick every second, got %s", tm.interval)
		}
	}
	h.sched.fire(TransitionSeconds - 1)
	if snap := h.engine.Snapshot(); snap.State != StateTransitioning || snap.TransitionRemaining != 1 {
		t.Fatalf("expected 1s of transition left, got %+v", snap)
	}
	h.sched.fire(1)
	snap := h.engine.Snapshot()
	if snap.State != StateRunning || snap.Task.ID != b.ID || snap.RemainingMillis != 60000 {
		t.Fatalf("expected B running from full duration, got %+v", snap)
	}
}

func TestNextDuringTransitionAdvancesImmediately(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 60)
	b := h.task(t, "B", 45)
	h.start(t, a)

	h.engine.Next(context.Background())
	h.sched.fire(3)
	h.engine.Next(context.Background())

	snap := h.engine.Snapshot()
	if snap.Task == nil || snap.Task.ID != b.ID || snap.State != StateRunning {
		t.Fatalf("expected B running, got %+v", snap)
	}
	if snap.RemainingMillis != 45000 {
		t.Fatalf("expected 45000, got %d", snap.RemainingMillis)
	}
	if isCompleted(t, h.store, a.ID) {
		t.Fatal("A must stay incomplete")
	}
}

func TestSkipTransition(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 60)
	b := h.task(t, "B", 60)
	h.start(t, a)

	h.engine.SkipTransition(context.Background())
	if h.engine.Snapshot().State != StateRunning {
		t.Fatal("SkipTransition outside a transition must be a no-op")
	}

	h.engine.Next(context.Background())
	h.engine.SkipTransition(context.Background())
	if got := h.engine.Snapshot().Task; got == nil || got.ID != b.ID {
		t.Fatalf("expected B, got %+v", got)
	}
	if n := len(h.sched.live()); n != 1 {
		t.Fatalf("only B's countdown should be live, got %d timers", n)
	}
}

func TestNextFromIdleWithoutTaskNoop(t *testing.T) {
	h := newHarness(t)
	h.engine.Next(context.Background())
	if h.engine.Snapshot().State != StateIdle {
		t.Fatal("Next without a task must be a no-op")
	}
}

func TestDeletedRunningTaskIsSkipped(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 10)
	b := h.task(t, "B", 20)
	h.start(t, a)
	h.sched.fire(4)

	if err := h.store.DeleteTask(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}
	h.sched.fire(6)
	h.engine.Next(context.Background())

	snap := h.engine.Snapshot()
	if snap.Task == nil || snap.Task.ID != b.ID {
		t.Fatalf("expected B after A vanished, got %+v", snap.Task)
	}
	if hasEvent(h.drain(), EventError) {
		t.Fatal("a vanished task is not an error")
	}
}

func TestAdvanceSkipsTaskCompletedElsewhere(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 10)
	b := h.task(t, "B", 10)
	c := h.task(t, "C", 10)
	h.start(t, a)
	h.store.MarkCompleted(context.Background(), b.ID)

	h.engine.Next(context.Background())
	h.engine.SkipTransition(context.Background())
	if got := h.engine.Snapshot().Task; got == nil || got.ID != c.ID {
		t.Fatalf("expected C, got %+v", got)
	}
}

func TestExpiryOnLastTaskExhausts(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 2)
	h.start(t, a)
	h.sched.fire(2)
	h.engine.Next(context.Background())

	if !isCompleted(t, h.store, a.ID) {
		t.Fatal("A should be completed")
	}
	if h.engine.Active() {
		t.Fatal("session should end")
	}
	if !hasEvent(h.drain(), EventQueueExhausted) {
		t.Fatal("expected queue exhausted")
	}
}

// ============================================================
// Failures never block progress
// ============================================================

func TestAlarmFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.alarm.err = errors.New("audio device busy")
	a := h.task(t, "A", 1)
	b := h.task(t, "B", 1)
	h.start(t, a)
	h.sched.fire(1)

	if h.engine.Snapshot().State != StateAlarmRinging {
		t.Fatal("expiry must proceed despite alarm failure")
	}
	events := h.drain()
	if !hasEvent(events, EventError) || !hasEvent(events, EventAlarmStarted) {
		t.Fatal("expected error and alarm events")
	}

	h.engine.Next(context.Background())
	if got := h.engine.Snapshot().Task; got == nil || got.ID != b.ID {
		t.Fatalf("expected B, got %+v", got)
	}
}

func TestCompletionFailureStillAdvances(t *testing.T) {
	s, err := store.NewMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	src := &failingSource{Store: s, completeErr: errors.New("disk full")}
	h := newHarnessWithSource(t, s, src)

	a := h.task(t, "A", 1)
	b := h.task(t, "B", 1)
	h.start(t, a)
	h.sched.fire(1)
	h.engine.Next(context.Background())

	events := h.drain()
	if !hasEvent(events, EventError) {
		t.Fatal("expected error event")
	}
	// A is still incomplete in the store, but advancement excludes the
	// finished task.
	if got := h.engine.Snapshot().Task; got == nil || got.ID != b.ID {
		t.Fatalf("expected B, got %+v", got)
	}
}

func TestListFailureStopsSession(t *testing.T) {
	s, err := store.NewMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	src := &failingSource{Store: s}
	h := newHarnessWithSource(t, s, src)

	a := h.task(t, "A", 1)
	h.start(t, a)
	h.sched.fire(1)
	src.listErr = errors.New("db locked")
	h.engine.Next(context.Background())

	if h.engine.Active() {
		t.Fatal("session should stop when the queue cannot be read")
	}
	if !hasEvent(h.drain(), EventError) {
		t.Fatal("expected error event")
	}
}

// ============================================================
// Current task selection
// ============================================================

func TestBeginSelectsFirstIncomplete(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 10)
	b := h.task(t, "B", 20)
	h.store.MarkCompleted(context.Background(), a.ID)

	if err := h.engine.Begin(context.Background(), store.Daily); err != nil {
		t.Fatal(err)
	}
	snap := h.engine.Snapshot()
	if snap.Task == nil || snap.Task.ID != b.ID {
		t.Fatalf("expected B, got %+v", snap.Task)
	}
	if snap.State != StateIdle || snap.RemainingMillis != 20000 {
		t.Fatalf("expected idle with full duration, got %+v", snap)
	}
	if n := len(h.sched.live()); n != 0 {
		t.Fatal("Begin must not start counting")
	}
}

func TestBeginEmptyCollection(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Begin(context.Background(), store.Daily); err != nil {
		t.Fatal(err)
	}
	if snap := h.engine.Snapshot(); snap.Task != nil {
		t.Fatalf("expected no task, got %+v", snap.Task)
	}
}

func TestRefreshIdempotent(t *testing.T) {
	h := newHarness(t)
	h.task(t, "A", 10)
	h.task(t, "B", 10)
	h.engine.Begin(context.Background(), store.Daily)

	h.engine.Refresh(context.Background())
	first := h.engine.Snapshot()
	h.drain()
	h.engine.Refresh(context.Background())
	second := h.engine.Snapshot()

	if first.Task == nil || second.Task == nil || first.Task.ID != second.Task.ID {
		t.Fatalf("refresh not idempotent: %+v vs %+v", first.Task, second.Task)
	}
	if len(h.drain()) != 0 {
		t.Fatal("a refresh without changes must not emit")
	}
}

func TestRefreshSnapsWhenCurrentRemoved(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 10)
	b := h.task(t, "B", 10)
	h.engine.Begin(context.Background(), store.Daily)

	h.store.DeleteTask(context.Background(), a.ID)
	h.engine.Refresh(context.Background())
	if got := h.engine.Snapshot().Task; got == nil || got.ID != b.ID {
		t.Fatalf("expected B, got %+v", got)
	}

	h.store.MarkCompleted(context.Background(), b.ID)
	h.engine.Refresh(context.Background())
	if got := h.engine.Snapshot().Task; got != nil {
		t.Fatalf("expected no task, got %+v", got)
	}
}

func TestRefreshFollowsReorderWhileIdle(t *testing.T) {
	h := newHarness(t)
	h.task(t, "A", 10)
	b := h.task(t, "B", 10)
	h.engine.Begin(context.Background(), store.Daily)

	h.store.Reorder(context.Background(), b.ID, 0)
	h.engine.Refresh(context.Background())
	if got := h.engine.Snapshot().Task; got == nil || got.ID != b.ID {
		t.Fatalf("expected B first, got %+v", got)
	}
}

func TestRefreshLeavesRunningTask(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 10)
	h.task(t, "B", 10)
	h.start(t, a)

	h.store.DeleteTask(context.Background(), a.ID)
	h.engine.Refresh(context.Background())
	snap := h.engine.Snapshot()
	if snap.State != StateRunning || snap.Task.ID != a.ID {
		t.Fatalf("running task must be left alone until advancement, got %+v", snap)
	}
}

func TestRefreshPausedVanishedTask(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 10)
	b := h.task(t, "B", 10)
	h.start(t, a)
	h.engine.Pause()

	h.store.DeleteTask(context.Background(), a.ID)
	h.engine.Refresh(context.Background())
	snap := h.engine.Snapshot()
	if snap.State != StateIdle || snap.Task == nil || snap.Task.ID != b.ID {
		t.Fatalf("expected idle on B, got %+v", snap)
	}
}

func TestFollowStore(t *testing.T) {
	h := newHarness(t)
	h.task(t, "A", 10)
	h.engine.Begin(context.Background(), store.Daily)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.FollowStore(ctx, h.store.Subscribe)

	b := h.task(t, "B", 10)
	h.store.Reorder(context.Background(), b.ID, 0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := h.engine.Snapshot().Task; got != nil && got.ID == b.ID {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("engine did not follow the store change")
}

// ============================================================
// Events and formatting
// ============================================================

func TestEventSequenceOnExpiry(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 1)
	h.start(t, a)
	h.drain()

	h.sched.fire(1)
	events := h.drain()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventStateChanged || events[0].Snapshot.State != StateAlarmRinging {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != EventAlarmStarted {
		t.Fatalf("unexpected second event: %+v", events[1])
	}

	h.engine.StopAlarm()
	if !hasEvent(h.drain(), EventAlarmStopped) {
		t.Fatal("expected alarm stopped event")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.engine.Subscribe(1) // never drained
	a := h.task(t, "A", 5)
	h.start(t, a)
	h.sched.fire(5)
	if h.engine.Snapshot().State != StateAlarmRinging {
		t.Fatal("engine blocked on a slow subscriber")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	h := newHarness(t)
	ch := h.engine.Subscribe(16)
	h.engine.Close()
	for range ch {
	}
	late := h.engine.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatal("subscribe after close should return a closed channel")
	}
}

func TestEngineLogs(t *testing.T) {
	var buf bytes.Buffer
	s, _ := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	e := New(s, Options{Scheduler: &manualScheduler{}, Logger: log.New(&buf, "[timer] ", 0)})
	defer e.Close()

	task, _ := s.CreateTask(context.Background(), store.Daily, "Log me", 5)
	e.Start(context.Background(), *task)
	if !bytes.Contains(buf.Bytes(), []byte(`start task`)) {
		t.Fatalf("expected start to be logged, got %q", buf.String())
	}
}

func TestFormatClock(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "00:00"},
		{999, "00:00"},
		{1000, "00:01"},
		{59999, "00:59"},
		{60000, "01:00"},
		{25 * 60 * 1000, "25:00"},
		{-5, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatClock(tt.ms); got != tt.want {
			t.Errorf("FormatClock(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestSnapshotProgress(t *testing.T) {
	task := &store.Task{DurationSeconds: 100}
	tests := []struct {
		remaining int64
		want      float64
	}{
		{100000, 0},
		{50000, 0.5},
		{0, 1},
		{200000, 0},
		{-10, 1},
	}
	for _, tt := range tests {
		s := Snapshot{Task: task, RemainingMillis: tt.remaining}
		if got := s.Progress(); got != tt.want {
			t.Errorf("Progress(%d) = %v, want %v", tt.remaining, got, tt.want)
		}
	}
	if (Snapshot{}).Progress() != 0 {
		t.Error("progress without a task should be 0")
	}
}

func TestTickerSchedulerCancel(t *testing.T) {
	var n atomic.Int32
	fired := make(chan struct{}, 10)
	cancel := TickerScheduler{}.Every(5*time.Millisecond, func() {
		n.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	<-fired
	<-fired
	cancel()
	cancel() // idempotent

	time.Sleep(20 * time.Millisecond)
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() != after {
		t.Fatal("ticker kept firing after cancel")
	}
}
