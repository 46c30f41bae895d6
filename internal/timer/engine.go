// Package timer implements the countdown, alarm and transition state machine
// that walks the user through an ordered task queue.
package timer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/sadopc/doflow/internal/store"
)

// TransitionSeconds is the length of the pause between two tasks.
const TransitionSeconds = 10

// tickInterval drives both the countdown and the transition window.
const tickInterval = time.Second

// TaskSource is the part of the task store the engine depends on.
type TaskSource interface {
	ListIncomplete(ctx context.Context, c store.Collection) ([]store.Task, error)
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	CompleteTask(ctx context.Context, id int64, at time.Time) error
}

// Alarm plays the expiry signal. Start must return promptly; a failing
// alarm never blocks the state machine.
type Alarm interface {
	Start() error
	Stop()
}

// Options contains the host capabilities injected into the engine.
type Options struct {
	Scheduler Scheduler
	Alarm     Alarm
	Logger    *log.Logger
	Now       func() time.Time
}

// Engine owns the single timer session. All intents and ticks are
// serialized by mu.
type Engine struct {
	mu     sync.Mutex
	src    TaskSource
	sched  Scheduler
	alarm  Alarm
	logger *log.Logger
	now    func() time.Time

	active         bool
	collection     store.Collection
	task           *store.Task
	remaining      int64
	state          State
	transitionLeft int
	ringing        bool

	gen         uint64
	cancelTimer func()

	subs   []chan Event
	closed bool
}

// New creates an idle engine with no session.
func New(src TaskSource, opts Options) *Engine {
	if opts.Scheduler == nil {
		opts.Scheduler = TickerScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		src:    src,
		sched:  opts.Scheduler,
		alarm:  opts.Alarm,
		logger: opts.Logger,
		now:    opts.Now,
		state:  StateIdle,
	}
}

// Subscribe registers a new observer channel. Sends never block; a slow
// observer misses events.
func (e *Engine) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	e.mu.Lock()
	if e.closed {
		close(ch)
	} else {
		e.subs = append(e.subs, ch)
	}
	e.mu.Unlock()
	return ch
}

// Close ends any session and closes all observer channels.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.stopLocked()
	e.closed = true
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}

// Snapshot returns the current session state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Active reports whether a session exists.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Collection returns the collection the session works through.
func (e *Engine) Collection() store.Collection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collection
}

// Begin opens a session over collection c and selects its first incomplete
// task without starting the countdown.
func (e *Engine) Begin(ctx context.Context, c store.Collection) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelTimerLocked()
	e.silenceLocked()
	e.active = true
	e.collection = c
	e.task = nil
	e.remaining = 0
	e.transitionLeft = 0
	e.state = StateIdle
	e.logger.Printf("session begin: %s", c)

	if err := e.refreshLocked(ctx); err != nil {
		e.emitStateLocked()
		return err
	}
	e.emitStateLocked()
	return nil
}

// Refresh recomputes the current task after the store changed. A running or
// paused task keeps its place but picks up edits to its title and duration;
// a running task that vanished is detected at the next advancement.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil
	}
	before := e.snapshotLocked()
	if err := e.refreshLocked(ctx); err != nil {
		return err
	}
	if !sameSnapshot(before, e.snapshotLocked()) {
		e.emitStateLocked()
	}
	return nil
}

func (e *Engine) refreshLocked(ctx context.Context) error {
	if e.state != StateIdle && e.state != StatePaused && e.state != StateRunning {
		return nil
	}
	tasks, err := e.src.ListIncomplete(ctx, e.collection)
	if err != nil {
		return fmt.Errorf("list incomplete tasks: %w", err)
	}

	if e.state == StateRunning || e.state == StatePaused {
		for _, t := range tasks {
			if t.ID == e.task.ID {
				e.adoptLocked(t)
				return nil
			}
		}
		if e.state == StateRunning {
			return nil
		}
		e.cancelTimerLocked()
		e.state = StateIdle
	}

	e.task = nil
	e.remaining = 0
	for _, t := range tasks {
		if t.DurationSeconds > 0 {
			task := t
			e.task = &task
			e.remaining = durationMillis(task)
			break
		}
	}
	return nil
}

// adoptLocked replaces the session's copy of the current task with the
// stored one. The remaining time never exceeds the new duration.
func (e *Engine) adoptLocked(t store.Task) {
	e.task = &t
	if full := durationMillis(t); e.remaining > full {
		e.remaining = full
	}
}

// FollowStore refreshes the engine whenever the store reports a change,
// until ctx is done. Changes are coalesced and handled on a separate
// goroutine because the engine writes to the store while holding its lock.
func (e *Engine) FollowStore(ctx context.Context, subscribe func(func(store.Change)) func()) {
	pending := make(chan struct{}, 1)
	unsubscribe := subscribe(func(store.Change) {
		select {
		case pending <- struct{}{}:
		default:
		}
	})

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
				if err := e.Refresh(ctx); err != nil {
					e.logger.Printf("refresh after store change: %v", err)
				}
			}
		}
	}()
}

// Start begins the countdown of task from its full duration. Starting the
// task that is currently paused resumes it instead.
func (e *Engine) Start(ctx context.Context, task store.Task) error {
	if task.DurationSeconds <= 0 {
		return fmt.Errorf("start task %d: %w: duration must be positive", task.ID, store.ErrInvalidTask)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StatePaused && e.task != nil && e.task.ID == task.ID {
		e.resumeLocked()
		return nil
	}
	e.active = true
	e.collection = task.Collection()
	e.startLocked(task)
	return nil
}

func (e *Engine) startLocked(task store.Task) {
	e.cancelTimerLocked()
	e.silenceLocked()

	e.task = &task
	e.remaining = durationMillis(task)
	e.transitionLeft = 0
	e.state = StateRunning
	e.armLocked(e.tick)
	e.logger.Printf("start task %d %q (%ds)", task.ID, task.Title, task.DurationSeconds)
	e.emitStateLocked()
}

// Resume continues a paused countdown without touching the remaining time.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeLocked()
}

func (e *Engine) resumeLocked() {
	if e.state != StatePaused {
		return
	}
	e.state = StateRunning
	e.armLocked(e.tick)
	e.emitStateLocked()
}

// Pause freezes a running countdown.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return
	}
	e.cancelTimerLocked()
	e.state = StatePaused
	e.emitStateLocked()
}

// Toggle pauses a running countdown or resumes a paused one.
func (e *Engine) Toggle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateRunning:
		e.cancelTimerLocked()
		e.state = StatePaused
		e.emitStateLocked()
	case StatePaused:
		e.resumeLocked()
	}
}

// Reset restores the full duration of the current task and leaves it ready.
// The duration is read from the store, not from the copy taken at Start.
func (e *Engine) Reset(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil {
		return
	}
	e.cancelTimerLocked()
	e.silenceLocked()
	e.transitionLeft = 0
	e.state = StateIdle

	fresh, err := e.src.GetTask(ctx, e.task.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.logger.Printf("task %d vanished before reset", e.task.ID)
		if err := e.refreshLocked(ctx); err != nil {
			e.reportLocked(err)
		}
		e.emitStateLocked()
		return
	case err != nil:
		e.reportLocked(fmt.Errorf("reload task %d: %w", e.task.ID, err))
	default:
		e.task = fresh
	}
	e.remaining = durationMillis(*e.task)
	e.emitStateLocked()
}

// Stop ends the session: all timers are cancelled and the alarm silenced.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	e.cancelTimerLocked()
	e.silenceLocked()
	wasActive := e.active
	e.active = false
	e.task = nil
	e.remaining = 0
	e.transitionLeft = 0
	e.state = StateIdle
	if wasActive {
		e.logger.Printf("session stop")
	}
	e.emitStateLocked()
}

// StopAlarm silences a ringing alarm. The session then waits for Next.
func (e *Engine) StopAlarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAlarmRinging {
		return
	}
	e.silenceLocked()
	e.state = StateExpired
	e.emitStateLocked()
}

// Next moves on. After expiry it completes the task and advances at once;
// otherwise it opens the transition window, or ends it if already open.
func (e *Engine) Next(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateAlarmRinging, StateExpired:
		e.cancelTimerLocked()
		e.silenceLocked()
		e.advanceLocked(ctx, AdvanceExpired)
	case StateTransitioning:
		e.cancelTimerLocked()
		e.advanceLocked(ctx, AdvanceUserSkip)
	default:
		if e.task == nil {
			return
		}
		e.cancelTimerLocked()
		e.state = StateTransitioning
		e.transitionLeft = TransitionSeconds
		e.armLocked(e.transitionTick)
		e.emitStateLocked()
	}
}

// SkipTransition ends the transition window immediately.
func (e *Engine) SkipTransition(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateTransitioning {
		return
	}
	e.cancelTimerLocked()
	e.advanceLocked(ctx, AdvanceUserSkip)
}

func (e *Engine) tick(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state != StateRunning {
		return
	}

	e.remaining -= tickInterval.Milliseconds()
	if e.remaining > 0 {
		e.emitStateLocked()
		return
	}

	e.remaining = 0
	e.cancelTimerLocked()
	e.state = StateAlarmRinging
	e.logger.Printf("task %d expired", e.task.ID)
	e.emitStateLocked()
	e.ringLocked()
}

func (e *Engine) transitionTick(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state != StateTransitioning {
		return
	}

	e.transitionLeft--
	if e.transitionLeft < 0 {
		e.transitionLeft = 0
	}
	e.emitLocked(Event{Type: EventTransitionTick, Snapshot: e.snapshotLocked(), At: e.now()})
	if e.transitionLeft > 0 {
		return
	}
	e.cancelTimerLocked()
	e.advanceLocked(context.Background(), AdvanceUserSkip)
}

// advanceLocked selects and starts the next incomplete task. Only expiry
// marks the finished task completed; a task that vanished from the store
// is simply skipped.
func (e *Engine) advanceLocked(ctx context.Context, reason AdvanceReason) {
	finished := e.task

	if finished != nil && reason == AdvanceExpired {
		err := e.src.CompleteTask(ctx, finished.ID, e.now())
		switch {
		case errors.Is(err, store.ErrNotFound):
			e.logger.Printf("task %d vanished before completion", finished.ID)
		case err != nil:
			e.reportLocked(fmt.Errorf("complete task %d: %w", finished.ID, err))
		}
	}

	tasks, err := e.src.ListIncomplete(ctx, e.collection)
	if err != nil {
		e.reportLocked(fmt.Errorf("list incomplete tasks: %w", err))
		e.stopLocked()
		return
	}

	for _, t := range tasks {
		if finished != nil && t.ID == finished.ID {
			continue
		}
		if t.DurationSeconds <= 0 {
			continue
		}
		e.logger.Printf("advance (%s) to task %d", reason, t.ID)
		e.startLocked(t)
		return
	}

	e.logger.Printf("queue exhausted (%s)", reason)
	e.stopLocked()
	e.emitLocked(Event{Type: EventQueueExhausted, Snapshot: e.snapshotLocked(), At: e.now()})
}

func (e *Engine) armLocked(fn func(gen uint64)) {
	e.cancelTimerLocked()
	gen := e.gen
	e.cancelTimer = e.sched.Every(tickInterval, func() { fn(gen) })
}

// cancelTimerLocked invalidates the live timer. Bumping gen makes any fire
// already in flight a no-op.
func (e *Engine) cancelTimerLocked() {
	e.gen++
	if e.cancelTimer != nil {
		e.cancelTimer()
		e.cancelTimer = nil
	}
}

func (e *Engine) ringLocked() {
	if e.alarm != nil {
		if err := e.alarm.Start(); err != nil {
			e.reportLocked(fmt.Errorf("start alarm: %w", err))
		}
	}
	e.ringing = true
	e.emitLocked(Event{Type: EventAlarmStarted, Snapshot: e.snapshotLocked(), At: e.now()})
}

func (e *Engine) silenceLocked() {
	if !e.ringing {
		return
	}
	if e.alarm != nil {
		e.alarm.Stop()
	}
	e.ringing = false
	e.emitLocked(Event{Type: EventAlarmStopped, Snapshot: e.snapshotLocked(), At: e.now()})
}

func (e *Engine) reportLocked(err error) {
	e.logger.Printf("error: %v", err)
	e.emitLocked(Event{Type: EventError, Err: err, Snapshot: e.snapshotLocked(), At: e.now()})
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:               e.state,
		RemainingMillis:     e.remaining,
		TransitionRemaining: e.transitionLeft,
	}
	if e.task != nil {
		t := *e.task
		snap.Task = &t
	}
	return snap
}

func (e *Engine) emitStateLocked() {
	e.emitLocked(Event{Type: EventStateChanged, Snapshot: e.snapshotLocked(), At: e.now()})
}

func (e *Engine) emitLocked(event Event) {
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func durationMillis(t store.Task) int64 {
	return int64(t.DurationSeconds) * 1000
}

func sameSnapshot(a, b Snapshot) bool {
	if a.State != b.State || a.RemainingMillis != b.RemainingMillis || a.TransitionRemaining != b.TransitionRemaining {
		return false
	}
	if a.Task == nil || b.Task == nil {
		return a.Task == nil && b.Task == nil
	}
	return a.Task.ID == b.Task.ID &&
		a.Task.Title == b.Task.Title &&
		a.Task.DurationSeconds == b.Task.DurationSeconds
}
