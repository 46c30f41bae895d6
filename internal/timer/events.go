package timer

import (
	"fmt"
	"time"

	"github.com/sadopc/doflow/internal/store"
)

// State is the run state of the engine.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateAlarmRinging  State = "alarm"
	StateExpired       State = "expired" // alarm silenced, waiting for Next
	StateTransitioning State = "transition"
)

// AdvanceReason tells advancement whether the finished task ran out.
type AdvanceReason int

const (
	AdvanceExpired AdvanceReason = iota
	AdvanceUserSkip
)

func (r AdvanceReason) String() string {
	if r == AdvanceExpired {
		return "expired"
	}
	return "user_skip"
}

// EventType defines the type of engine event.
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventAlarmStarted   EventType = "alarm_started"
	EventAlarmStopped   EventType = "alarm_stopped"
	EventTransitionTick EventType = "transition_tick"
	EventQueueExhausted EventType = "queue_exhausted"
	EventError          EventType = "error"
)

// Event is sent to subscribers on every state change and side effect.
type Event struct {
	Type     EventType
	Snapshot Snapshot
	Err      error
	At       time.Time
}

// Snapshot is a copy of the session state for rendering.
type Snapshot struct {
	State               State
	Task                *store.Task
	RemainingMillis     int64
	TransitionRemaining int
}

// Clock formats the remaining time as MM:SS.
func (s Snapshot) Clock() string {
	return FormatClock(s.RemainingMillis)
}

// Progress returns the elapsed fraction of the current task in [0,1].
func (s Snapshot) Progress() float64 {
	if s.Task == nil || s.Task.DurationSeconds <= 0 {
		return 0
	}
	total := float64(s.Task.DurationSeconds) * 1000
	p := (total - float64(s.RemainingMillis)) / total
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// FormatClock renders floor(ms/1000) as zero padded minutes and seconds.
func FormatClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := ms / 1000
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
