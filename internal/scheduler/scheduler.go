package scheduler

import (
	"sync"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/clock"
	"github.com/boxguard/parcel-detection-worker/internal/config"
	"go.uber.org/zap"
)

// Mode is a polling-frequency state.
type Mode string

const (
	ModeIdle     Mode = "IDLE"
	ModeActive   Mode = "ACTIVE"
	ModeCooldown Mode = "COOLDOWN"
	ModeBoost    Mode = "BOOST"
)

// EventType is an activity event fed into the scheduler. Events update
// timestamps only; the state machine runs on the next ComputeInterval call.
type EventType string

const (
	EventPackageDetected EventType = "package_detected"
	EventPickupCompleted EventType = "pickup_completed"
	EventSensorTriggered EventType = "sensor_triggered"
)

// Context carries the per-call signals evaluated by the transition ladder.
type Context struct {
	SensorTriggered bool
	PickupDetected  bool
	PackagePresent  bool
}

// Decision is the outcome of one interval computation.
type Decision struct {
	Mode        Mode          `json:"mode"`
	Interval    time.Duration `json:"interval"`
	Reason      string        `json:"reason"`
	NextCheckAt time.Time     `json:"next_check_at"`
	Changed     bool          `json:"changed"`
}

// Stats accumulates mode-transition counters. Time is attributed to a mode
// only when a transition leaves it.
type Stats struct {
	Transitions int                    `json:"transitions"`
	TimeInMode  map[Mode]time.Duration `json:"time_in_mode"`
}

// Snapshot is the read view of scheduler state for the status surface.
type Snapshot struct {
	Mode         Mode          `json:"mode"`
	Interval     time.Duration `json:"interval"`
	ModeSince    time.Time     `json:"mode_since"`
	LastActivity time.Time     `json:"last_activity"`
	LastPackage  time.Time     `json:"last_package"`
	LastPickup   time.Time     `json:"last_pickup"`
	Stats        Stats         `json:"stats"`
}

// Scheduler maps recent activity to a polling interval so the system checks
// aggressively when the holder is busy and idles down when quiet. One
// instance serves the whole process.
type Scheduler struct {
	mu       sync.Mutex
	settings *config.SettingsStore
	clk      clock.Clock
	logger   *zap.Logger

	mode      Mode
	modeSince time.Time

	lastActivity time.Time
	lastPackage  time.Time
	lastPickup   time.Time

	transitions int
	timeInMode  map[Mode]time.Duration
}

// New creates a scheduler starting in IDLE.
func New(settings *config.SettingsStore, clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		settings:   settings,
		clk:        clk,
		logger:     logger,
		mode:       ModeIdle,
		modeSince:  clk.Now(),
		timeInMode: make(map[Mode]time.Duration),
	}
}

// ComputeInterval evaluates the transition ladder top-down, first match
// wins, and returns the interval for the resulting mode. Re-entering the
// current mode is a no-op that still returns the interval.
func (s *Scheduler) ComputeInterval(ctx Context) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.settings.Snapshot()
	now := s.clk.Now()

	next, reason := s.evaluate(ctx, st, now)
	changed := next != s.mode
	if changed {
		s.timeInMode[s.mode] += now.Sub(s.modeSince)
		s.transitions++
		s.logger.Info("interval mode transition",
			zap.String("from", string(s.mode)),
			zap.String("to", string(next)),
			zap.String("reason", reason))
		s.mode = next
		s.modeSince = now
	}

	interval := intervalFor(s.mode, st)
	return Decision{
		Mode:        s.mode,
		Interval:    interval,
		Reason:      reason,
		NextCheckAt: now.Add(interval),
		Changed:     changed,
	}
}

func (s *Scheduler) evaluate(ctx Context, st config.Settings, now time.Time) (Mode, string) {
	if ctx.SensorTriggered {
		return ModeBoost, "sensor triggered"
	}
	if ctx.PickupDetected {
		return ModeCooldown, "pickup reported"
	}
	if !s.lastPickup.IsZero() && now.Sub(s.lastPickup) <= st.PickupCooldownWindow {
		return ModeCooldown, "recent pickup"
	}
	if ctx.PackagePresent {
		return ModeActive, "package present"
	}
	if !s.lastPackage.IsZero() && now.Sub(s.lastPackage) <= st.ActivityWindow {
		return ModeActive, "recent detection"
	}
	return ModeIdle, "no recent activity"
}

func intervalFor(mode Mode, st config.Settings) time.Duration {
	switch mode {
	case ModeBoost:
		return st.BoostInterval
	case ModeActive:
		return st.ActiveInterval
	case ModeCooldown:
		return st.CooldownInterval
	default:
		return st.IdleInterval
	}
}

// RecordActivity updates the relevant timestamps for an event. It never
// forces a transition itself.
func (s *Scheduler) RecordActivity(event EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	switch event {
	case EventPackageDetected:
		s.lastActivity = now
		s.lastPackage = now
	case EventPickupCompleted:
		s.lastActivity = now
		s.lastPickup = now
		s.lastPackage = time.Time{}
	case EventSensorTriggered:
		s.lastActivity = now
	default:
		s.logger.Warn("unknown activity event ignored", zap.String("event", string(event)))
	}
}

// ForceMode overrides the current mode. Operator and test use only.
func (s *Scheduler) ForceMode(mode Mode) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.settings.Snapshot()
	now := s.clk.Now()
	changed := mode != s.mode
	if changed {
		s.timeInMode[s.mode] += now.Sub(s.modeSince)
		s.transitions++
		s.logger.Info("interval mode forced",
			zap.String("from", string(s.mode)),
			zap.String("to", string(mode)))
		s.mode = mode
		s.modeSince = now
	}
	interval := intervalFor(s.mode, st)
	return Decision{
		Mode:        s.mode,
		Interval:    interval,
		Reason:      "forced",
		NextCheckAt: now.Add(interval),
		Changed:     changed,
	}
}

// State returns a snapshot of scheduler state and statistics.
func (s *Scheduler) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.settings.Snapshot()
	stats := Stats{
		Transitions: s.transitions,
		TimeInMode:  make(map[Mode]time.Duration, len(s.timeInMode)),
	}
	for m, d := range s.timeInMode {
		stats.TimeInMode[m] = d
	}
	return Snapshot{
		Mode:         s.mode,
		Interval:     intervalFor(s.mode, st),
		ModeSince:    s.modeSince,
		LastActivity: s.lastActivity,
		LastPackage:  s.lastPackage,
		LastPickup:   s.lastPickup,
		Stats:        stats,
	}
}
