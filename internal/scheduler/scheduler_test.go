package scheduler_test

import (
	"testing"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/clock"
	"github.com/boxguard/parcel-detection-worker/internal/config"
	"github.com/boxguard/parcel-detection-worker/internal/scheduler"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *clock.Fake, *config.SettingsStore) {
	t.Helper()
	settings, err := config.NewSettingsStore(config.DefaultSettings())
	if err != nil {
		t.Fatalf("NewSettingsStore failed: %v", err)
	}
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return scheduler.New(settings, clk, zap.NewNop()), clk, settings
}

func TestComputeInterval_StartsIdle(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	d := sched.ComputeInterval(scheduler.Context{})
	if d.Mode != scheduler.ModeIdle || d.Interval != 30*time.Second {
		t.Errorf("Expected IDLE/30s with no activity, got %s/%s", d.Mode, d.Interval)
	}
	if d.Changed {
		t.Error("Re-entering IDLE must not count as a transition")
	}
}

func TestComputeInterval_SensorWinsLadder(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	// Sensor outranks everything else in the same call.
	d := sched.ComputeInterval(scheduler.Context{
		SensorTriggered: true,
		PickupDetected:  true,
		PackagePresent:  true,
	})
	if d.Mode != scheduler.ModeBoost || d.Interval != 5*time.Second {
		t.Errorf("Expected BOOST/5s for sensor trigger, got %s/%s", d.Mode, d.Interval)
	}
	if !d.Changed {
		t.Error("Expected a recorded transition into BOOST")
	}
}

func TestComputeInterval_PackageDetectionActivates(t *testing.T) {
	sched, clk, _ := newTestScheduler(t)

	sched.RecordActivity(scheduler.EventPackageDetected)
	d := sched.ComputeInterval(scheduler.Context{PackagePresent: true})
	if d.Mode != scheduler.ModeActive || d.Interval != 15*time.Second {
		t.Errorf("Expected ACTIVE/15s after detection, got %s/%s", d.Mode, d.Interval)
	}

	// Within the activity window the mode holds even without a fresh signal.
	clk.Advance(time.Minute)
	d = sched.ComputeInterval(scheduler.Context{})
	if d.Mode != scheduler.ModeActive {
		t.Errorf("Expected ACTIVE within the activity window, got %s", d.Mode)
	}

	// Past the window the scheduler idles down.
	clk.Advance(2 * time.Minute)
	d = sched.ComputeInterval(scheduler.Context{})
	if d.Mode != scheduler.ModeIdle {
		t.Errorf("Expected IDLE past the activity window, got %s", d.Mode)
	}
}

func TestComputeInterval_PickupCooldownThenIdle(t *testing.T) {
	sched, clk, _ := newTestScheduler(t)

	sched.RecordActivity(scheduler.EventPackageDetected)
	sched.ComputeInterval(scheduler.Context{PackagePresent: true})

	sched.RecordActivity(scheduler.EventPickupCompleted)
	d := sched.ComputeInterval(scheduler.Context{PickupDetected: true})
	if d.Mode != scheduler.ModeCooldown || d.Interval != 60*time.Second {
		t.Errorf("Expected COOLDOWN/60s after pickup, got %s/%s", d.Mode, d.Interval)
	}

	// Pickup clears the package memory: inside the cooldown window the mode
	// holds, past it the scheduler goes straight to IDLE, not back to ACTIVE.
	clk.Advance(4 * time.Minute)
	if d := sched.ComputeInterval(scheduler.Context{}); d.Mode != scheduler.ModeCooldown {
		t.Errorf("Expected COOLDOWN within the pickup window, got %s", d.Mode)
	}
	clk.Advance(2 * time.Minute)
	if d := sched.ComputeInterval(scheduler.Context{}); d.Mode != scheduler.ModeIdle {
		t.Errorf("Expected IDLE after the pickup window, got %s", d.Mode)
	}
}

func TestComputeInterval_StatsCountTransitionsOnly(t *testing.T) {
	sched, clk, _ := newTestScheduler(t)

	// IDLE -> ACTIVE -> ACTIVE (no-op) -> IDLE: two transitions.
	sched.ComputeInterval(scheduler.Context{PackagePresent: true})
	clk.Advance(10 * time.Second)
	sched.ComputeInterval(scheduler.Context{PackagePresent: true})
	clk.Advance(10 * time.Second)
	sched.ComputeInterval(scheduler.Context{})

	state := sched.State()
	if state.Stats.Transitions != 2 {
		t.Errorf("Expected 2 transitions, got %d", state.Stats.Transitions)
	}
	if got := state.Stats.TimeInMode[scheduler.ModeActive]; got != 20*time.Second {
		t.Errorf("Expected 20s attributed to ACTIVE, got %s", got)
	}
}

func TestForceMode(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	d := sched.ForceMode(scheduler.ModeBoost)
	if d.Mode != scheduler.ModeBoost || !d.Changed || d.Reason != "forced" {
		t.Errorf("Unexpected forced decision: %+v", d)
	}
	if state := sched.State(); state.Mode != scheduler.ModeBoost {
		t.Errorf("Expected forced mode persisted, got %s", state.Mode)
	}

	// Forcing the current mode is a no-op.
	if d := sched.ForceMode(scheduler.ModeBoost); d.Changed {
		t.Error("Forcing the current mode must not count as a transition")
	}
}

func TestComputeInterval_UsesRuntimeSettings(t *testing.T) {
	sched, _, settings := newTestScheduler(t)

	idle := 45 * time.Second
	if _, err := settings.Apply(config.Patch{IdleInterval: &idle}); err != nil {
		t.Fatalf("Settings patch failed: %v", err)
	}
	if d := sched.ComputeInterval(scheduler.Context{}); d.Interval != idle {
		t.Errorf("Expected patched idle interval %s, got %s", idle, d.Interval)
	}
}
