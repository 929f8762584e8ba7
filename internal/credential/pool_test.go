package credential_test

import (
	"testing"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/clock"
	"github.com/boxguard/parcel-detection-worker/internal/credential"
	"go.uber.org/zap"
)

func testPoolConfig() credential.PoolConfig {
	return credential.PoolConfig{
		MinuteLimit:         10,
		DayLimit:            100,
		RateLimitCooldown:   60 * time.Second,
		UnhealthyCooldown:   5 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
		IdleDecayAfter:      10 * time.Minute,
		UsageBand:           10,
	}
}

func newTestPool(t *testing.T, keys []credential.ProvisionedKey, clk clock.Clock) *credential.Pool {
	t.Helper()
	pool, err := credential.NewPool(keys, testPoolConfig(), clk, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	return pool
}

func twoKeys() []credential.ProvisionedKey {
	return []credential.ProvisionedKey{
		{Key: "sk-aaa", Tier: credential.TierPrimary},
		{Key: "sk-bbb", Tier: credential.TierBackup},
	}
}

func TestSelect_RespectsDailyQuota(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	// Exhaust key A's daily quota.
	for i := 0; i < 100; i++ {
		pool.MarkSuccess("key-01", 200*time.Millisecond)
		// Keep the per-minute counter under its limit.
		if i%9 == 8 {
			pool.ResetMinuteCounters()
		}
	}

	sel, err := pool.Select(false, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ID != "key-02" {
		t.Errorf("Expected key-02 (key-01 at daily limit), got %s", sel.ID)
	}
}

func TestSelect_RespectsMinuteQuota(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	for i := 0; i < 10; i++ {
		pool.MarkSuccess("key-01", 100*time.Millisecond)
	}

	sel, err := pool.Select(false, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ID != "key-02" {
		t.Errorf("Expected key-02 (key-01 at per-minute limit), got %s", sel.ID)
	}

	pool.ResetMinuteCounters()

	// After the minute reset key-01 is eligible again and has lower usage
	// within the band, so either could win; it must not error out.
	if _, err := pool.Select(false, ""); err != nil {
		t.Fatalf("Select after minute reset failed: %v", err)
	}
}

func TestMarkError_ThreeConsecutiveErrorsUnhealthy(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	// Put key A at its daily limit so only B is selectable.
	for i := 0; i < 100; i++ {
		pool.MarkSuccess("key-01", 100*time.Millisecond)
	}
	pool.ResetMinuteCounters()

	for i := 0; i < 3; i++ {
		pool.MarkError("key-02", credential.KindServerError, "boom")
	}

	report := pool.Health()
	if report.ByStatus[credential.StatusUnhealthy] != 1 {
		t.Errorf("Expected key-02 unhealthy after 3 consecutive errors, statuses: %v", report.ByStatus)
	}

	// A is quota-exhausted, B is unhealthy. Emergency recovery promotes B
	// rather than returning nothing: a safety valve against total outage.
	sel, err := pool.Select(false, "")
	if err != nil {
		t.Fatalf("Expected emergency recovery to yield a credential, got %v", err)
	}
	if sel.ID != "key-02" {
		t.Errorf("Expected emergency-recovered key-02, got %s", sel.ID)
	}
}

func TestSelect_RelaxedFallbackWhenAllRateLimited(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	// Rate-limit both keys; cooldowns have not elapsed, and rate-limited
	// keys are not eligible even for emergency promotion before expiry...
	pool.MarkError("key-01", credential.KindRateLimit, "429")
	pool.MarkError("key-02", credential.KindRateLimit, "429")

	// ...but the relaxed post-recovery filter still admits non-disabled
	// credentials, so Select succeeds in degraded form.
	if _, err := pool.Select(false, ""); err != nil {
		t.Fatalf("Expected relaxed selection of rate-limited key, got %v", err)
	}
}

func TestRunRecovery_RateLimitCooldown(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	pool.MarkError("key-01", credential.KindRateLimit, "429")

	report := pool.Health()
	if report.ByStatus[credential.StatusRateLimited] != 1 {
		t.Fatalf("Expected one rate-limited credential, statuses: %v", report.ByStatus)
	}

	// Before the cooldown elapses recovery must not promote.
	clk.Advance(30 * time.Second)
	pool.RunRecovery()
	if pool.Health().ByStatus[credential.StatusRateLimited] != 1 {
		t.Error("Credential promoted before its rate-limit cooldown elapsed")
	}

	clk.Advance(31 * time.Second)
	pool.RunRecovery()
	if pool.Health().ByStatus[credential.StatusActive] != 2 {
		t.Error("Expected credential promoted back to active after cooldown")
	}
}

func TestRunRecovery_UnhealthyDecaysLifetimeErrors(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	for i := 0; i < 4; i++ {
		pool.MarkError("key-01", credential.KindServerError, "boom")
	}

	report := pool.Health()
	if report.ByStatus[credential.StatusUnhealthy] != 1 {
		t.Fatalf("Expected key-01 unhealthy, statuses: %v", report.ByStatus)
	}

	clk.Advance(5*time.Minute + time.Second)
	pool.RunRecovery()

	report = pool.Health()
	if report.ByStatus[credential.StatusActive] != 2 {
		t.Fatal("Expected key-01 recovered to active")
	}
	for _, c := range report.Credentials {
		if c.ID == "key-01" {
			// 4 lifetime errors halve to 2 on recovery: decay, not reset.
			if c.LifetimeErrors != 2 {
				t.Errorf("Expected lifetime errors halved to 2, got %d", c.LifetimeErrors)
			}
			if c.ConsecutiveErrors != 0 {
				t.Errorf("Expected consecutive errors reset, got %d", c.ConsecutiveErrors)
			}
		}
	}
}

func TestSelect_UsageBandTieBreak(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	// key-01: 5 daily requests, one lifetime error. key-02: zero usage but
	// two lifetime errors (non-consecutive, decayed back between).
	for i := 0; i < 5; i++ {
		pool.MarkSuccess("key-01", 100*time.Millisecond)
	}
	pool.MarkError("key-01", credential.KindServerError, "blip")
	pool.MarkSuccess("key-01", 100*time.Millisecond)

	pool.MarkError("key-02", credential.KindServerError, "blip")
	pool.MarkSuccess("key-02", 100*time.Millisecond)
	pool.MarkError("key-02", credential.KindServerError, "blip")
	pool.MarkSuccess("key-02", 100*time.Millisecond)

	pool.ResetMinuteCounters()

	// Usage difference (6 vs 2) is inside the ±10 band, so the error count
	// decides: key-01 with one error beats key-02 with two.
	sel, err := pool.Select(false, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ID != "key-01" {
		t.Errorf("Expected key-01 via error-count tie-break inside usage band, got %s", sel.ID)
	}
}

func TestSelect_UsageOutsideBandWins(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	for i := 0; i < 20; i++ {
		pool.MarkSuccess("key-01", 100*time.Millisecond)
		if i%9 == 8 {
			pool.ResetMinuteCounters()
		}
	}
	pool.ResetMinuteCounters()

	// 20 vs 0 exceeds the band, so lower daily usage wins outright.
	sel, err := pool.Select(false, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ID != "key-02" {
		t.Errorf("Expected key-02 with lower usage outside the band, got %s", sel.ID)
	}
}

func TestSelect_TierSoftConstraint(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	sel, err := pool.Select(false, credential.TierBackup)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Tier != credential.TierBackup {
		t.Errorf("Expected backup-tier credential, got %s", sel.Tier)
	}

	// A tier with no eligible members is ignored rather than failing.
	sel, err = pool.Select(false, credential.TierReserve)
	if err != nil {
		t.Fatalf("Select with empty tier failed: %v", err)
	}
	if sel.ID == "" {
		t.Error("Expected a credential despite unsatisfiable tier constraint")
	}
}

func TestParseProvisionedKeys(t *testing.T) {
	keys, err := credential.ParseProvisionedKeys("sk-a:primary, sk-b:reserve, sk-c")
	if err != nil {
		t.Fatalf("ParseProvisionedKeys failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("Expected 3 keys, got %d", len(keys))
	}
	if keys[0].Tier != credential.TierPrimary || keys[1].Tier != credential.TierReserve {
		t.Errorf("Explicit tiers not honored: %+v", keys)
	}
	if keys[2].Tier == "" {
		t.Error("Expected a default tier for the untiered key")
	}

	if _, err := credential.ParseProvisionedKeys(""); err == nil {
		t.Error("Expected error for empty key list")
	}
	if _, err := credential.ParseProvisionedKeys("sk-a:gold"); err == nil {
		t.Error("Expected error for unknown tier")
	}
}

func TestHealth_Verdicts(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	keys := []credential.ProvisionedKey{
		{Key: "k1", Tier: credential.TierPrimary},
		{Key: "k2", Tier: credential.TierPrimary},
		{Key: "k3", Tier: credential.TierBackup},
	}
	pool := newTestPool(t, keys, clk)

	if v := pool.Health().Verdict; v != credential.VerdictHealthy {
		t.Errorf("Expected healthy verdict with all active, got %s", v)
	}

	pool.MarkError("key-01", credential.KindRateLimit, "429")
	if v := pool.Health().Verdict; v != credential.VerdictHealthy {
		t.Errorf("Expected healthy verdict at 2/3 active, got %s", v)
	}

	pool.MarkError("key-02", credential.KindRateLimit, "429")
	if v := pool.Health().Verdict; v != credential.VerdictDegraded {
		t.Errorf("Expected degraded verdict at 1/3 active, got %s", v)
	}

	pool.MarkError("key-03", credential.KindRateLimit, "429")
	report := pool.Health()
	if report.Verdict != credential.VerdictCritical {
		t.Errorf("Expected critical verdict with zero active, got %s", report.Verdict)
	}
	found := false
	for _, a := range report.Alerts {
		if a.Kind == "pool_depleted" {
			found = true
		}
	}
	if !found {
		t.Error("Expected pool_depleted alert with all credentials unavailable")
	}
}

func TestSelect_PriorityBiasesTowardPrimary(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pool := newTestPool(t, twoKeys(), clk)

	// Give the primary key worse stats inside the usage band, so a normal
	// select prefers the backup key on error count.
	pool.MarkError("key-01", credential.KindServerError, "blip")
	pool.MarkSuccess("key-01", 100*time.Millisecond)

	sel, err := pool.Select(false, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ID != "key-02" {
		t.Fatalf("Expected key-02 without priority, got %s", sel.ID)
	}

	sel, err = pool.Select(true, "")
	if err != nil {
		t.Fatalf("Priority select failed: %v", err)
	}
	if sel.Tier != credential.TierPrimary {
		t.Errorf("Expected primary-tier credential for priority request, got %s", sel.Tier)
	}
}
