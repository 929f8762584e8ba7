package credential

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/clock"
	"go.uber.org/zap"
)

// ErrNoCredentialAvailable is returned by Select when the pool is exhausted
// even after emergency recovery. Callers must surface it, not retry against
// the pool.
var ErrNoCredentialAvailable = errors.New("no credential available")

const (
	maxConsecutiveErrors = 3
	minErrorRateSample   = 20
)

// PoolConfig holds quota limits and recovery timing for the pool.
type PoolConfig struct {
	MinuteLimit         int
	DayLimit            int
	RateLimitCooldown   time.Duration
	UnhealthyCooldown   time.Duration
	MaintenanceInterval time.Duration
	IdleDecayAfter      time.Duration
	UsageBand           int
}

// Pool owns a fixed set of interchangeable vision-API credentials, tracks
// their quota usage and health, and picks the best one per request. All
// mutation goes through the pool mutex; the background maintenance loop
// takes the same lock as the request path.
type Pool struct {
	mu    sync.Mutex
	creds []*credential
	byID  map[string]*credential

	cfg    PoolConfig
	clk    clock.Clock
	logger *zap.Logger

	totalRequests int
	totalErrors   int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPool builds a pool from provisioned keys. The set is fixed for the
// lifetime of the process.
func NewPool(keys []ProvisionedKey, cfg PoolConfig, clk clock.Clock, logger *zap.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("credential pool requires at least one key")
	}
	p := &Pool{
		cfg:    cfg,
		clk:    clk,
		logger: logger,
		byID:   make(map[string]*credential, len(keys)),
	}
	now := clk.Now()
	for i, k := range keys {
		c := &credential{
			id:          fmt.Sprintf("key-%02d", i+1),
			key:         k.Key,
			tier:        k.Tier,
			status:      StatusActive,
			lastTouched: now,
		}
		p.creds = append(p.creds, c)
		p.byID[c.id] = c
	}
	logger.Info("credential pool initialized",
		zap.Int("keys", len(p.creds)),
		zap.Int("minute_limit", cfg.MinuteLimit),
		zap.Int("day_limit", cfg.DayLimit))
	return p, nil
}

// Select returns the best eligible credential. Priority requests bias
// selection toward the primary tier. A requested tier is a soft constraint:
// it is ignored when honoring it would leave zero candidates. Select never
// blocks.
func (p *Pool) Select(priority bool, tier Tier) (Selection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	candidates := p.eligibleLocked()
	if len(candidates) == 0 {
		p.emergencyRecoveryLocked(now)
		candidates = p.relaxedLocked()
	}
	if len(candidates) == 0 {
		return Selection{}, ErrNoCredentialAvailable
	}

	if tier == "" && priority {
		tier = TierPrimary
	}
	if tier != "" {
		tiered := candidates[:0:0]
		for _, c := range candidates {
			if c.tier == tier {
				tiered = append(tiered, c)
			}
		}
		if len(tiered) > 0 {
			candidates = tiered
		}
	}

	p.rankLocked(candidates)
	winner := candidates[0]
	winner.lastTouched = now
	return Selection{ID: winner.id, Key: winner.key, Tier: winner.tier}, nil
}

// eligibleLocked applies the normal selection filter: active status, both
// quota counters under their limits, and fewer than three consecutive errors.
func (p *Pool) eligibleLocked() []*credential {
	var out []*credential
	for _, c := range p.creds {
		if c.status != StatusActive {
			continue
		}
		if c.minuteCount >= p.cfg.MinuteLimit || c.dayCount >= p.cfg.DayLimit {
			continue
		}
		if c.consecutiveErrors >= maxConsecutiveErrors {
			continue
		}
		out = append(out, c)
	}
	return out
}

// relaxedLocked is the post-recovery fallback filter: anything not disabled.
func (p *Pool) relaxedLocked() []*credential {
	var out []*credential
	for _, c := range p.creds {
		if c.status != StatusDisabled {
			out = append(out, c)
		}
	}
	return out
}

// rankLocked orders candidates by daily usage (differences within the usage
// band count as equal), then lifetime errors, then rolling average response
// time.
func (p *Pool) rankLocked(cands []*credential) {
	band := p.cfg.UsageBand
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if diff := a.dayCount - b.dayCount; diff > band || diff < -band {
			return a.dayCount < b.dayCount
		}
		if a.lifetimeErrors != b.lifetimeErrors {
			return a.lifetimeErrors < b.lifetimeErrors
		}
		return a.avgResponseMs < b.avgResponseMs
	})
}

// emergencyRecoveryLocked force-promotes credentials when the pool would
// otherwise return nothing: any rate-limited key whose cooldown already
// elapsed, and any unhealthy key regardless of its cooldown.
func (p *Pool) emergencyRecoveryLocked(now time.Time) {
	recovered := 0
	for _, c := range p.creds {
		switch c.status {
		case StatusRateLimited:
			if !now.Before(c.rateLimitedUntil) {
				c.status = StatusActive
				c.consecutiveErrors = 0
				recovered++
			}
		case StatusUnhealthy:
			c.status = StatusActive
			c.consecutiveErrors = 0
			recovered++
		}
	}
	if recovered > 0 {
		p.logger.Warn("emergency credential recovery triggered",
			zap.Int("recovered", recovered))
	}
}

// MarkSuccess records a completed provider call against the credential.
func (p *Pool) MarkSuccess(id string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[id]
	if !ok {
		return
	}
	c.minuteCount++
	c.dayCount++
	c.lifetimeRequests++
	c.consecutiveErrors = 0
	c.recordResponseTime(float64(elapsed.Milliseconds()))
	c.lastTouched = p.clk.Now()
	p.totalRequests++
}

// MarkError records a failed provider call. Rate-limit errors put the
// credential on a fixed cooldown; three consecutive errors of any kind mark
// it unhealthy for a longer one.
func (p *Pool) MarkError(id string, kind ErrorKind, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[id]
	if !ok {
		return
	}
	now := p.clk.Now()
	c.consecutiveErrors++
	c.lifetimeErrors++
	c.lastTouched = now
	p.totalRequests++
	p.totalErrors++

	switch {
	case kind == KindRateLimit:
		c.status = StatusRateLimited
		c.rateLimitedUntil = now.Add(p.cfg.RateLimitCooldown)
		p.logger.Warn("credential rate limited",
			zap.String("credential_id", c.id),
			zap.Duration("cooldown", p.cfg.RateLimitCooldown),
			zap.String("detail", detail))
	case c.consecutiveErrors >= maxConsecutiveErrors && c.status == StatusActive:
		c.status = StatusUnhealthy
		c.unhealthyUntil = now.Add(p.cfg.UnhealthyCooldown)
		p.logger.Warn("credential marked unhealthy",
			zap.String("credential_id", c.id),
			zap.String("error_kind", string(kind)),
			zap.Int("consecutive_errors", c.consecutiveErrors),
			zap.String("detail", detail))
	default:
		p.logger.Debug("credential error recorded",
			zap.String("credential_id", c.id),
			zap.String("error_kind", string(kind)),
			zap.Int("consecutive_errors", c.consecutiveErrors))
	}
}

// RunRecovery is the periodic maintenance pass: promote rate-limited keys
// whose cooldown elapsed, recover unhealthy keys after their cooldown with a
// halved lifetime error count, and decay consecutive errors on keys the
// selector has not touched for a while.
func (p *Pool) RunRecovery() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	for _, c := range p.creds {
		switch c.status {
		case StatusRateLimited:
			if !now.Before(c.rateLimitedUntil) {
				c.status = StatusActive
				c.consecutiveErrors = 0
				p.logger.Info("credential recovered from rate limit",
					zap.String("credential_id", c.id))
			}
		case StatusUnhealthy:
			if !now.Before(c.unhealthyUntil) {
				c.status = StatusActive
				c.consecutiveErrors = 0
				// Decay rather than reset: keep some memory of past trouble.
				c.lifetimeErrors /= 2
				p.logger.Info("credential recovered from unhealthy state",
					zap.String("credential_id", c.id),
					zap.Int("lifetime_errors", c.lifetimeErrors))
			}
		case StatusActive:
			if c.consecutiveErrors > 0 && now.Sub(c.lastTouched) > p.cfg.IdleDecayAfter {
				c.consecutiveErrors--
				c.lastTouched = now
			}
		}
	}
}

// ResetMinuteCounters zeroes the per-minute counters. Only the maintenance
// scheduler calls this, never the request path.
func (p *Pool) ResetMinuteCounters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		c.minuteCount = 0
	}
}

// ResetDayCounters zeroes the per-day counters.
func (p *Pool) ResetDayCounters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		c.dayCount = 0
	}
	p.logger.Info("daily credential quotas reset")
}

// Start launches the background maintenance loop.
func (p *Pool) Start() {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.maintenanceLoop()
}

// Stop terminates the maintenance loop and waits for it to exit.
func (p *Pool) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pool) maintenanceLoop() {
	defer close(p.doneCh)

	recovery := time.NewTicker(p.cfg.MaintenanceInterval)
	minute := time.NewTicker(time.Minute)
	day := time.NewTicker(24 * time.Hour)
	defer recovery.Stop()
	defer minute.Stop()
	defer day.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-recovery.C:
			p.RunRecovery()
		case <-minute.C:
			p.ResetMinuteCounters()
		case <-day.C:
			p.ResetDayCounters()
		}
	}
}
