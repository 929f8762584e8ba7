package credential

import "fmt"

// Verdict is the pool-level health classification.
type Verdict string

const (
	VerdictHealthy  Verdict = "healthy"
	VerdictDegraded Verdict = "degraded"
	VerdictCritical Verdict = "critical"
)

// Alert is a threshold-based warning derived from pool state.
type Alert struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CredentialStats is the reporting snapshot of one credential.
type CredentialStats struct {
	ID                string  `json:"id"`
	Tier              Tier    `json:"tier"`
	Status            Status  `json:"status"`
	MinuteCount       int     `json:"minute_count"`
	DayCount          int     `json:"day_count"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
	LifetimeErrors    int     `json:"lifetime_errors"`
	LifetimeRequests  int     `json:"lifetime_requests"`
	AvgResponseMs     float64 `json:"avg_response_ms"`
}

// Report aggregates pool health for the status surface.
type Report struct {
	Total         int            `json:"total"`
	ActiveCount   int            `json:"active_count"`
	ByStatus      map[Status]int `json:"by_status"`
	ByTier        map[Tier]int   `json:"by_tier"`
	TotalRequests int            `json:"total_requests"`
	TotalErrors   int            `json:"total_errors"`
	ErrorRate     float64        `json:"error_rate"`
	Verdict       Verdict        `json:"verdict"`
	Alerts        []Alert        `json:"alerts,omitempty"`
	Credentials   []CredentialStats `json:"credentials"`
}

// Health reports aggregate pool state, a derived verdict, and threshold
// alerts. The verdict bands follow the reference deployment of nine keys:
// healthy at two thirds active, degraded at one third.
func (p *Pool) Health() Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := Report{
		Total:         len(p.creds),
		ByStatus:      make(map[Status]int),
		ByTier:        make(map[Tier]int),
		TotalRequests: p.totalRequests,
		TotalErrors:   p.totalErrors,
	}
	for _, c := range p.creds {
		r.ByStatus[c.status]++
		r.ByTier[c.tier]++
		if c.status == StatusActive {
			r.ActiveCount++
		}
		r.Credentials = append(r.Credentials, CredentialStats{
			ID:                c.id,
			Tier:              c.tier,
			Status:            c.status,
			MinuteCount:       c.minuteCount,
			DayCount:          c.dayCount,
			ConsecutiveErrors: c.consecutiveErrors,
			LifetimeErrors:    c.lifetimeErrors,
			LifetimeRequests:  c.lifetimeRequests,
			AvgResponseMs:     c.avgResponseMs,
		})

		if p.cfg.DayLimit > 0 && c.dayCount*10 >= p.cfg.DayLimit*9 {
			r.Alerts = append(r.Alerts, Alert{
				Kind: "near_daily_quota",
				Message: fmt.Sprintf("credential %s used %d of %d daily requests",
					c.id, c.dayCount, p.cfg.DayLimit),
			})
		}
	}

	if p.totalRequests > 0 {
		r.ErrorRate = float64(p.totalErrors) / float64(p.totalRequests)
	}

	switch {
	case r.ActiveCount*3 >= r.Total*2:
		r.Verdict = VerdictHealthy
	case r.ActiveCount*3 >= r.Total:
		r.Verdict = VerdictDegraded
	default:
		r.Verdict = VerdictCritical
	}

	if unavailable := r.Total - r.ActiveCount; unavailable*2 > r.Total {
		r.Alerts = append(r.Alerts, Alert{
			Kind:    "pool_depleted",
			Message: fmt.Sprintf("%d of %d credentials unavailable", unavailable, r.Total),
		})
	}
	if p.totalRequests >= minErrorRateSample && r.ErrorRate > 0.20 {
		r.Alerts = append(r.Alerts, Alert{
			Kind:    "high_error_rate",
			Message: fmt.Sprintf("pool error rate %.0f%% over %d requests", r.ErrorRate*100, p.totalRequests),
		})
	}

	return r
}
