package credential

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the priority class of a credential.
type Tier string

const (
	TierPrimary Tier = "primary"
	TierBackup  Tier = "backup"
	TierReserve Tier = "reserve"
)

// Status is the health state of a credential. A credential holds exactly one
// status at a time and is never removed from the pool, only transitioned.
type Status string

const (
	StatusActive      Status = "active"
	StatusRateLimited Status = "rate_limited"
	StatusUnhealthy   Status = "unhealthy"
	StatusDisabled    Status = "disabled"
)

// ErrorKind classifies a provider failure for credential accounting.
type ErrorKind string

const (
	KindRateLimit   ErrorKind = "rate_limit"
	KindServerError ErrorKind = "server_error"
	KindAuthError   ErrorKind = "auth_error"
	KindTimeout     ErrorKind = "timeout"
	KindUnknown     ErrorKind = "unknown"
)

const responseTimeWindow = 100

// credential is the pool's internal mutable record for one API key.
type credential struct {
	id   string
	key  string
	tier Tier

	status           Status
	minuteCount      int
	dayCount         int
	lifetimeRequests int

	consecutiveErrors int
	lifetimeErrors    int

	responseTimes []float64
	avgResponseMs float64

	rateLimitedUntil time.Time
	unhealthyUntil   time.Time
	lastTouched      time.Time
}

func (c *credential) recordResponseTime(ms float64) {
	c.responseTimes = append(c.responseTimes, ms)
	if len(c.responseTimes) > responseTimeWindow {
		c.responseTimes = c.responseTimes[len(c.responseTimes)-responseTimeWindow:]
	}
	sum := 0.0
	for _, v := range c.responseTimes {
		sum += v
	}
	c.avgResponseMs = sum / float64(len(c.responseTimes))
}

// Selection is the caller-facing view of a selected credential.
type Selection struct {
	ID   string
	Key  string
	Tier Tier
}

// ProvisionedKey is one API key read from configuration.
type ProvisionedKey struct {
	Key  string
	Tier Tier
}

// ParseProvisionedKeys parses a comma-separated "key[:tier]" list. Keys
// without an explicit tier are spread primary/backup/reserve by position
// thirds, so a plain list still yields a tiered pool.
func ParseProvisionedKeys(raw string) ([]ProvisionedKey, error) {
	parts := strings.Split(raw, ",")
	var keys []ProvisionedKey
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, tierStr, hasTier := strings.Cut(part, ":")
		entry := ProvisionedKey{Key: key}
		if hasTier {
			switch Tier(strings.ToLower(strings.TrimSpace(tierStr))) {
			case TierPrimary:
				entry.Tier = TierPrimary
			case TierBackup:
				entry.Tier = TierBackup
			case TierReserve:
				entry.Tier = TierReserve
			default:
				return nil, fmt.Errorf("unknown credential tier %q", tierStr)
			}
		}
		keys = append(keys, entry)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no credentials provisioned")
	}
	for i := range keys {
		if keys[i].Tier != "" {
			continue
		}
		switch {
		case i*3 < len(keys):
			keys[i].Tier = TierPrimary
		case i*3 < 2*len(keys):
			keys[i].Tier = TierBackup
		default:
			keys[i].Tier = TierReserve
		}
	}
	return keys, nil
}
