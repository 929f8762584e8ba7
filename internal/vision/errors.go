package vision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/boxguard/parcel-detection-worker/internal/credential"
)

// ProviderError is a classified failure from the vision provider. The kind
// feeds back into credential health accounting.
type ProviderError struct {
	Kind       credential.ErrorKind
	StatusCode int
	Detail     string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("vision provider error (%s, status %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("vision provider error (%s): %s", e.Kind, e.Detail)
}

// classifyStatus maps an HTTP status to an error kind. Structured codes are
// authoritative; body text matching is the last resort for providers that
// report quota exhaustion with a generic status.
func classifyStatus(status int, body string) credential.ErrorKind {
	switch {
	case status == 429:
		return credential.KindRateLimit
	case status == 401 || status == 403:
		return credential.KindAuthError
	case status >= 500:
		return credential.KindServerError
	}
	lower := strings.ToLower(body)
	if strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "resource_exhausted") {
		return credential.KindRateLimit
	}
	return credential.KindUnknown
}

// classifyTransport maps a transport-level failure to an error kind.
func classifyTransport(err error) credential.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return credential.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return credential.KindTimeout
	}
	return credential.KindUnknown
}
