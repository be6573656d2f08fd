package uploadqueue

import (
	"time"

	"github.com/tphakala/wow-sync/internal/errors"
)

// Default retry thresholds
const (
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 6 * time.Hour
	DefaultMaxAttempts = 8
)

// RetryPolicy schedules retries with exponential backoff
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the number of failed passes after which a record is
	// parked in Error even for retriable failures. Zero disables the limit.
	MaxAttempts int
}

// DefaultRetryPolicy returns the production thresholds
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns base * 2^retryCount capped at MaxDelay
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for range retryCount {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		// stop doubling before overflowing
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Fatal reports whether a failure ends automatic retries. Non-retriable
// failures are always fatal; retriable ones become fatal once the record has
// failed MaxAttempts times, counting this failure.
func (p RetryPolicy) Fatal(err error, retryCount int) bool {
	if !errors.IsRetriable(err) {
		return true
	}
	return p.MaxAttempts > 0 && retryCount+1 >= p.MaxAttempts
}
