package types

import (
	"fmt"
	"math"
	"slices"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

const ErrCodeInvalidPolicy = "RETRY_POLICY_INVALID"

// RetryPolicy describes the retry economics of a work item.
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initial_interval" yaml:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient" yaml:"backoff_coefficient"`
	MaximumInterval    time.Duration `json:"maximum_interval" yaml:"maximum_interval"`
	// MaximumAttempts of 0 means unbounded.
	MaximumAttempts        int      `json:"maximum_attempts" yaml:"maximum_attempts"`
	NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty" yaml:"non_retryable_error_types"`
}

// DefaultRetryPolicy retries forever, doubling from one second up to 100s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    100 * time.Second,
	}
}

// CompensationRetryPolicy favours eventual success of a reversal over a
// fast failure.
func CompensationRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    10,
	}
}

// WithDefaults fills unset fields from DefaultRetryPolicy. An unset maximum
// interval becomes 100 times the initial interval.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.BackoffCoefficient == 0 {
		p.BackoffCoefficient = 2.0
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = 100 * p.InitialInterval
	}
	return p
}

// Validate rejects policies that cannot produce a sane schedule.
func (p RetryPolicy) Validate() error {
	var problems []string
	if p.InitialInterval < 0 {
		problems = append(problems, "initial interval is negative")
	}
	if p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1 {
		problems = append(problems, "backoff coefficient below 1")
	}
	if p.MaximumInterval < 0 {
		problems = append(problems, "maximum interval is negative")
	}
	if p.MaximumInterval > 0 && p.MaximumInterval < p.InitialInterval {
		problems = append(problems, "maximum interval below initial interval")
	}
	if p.MaximumAttempts < 0 {
		problems = append(problems, "maximum attempts is negative")
	}
	if len(problems) == 0 {
		return nil
	}
	return apperrors.New(fmt.Sprintf("invalid retry policy: %v", problems), apperrors.CategoryValidation).
		WithTextCode(ErrCodeInvalidPolicy).
		WithMetadata(map[string]any{"problems": problems})
}

// NextInterval returns the wait after the given failed attempt:
// min(initial × coefficient^(attempt-1), maximum).
func (p RetryPolicy) NextInterval(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if math.IsInf(raw, 0) || math.IsNaN(raw) || raw >= float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	return time.Duration(raw)
}

// AllowsAttempt reports whether another attempt may follow the given
// failed attempt.
func (p RetryPolicy) AllowsAttempt(failedAttempt int) bool {
	return p.MaximumAttempts == 0 || failedAttempt < p.MaximumAttempts
}

// Excludes reports whether errType is listed as non-retryable.
func (p RetryPolicy) Excludes(errType string) bool {
	return errType != "" && slices.Contains(p.NonRetryableErrorTypes, errType)
}
