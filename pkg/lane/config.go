package lane

import (
	"time"
)

// Canonical lane names for the default table. Callers may build tables with
// any lane set; these are the ids the partition layer maps onto.
const (
	System  = "system"
	Control = "control"
	Query   = "query"
	Session = "session"
	Skill   = "skill"
	Prompt  = "prompt"
)

// RetryKind enumerates the supported retry policies.
type RetryKind int

const (
	// RetryNone disables retries; the first failure is terminal.
	RetryNone RetryKind = iota
	// RetryExponential doubles the delay on every attempt.
	RetryExponential
	// RetryFixed waits a constant delay between attempts.
	RetryFixed
)

// RetryPolicy controls how failed attempts are re-enqueued.
type RetryPolicy struct {
	Kind        RetryKind
	MaxAttempts int
	// Delay is the fixed delay for RetryFixed and the base delay for
	// RetryExponential.
	Delay time.Duration
}

const (
	defaultExponentialBase = 100 * time.Millisecond
	maxRetryDelay          = 30 * time.Second
)

// NoRetry returns a policy with a single attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{Kind: RetryNone, MaxAttempts: 1}
}

// ExponentialRetry returns an exponential backoff policy with maxAttempts
// total attempts.
func ExponentialRetry(maxAttempts int) RetryPolicy {
	return RetryPolicy{Kind: RetryExponential, MaxAttempts: maxAttempts, Delay: defaultExponentialBase}
}

// FixedRetry returns a fixed-delay policy with maxAttempts total attempts.
func FixedRetry(delay time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{Kind: RetryFixed, MaxAttempts: maxAttempts, Delay: delay}
}

// NextDelay computes the delay before the given attempt number (1-based;
// attempt 2 is the first retry).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	switch p.Kind {
	case RetryFixed:
		return p.Delay
	case RetryExponential:
		d := p.Delay
		for i := 2; i < attempt; i++ {
			d *= 2
			if d >= maxRetryDelay {
				return maxRetryDelay
			}
		}
		return d
	default:
		return 0
	}
}

// ShouldRetry reports whether another attempt remains after attempt failures.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	if p.Kind == RetryNone {
		return false
	}
	return attempt < p.MaxAttempts
}

// RateLimitConfig is a token bucket granting Count admissions per Interval,
// independent of concurrency slots.
type RateLimitConfig struct {
	Count    int
	Interval time.Duration
}

// PerInterval builds a rate limit of count admissions per interval.
func PerInterval(count int, interval time.Duration) *RateLimitConfig {
	return &RateLimitConfig{Count: count, Interval: interval}
}

// PerMinute builds a rate limit of count admissions per minute.
func PerMinute(count int) *RateLimitConfig {
	return PerInterval(count, time.Minute)
}

// BoostConfig raises a pending envelope's effective priority one rank each
// time it has waited longer than After, preventing starvation.
type BoostConfig struct {
	After time.Duration
}

// BoostAfter builds a boost policy with the given threshold.
func BoostAfter(after time.Duration) *BoostConfig {
	return &BoostConfig{After: after}
}

// LaneConfig describes one lane. Immutable once the table is built.
type LaneConfig struct {
	// Name identifies the lane.
	Name string
	// Rank orders lanes for admission; lower is more urgent. Ranks must be
	// unique across the table.
	Rank int
	// MinConcurrency is the number of slots the lane is expected to keep
	// warm; MaxConcurrency bounds running envelopes.
	MinConcurrency int
	MaxConcurrency int
	// Timeout bounds each execution attempt; zero means no timeout.
	Timeout time.Duration
	// Retry governs re-enqueueing of failed attempts.
	Retry RetryPolicy
	// RateLimit optionally gates admission on token availability.
	RateLimit *RateLimitConfig
	// Boost optionally ages pending envelopes into higher ranks.
	Boost *BoostConfig
}

func (c LaneConfig) validate() error {
	if c.Name == "" {
		return &ConfigError{Reason: "lane name must not be empty"}
	}
	if c.MinConcurrency < 0 || c.MaxConcurrency < 1 {
		return &ConfigError{Lane: c.Name, Reason: "concurrency bounds must be positive"}
	}
	if c.MaxConcurrency < c.MinConcurrency {
		return &ConfigError{Lane: c.Name, Reason: "max_concurrency is less than min_concurrency"}
	}
	if c.RateLimit != nil && (c.RateLimit.Count < 1 || c.RateLimit.Interval <= 0) {
		return &ConfigError{Lane: c.Name, Reason: "rate_limit requires a positive count and interval"}
	}
	if c.Boost != nil && c.Boost.After <= 0 {
		return &ConfigError{Lane: c.Name, Reason: "priority_boost threshold must be positive"}
	}
	if c.Retry.Kind != RetryNone && c.Retry.MaxAttempts < 1 {
		return &ConfigError{Lane: c.Name, Reason: "retry_policy requires at least one attempt"}
	}
	return nil
}

// DefaultLaneConfigs returns the generic six-lane table: system and control
// for urgent administrative work, query for reads, session for session
// housekeeping, skill for side-effecting execution, prompt for generation
// calls with a token-bucket rate limit and an anti-starvation boost.
func DefaultLaneConfigs() []LaneConfig {
	return []LaneConfig{
		{Name: System, Rank: 0, MinConcurrency: 1, MaxConcurrency: 2},
		{Name: Control, Rank: 1, MinConcurrency: 1, MaxConcurrency: 2},
		{Name: Query, Rank: 2, MinConcurrency: 1, MaxConcurrency: 4, Timeout: 60 * time.Second, Retry: ExponentialRetry(3)},
		{Name: Session, Rank: 3, MinConcurrency: 1, MaxConcurrency: 2, Timeout: 60 * time.Second, Retry: ExponentialRetry(3)},
		{Name: Skill, Rank: 4, MinConcurrency: 1, MaxConcurrency: 2, Timeout: 120 * time.Second, Retry: ExponentialRetry(3)},
		{Name: Prompt, Rank: 5, MinConcurrency: 1, MaxConcurrency: 1, Timeout: 300 * time.Second,
			Retry: ExponentialRetry(3), RateLimit: PerMinute(60), Boost: BoostAfter(300 * time.Second)},
	}
}
