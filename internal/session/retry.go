package session

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sgoodwin/foreman/pkg/models"
)

// RetryPolicy controls how transient backend failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// Multiplier grows the delay between consecutive retries.
	Multiplier float64
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Jitter is the fraction of the delay randomized on top, in [0, 1].
	// A delay d becomes d + rand(0, d*Jitter).
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured:
// five attempts starting at 30 seconds, doubling up to five minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Minute,
		Jitter:      0.1,
	}
}

// Delay returns the base delay before retry number attempt (0-indexed),
// before jitter. Delays are non-decreasing in the attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.BaseDelay)
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := base * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// RetrySession wraps a Session and retries transient Send failures with
// exponential backoff. Permanent failures (auth, malformed replies) and
// context cancellation pass through immediately.
type RetrySession struct {
	inner  Session
	policy RetryPolicy

	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ Session = (*RetrySession)(nil)

// WithRetry wraps a session with the given retry policy. Zero-value
// policy fields fall back to DefaultRetryPolicy.
func WithRetry(inner Session, policy RetryPolicy) *RetrySession {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	return &RetrySession{
		inner:  inner,
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send forwards to the wrapped session, retrying transient failures.
// On exhaustion the last backend error is wrapped in ErrRetriesExhausted.
func (s *RetrySession) Send(ctx context.Context, prompt, workdir string) (*Reply, error) {
	var lastErr error
	for attempt := 0; attempt < s.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.jittered(s.policy.Delay(attempt - 1))
			log.Printf("[session] transient failure, retry %d/%d in %s: %v",
				attempt, s.policy.MaxAttempts-1, delay.Round(time.Second), lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		reply, err := s.inner.Send(ctx, prompt, workdir)
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%d attempts failed, last: %v: %w", s.policy.MaxAttempts, lastErr, ErrRetriesExhausted)
}

// jittered adds the policy's random jitter fraction to a delay.
func (s *RetrySession) jittered(d time.Duration) time.Duration {
	if s.policy.Jitter <= 0 {
		return d
	}
	s.rngMu.Lock()
	f := s.rng.Float64()
	s.rngMu.Unlock()
	return d + time.Duration(f*s.policy.Jitter*float64(d))
}

// Unwrap returns the wrapped session, for callers that need backend
// specific setup such as seeding a resumed conversation.
func (s *RetrySession) Unwrap() Session { return s.inner }

// Reset forwards to the wrapped session.
func (s *RetrySession) Reset() error { return s.inner.Reset() }

// Stats forwards to the wrapped session.
func (s *RetrySession) Stats() Stats { return s.inner.Stats() }

// Kind forwards to the wrapped session.
func (s *RetrySession) Kind() Kind { return s.inner.Kind() }

// Bucket forwards to the wrapped session.
func (s *RetrySession) Bucket() models.CostBucket { return s.inner.Bucket() }

// Model forwards to the wrapped session.
func (s *RetrySession) Model() string { return s.inner.Model() }

// ConversationID forwards to the wrapped session.
func (s *RetrySession) ConversationID() string { return s.inner.ConversationID() }
