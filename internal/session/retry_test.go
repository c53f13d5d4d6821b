package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sgoodwin/foreman/pkg/models"
)

// fakeSession returns scripted errors before succeeding.
type fakeSession struct {
	failures []error
	calls    int
	stats    Stats
}

var _ Session = (*fakeSession)(nil)

func (f *fakeSession) Send(ctx context.Context, prompt, workdir string) (*Reply, error) {
	f.calls++
	if f.calls <= len(f.failures) {
		return nil, f.failures[f.calls-1]
	}
	return &Reply{Text: "ok", Turns: 1, InputTokens: 10, OutputTokens: 5}, nil
}

func (f *fakeSession) Reset() error               { f.stats = Stats{Restarts: f.stats.Restarts + 1}; return nil }
func (f *fakeSession) Stats() Stats               { return f.stats }
func (f *fakeSession) Kind() Kind                 { return KindAPI }
func (f *fakeSession) Bucket() models.CostBucket  { return models.BucketMetered }
func (f *fakeSession) Model() string              { return "test-model" }
func (f *fakeSession) ConversationID() string     { return "conv-1" }

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Millisecond,
	}
}

func TestRetrySessionSucceedsAfterTransientFailures(t *testing.T) {
	inner := &fakeSession{failures: []error{
		fmt.Errorf("attempt 1: %w", ErrRateLimited),
		fmt.Errorf("attempt 2: %w", ErrBackendUnavailable),
	}}
	s := WithRetry(inner, fastPolicy(5))

	reply, err := s.Send(context.Background(), "do it", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "ok" {
		t.Errorf("Text = %q, want ok", reply.Text)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetrySessionPermanentFailureNotRetried(t *testing.T) {
	inner := &fakeSession{failures: []error{
		fmt.Errorf("bad key: %w", ErrAuth),
	}}
	s := WithRetry(inner, fastPolicy(5))

	_, err := s.Send(context.Background(), "do it", "")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetrySessionTurnBudgetNotRetried(t *testing.T) {
	inner := &fakeSession{failures: []error{
		fmt.Errorf("agent stopped after 10 turns: %w", ErrTurnBudget),
	}}
	s := WithRetry(inner, fastPolicy(5))

	_, err := s.Send(context.Background(), "do it", "")
	if !errors.Is(err, ErrTurnBudget) {
		t.Fatalf("error = %v, want ErrTurnBudget", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetrySessionExhaustion(t *testing.T) {
	inner := &fakeSession{failures: []error{
		ErrRateLimited, ErrRateLimited, ErrRateLimited,
	}}
	s := WithRetry(inner, fastPolicy(3))

	_, err := s.Send(context.Background(), "do it", "")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("error = %v, want ErrRetriesExhausted", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetrySessionContextCancelled(t *testing.T) {
	inner := &fakeSession{failures: []error{ErrRateLimited, ErrRateLimited}}
	s := WithRetry(inner, RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Minute,
		Multiplier:  2.0,
		MaxDelay:    time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.Send(ctx, "do it", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt backoff wait")
	}
}

func TestRetryPolicyDelayMonotonic(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:  time.Second,
		Multiplier: 2.0,
		MaxDelay:   time.Minute,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %s < Delay(%d) = %s", attempt, d, attempt-1, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("Delay(%d) = %s exceeds cap %s", attempt, d, p.MaxDelay)
		}
		prev = d
	}

	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %s, want 1s", got)
	}
	if got := p.Delay(2); got != 4*time.Second {
		t.Errorf("Delay(2) = %s, want 4s", got)
	}
	if got := p.Delay(20); got != time.Minute {
		t.Errorf("Delay(20) = %s, want cap %s", got, time.Minute)
	}
}
