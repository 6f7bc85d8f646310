package webhook

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
)

// RetryPolicy schedules redelivery attempts with jittered exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// ShouldRetry reports whether another attempt should follow a failed attempt number attempt.
// Per-attempt timeouts are retryable; the caller stops on its own context ending.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return apperr.IsRetryable(err)
}

// Backoff returns the wait before the attempt following attempt. The result lies in
// [d/2, d) where d doubles per attempt up to MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Redeliver runs serial delivery attempts until one succeeds, an attempt fails permanently, the
// policy gives up, or ctx ends. It returns the last attempt's outcome and error.
func Redeliver(
	ctx context.Context,
	n *Notifier,
	policy RetryPolicy,
	job jobs.Job,
	webhookURL string,
	event string,
	payload any,
) (jobs.DeliveryOutcome, error) {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	for attempt := 1; ; attempt++ {
		outcome, err := n.deliver(ctx, job, webhookURL, event, payload, attempt)
		if err == nil || ctx.Err() != nil || !policy.ShouldRetry(err, attempt) {
			return outcome, err
		}

		wait := policy.Backoff(attempt)
		n.logger.Debug("scheduling webhook redelivery",
			n.jobFields(job, attempt, wait)...,
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return outcome, err
		case <-timer.C:
		}
	}
}

// Sender pairs a Notifier with a RetryPolicy.
type Sender struct {
	notifier *Notifier
	policy   RetryPolicy
}

// NewSender returns a Sender that redelivers per policy.
func NewSender(n *Notifier, policy RetryPolicy) *Sender {
	return &Sender{notifier: n, policy: policy}
}

// Send delivers the event, retrying transient failures.
func (s *Sender) Send(ctx context.Context, job jobs.Job, webhookURL, event string, payload any) (jobs.DeliveryOutcome, error) {
	return Redeliver(ctx, s.notifier, s.policy, job, webhookURL, event, payload)
}
