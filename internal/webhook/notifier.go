// Package webhook signs and delivers job event callbacks to caller-supplied URLs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/logging"
	"github.com/JakeFAU/fetchguard/internal/metrics"
)

// Header names on every delivery.
const (
	HeaderEvent     = "X-Event-Name"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// TimestampLayout is ISO-8601 UTC with millisecond precision.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

	unsigned       = "none"
	defaultTimeout = 10 * time.Second
	drainLimit     = 64 << 10
)

// Gate validates the webhook URL before each attempt and guards the dialer.
type Gate interface {
	Check(ctx context.Context, rawURL string) error
	DialControl(network, address string, c syscall.RawConn) error
}

// Recorder persists the latest delivery outcome onto the job.
type Recorder interface {
	UpdateJob(ctx context.Context, jobID string, patch jobs.JobPatch) error
}

// Config tunes delivery.
type Config struct {
	Timeout time.Duration
}

// DeliveryError reports a non-2xx response from the receiver.
type DeliveryError struct {
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook receiver responded %d", e.StatusCode)
}

// Notifier delivers single signed webhook attempts.
type Notifier struct {
	gate     Gate
	secrets  jobs.SecretStore
	recorder Recorder
	clock    jobs.Clock
	client   *http.Client
	logger   *zap.Logger
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(n *Notifier) {
		if rt != nil {
			n.client.Transport = rt
		}
	}
}

// New builds a Notifier. Redirects are never followed.
func New(gate Gate, secrets jobs.SecretStore, recorder Recorder, cfg Config, clock jobs.Clock, logger *zap.Logger, opts ...Option) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	dialer := &net.Dialer{Timeout: cfg.Timeout, Control: gate.DialControl}
	n := &Notifier{
		gate:     gate,
		secrets:  secrets,
		recorder: recorder,
		clock:    clock,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               nil,
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: cfg.Timeout,
				MaxIdleConns:        20,
				IdleConnTimeout:     60 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logging.OrNop(logger).Named("webhook"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Sign returns the X-Signature value for body sent at timestamp. An empty secret yields "none".
func Sign(secret, timestamp string, body []byte) string {
	if secret == "" {
		return unsigned
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver makes one delivery attempt and records its outcome on the job. URL rejections and
// unencodable payloads fail with an unrecoverable error; other failures are retryable.
func (n *Notifier) Deliver(ctx context.Context, job jobs.Job, webhookURL, event string, payload any) (jobs.DeliveryOutcome, error) {
	return n.deliver(ctx, job, webhookURL, event, payload, 1)
}

func (n *Notifier) deliver(ctx context.Context, job jobs.Job, webhookURL, event string, payload any, attempt int) (jobs.DeliveryOutcome, error) {
	started := time.Now()
	outcome, err := n.attempt(ctx, job, webhookURL, event, payload)
	outcome.Attempted = true
	outcome.Attempt = attempt
	outcome.LatencyMs = time.Since(started).Milliseconds()
	if err != nil {
		outcome.Error = apperr.MessageOf(err)
	}

	label := "success"
	switch {
	case err != nil && apperr.CodeOf(err) == apperr.CodeURLNotAllowed:
		label = "blocked"
	case err != nil:
		label = "failure"
	}
	metrics.ObserveWebhook(label, time.Since(started))

	n.record(ctx, job.ID, outcome)
	if err != nil {
		n.logger.Warn("webhook delivery failed", append(n.jobFields(job, attempt, 0), zap.String("event", event), zap.Error(err))...)
	} else {
		n.logger.Info("webhook delivered", append(n.jobFields(job, attempt, 0), zap.String("event", event), zap.Int("status_code", outcome.StatusCode))...)
	}
	return outcome, err
}

func (n *Notifier) attempt(ctx context.Context, job jobs.Job, webhookURL, event string, payload any) (jobs.DeliveryOutcome, error) {
	if err := n.gate.Check(ctx, webhookURL); err != nil {
		return jobs.DeliveryOutcome{}, apperr.Unrecoverable(err)
	}

	secret, err := n.secrets.WebhookSecret(ctx, job.OwnerID)
	if err != nil {
		return jobs.DeliveryOutcome{}, fmt.Errorf("load webhook secret: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return jobs.DeliveryOutcome{}, apperr.Unrecoverable(fmt.Errorf("encode webhook payload: %w", err))
	}
	timestamp := n.clock.Now().UTC().Format(TimestampLayout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return jobs.DeliveryOutcome{}, apperr.Unrecoverable(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(secret, timestamp, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return jobs.DeliveryOutcome{}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	outcome := jobs.DeliveryOutcome{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return outcome, &DeliveryError{StatusCode: resp.StatusCode}
	}
	delivered := n.clock.Now()
	outcome.Success = true
	outcome.DeliveredAt = &delivered
	return outcome, nil
}

// record stores the outcome. Failures are logged and never replace the delivery error.
func (n *Notifier) record(ctx context.Context, jobID string, outcome jobs.DeliveryOutcome) {
	if n.recorder == nil || jobID == "" {
		return
	}
	if err := n.recorder.UpdateJob(context.WithoutCancel(ctx), jobID, jobs.JobPatch{Delivery: &outcome}); err != nil {
		n.logger.Error("record webhook outcome failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (n *Notifier) jobFields(job jobs.Job, attempt int, wait time.Duration) []zap.Field {
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("owner_id", job.OwnerID),
		zap.Int("attempt", attempt),
	}
	if wait > 0 {
		fields = append(fields, zap.Duration("backoff", wait))
	}
	return fields
}
