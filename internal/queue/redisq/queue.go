// Package redisq implements the work queue on Redis lists, hashes and pub/sub.
//
// Each job owns a hash holding its queue name, payload and terminal state. Pending job ids sit in a
// list per queue name. Finishing a job updates the hash and publishes on a per-job channel that
// waiters subscribe to before reading state, so a finish landing between the read and the
// subscription is never missed.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/logging"
)

const (
	defaultPrefix       = "fetchguard"
	defaultPollInterval = time.Second
	defaultRetention    = 24 * time.Hour
	connectionTimeout   = 5 * time.Second

	stateFinished = "finished"
)

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'queue', ARGV[1], 'state', 'queued', 'payload', ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[3])
return 1
`)

var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') == 'finished' then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'finished', 'failed', ARGV[1], 'reason', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
}

// Connect creates a client and verifies it with PING.
func Connect(cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Options tunes key naming and polling.
type Options struct {
	Prefix       string
	PollInterval time.Duration
	Retention    time.Duration
}

// Queue implements jobs.Queue on Redis.
type Queue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
	retention    time.Duration
	logger       *zap.Logger
}

// New wraps an existing client.
func New(client *redis.Client, opts Options, logger *zap.Logger) *Queue {
	q := &Queue{
		client:       client,
		prefix:       strings.TrimSuffix(opts.Prefix, ":"),
		pollInterval: opts.PollInterval,
		retention:    opts.Retention,
		logger:       logging.OrNop(logger).Named("redisq"),
	}
	if q.prefix == "" {
		q.prefix = defaultPrefix
	}
	if q.pollInterval <= 0 {
		q.pollInterval = defaultPollInterval
	}
	if q.retention <= 0 {
		q.retention = defaultRetention
	}
	return q
}

func (q *Queue) taskKey(jobID string) string { return q.prefix + ":task:" + jobID }
func (q *Queue) listKey(name string) string { return q.prefix + ":queue:" + name }
func (q *Queue) doneChannel(jobID string) string { return q.prefix + ":done:" + jobID }

// Enqueue stores the payload and pushes the job id. An existing job id yields DUPLICATE_JOB.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload jobs.Payload, jobID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.taskKey(jobID), q.listKey(queueName)},
		queueName, string(data), jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	if created == 0 {
		return apperr.New(apperr.CodeDuplicateJob, "job %s is already queued", jobID)
	}
	return nil
}

// Dequeue blocks on the named lists until a job id arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context, queueNames ...string) (jobs.Task, error) {
	keys := make([]string, len(queueNames))
	for i, name := range queueNames {
		keys[i] = q.listKey(name)
	}
	for {
		if err := ctx.Err(); err != nil {
			return jobs.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := q.client.BRPop(ctx, q.pollInterval, keys...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return jobs.Task{}, fmt.Errorf("dequeue canceled: %w", ctxErr)
			}
			return jobs.Task{}, fmt.Errorf("brpop: %w", err)
		}
		queueName := strings.TrimPrefix(res[0], q.prefix+":queue:")
		jobID := res[1]

		raw, err := q.client.HGet(ctx, q.taskKey(jobID), "payload").Result()
		if errors.Is(err, redis.Nil) {
			q.logger.Warn("dropping queued job without task record", zap.String("job_id", jobID))
			continue
		}
		if err != nil {
			return jobs.Task{}, fmt.Errorf("load task %s: %w", jobID, err)
		}
		var payload jobs.Payload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return jobs.Task{}, fmt.Errorf("decode task %s: %w", jobID, err)
		}
		return jobs.Task{Queue: queueName, JobID: jobID, Payload: payload}, nil
	}
}

// Handle returns the handle for a known job.
func (q *Queue) Handle(ctx context.Context, jobID string) (jobs.Handle, error) {
	queueName, err := q.client.HGet(ctx, q.taskKey(jobID), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return jobs.Handle{}, jobs.ErrHandleNotFound
	}
	if err != nil {
		return jobs.Handle{}, fmt.Errorf("load handle %s: %w", jobID, err)
	}
	return jobs.Handle{Queue: queueName, JobID: jobID}, nil
}

// WaitUntilFinished subscribes to the job's channel, then checks stored state, then waits. The
// subscription is closed on every return path.
func (q *Queue) WaitUntilFinished(ctx context.Context, handle jobs.Handle, timeout time.Duration) error {
	sub := q.client.Subscribe(ctx, q.doneChannel(handle.JobID))
	defer func() {
		if err := sub.Close(); err != nil {
			q.logger.Debug("close subscription", zap.String("job_id", handle.JobID), zap.Error(err))
		}
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to job %s: %w", handle.JobID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	messages := sub.Channel()

	for {
		done, err := q.outcome(ctx, handle.JobID)
		if done || err != nil {
			return err
		}
		select {
		case <-messages:
		case <-timer.C:
			return jobs.ErrWaitTimeout
		case <-ctx.Done():
			return fmt.Errorf("wait canceled: %w", ctx.Err())
		}
	}
}

func (q *Queue) outcome(ctx context.Context, jobID string) (bool, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("load task %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return true, jobs.ErrHandleNotFound
	}
	if fields["state"] != stateFinished {
		return false, nil
	}
	if fields["failed"] == "1" {
		return true, fmt.Errorf("%w: %s", jobs.ErrTaskFailed, fields["reason"])
	}
	return true, nil
}

// Finish records the job outcome once and notifies waiters.
func (q *Queue) Finish(ctx context.Context, jobID string, failed bool, reason string) error {
	flag := "0"
	if failed {
		flag = "1"
	}
	res, err := finishScript.Run(ctx, q.client,
		[]string{q.taskKey(jobID)},
		flag, reason, int(q.retention.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	switch res {
	case -1:
		return jobs.ErrHandleNotFound
	case 0:
		return nil
	}
	if err := q.client.Publish(ctx, q.doneChannel(jobID), stateFinished).Err(); err != nil {
		return fmt.Errorf("notify job %s: %w", jobID, err)
	}
	return nil
}

var _ jobs.Queue = (*Queue)(nil)
