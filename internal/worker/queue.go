package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"colldialer/internal/database"
	"colldialer/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	queueKeyPrefix = "dialer:jobs:"
	deadLetterKey  = "dialer:jobs:deadletter"
)

// Queue persists jobs in the database and mirrors their ids in a Redis sorted set per
// queue, scored by run time. Redis is the fast path; the jobs table is the source of
// truth and is polled when Redis is unavailable or empty.
type Queue struct {
	db     *database.DB
	redis  *redis.Client
	logger zerolog.Logger
}

func NewQueue(db *database.DB, redisClient *redis.Client, logger *zerolog.Logger) *Queue {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "queue").Logger()
	}
	return &Queue{db: db, redis: redisClient, logger: l}
}

// Enqueue persists job and schedules it.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	if job.Handler == "" {
		return errors.New("job handler is required")
	}
	if job.Queue == "" {
		job.Queue = models.QueueNormal
	}
	if err := q.db.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	q.schedule(ctx, job.Queue, job.ID, job.RunAt)
	q.logger.Debug().Str("job_id", job.ID).Str("handler", job.Handler).Time("run_at", job.RunAt).Msg("job enqueued")
	return nil
}

// EnqueueIn is Enqueue with a countdown.
func (q *Queue) EnqueueIn(ctx context.Context, job *models.Job, d time.Duration) error {
	job.RunAt = time.Now().Add(d)
	return q.Enqueue(ctx, job)
}

// EnqueueAt is Enqueue with an absolute run time.
func (q *Queue) EnqueueAt(ctx context.Context, job *models.Job, at time.Time) error {
	job.RunAt = at
	return q.Enqueue(ctx, job)
}

func (q *Queue) schedule(ctx context.Context, queue, id string, runAt time.Time) {
	if q.redis == nil {
		return
	}
	err := q.redis.ZAdd(ctx, queueKeyPrefix+queue, redis.Z{Score: float64(runAt.Unix()), Member: id}).Err()
	if err != nil {
		q.logger.Warn().Err(err).Str("job_id", id).Msg("redis schedule failed, job left to polling")
	}
}

// due returns up to limit jobs of queue that are ready to run.
func (q *Queue) due(ctx context.Context, queue string, now time.Time, limit int) ([]models.Job, error) {
	if jobs, ok := q.dueRedis(ctx, queue, now, limit); ok {
		return jobs, nil
	}
	return q.db.DueJobs(ctx, queue, now, limit)
}

// dueRedis pops due ids; ok is false when Redis had nothing or failed.
func (q *Queue) dueRedis(ctx context.Context, queue string, now time.Time, limit int) ([]models.Job, bool) {
	if q.redis == nil {
		return nil, false
	}
	key := queueKeyPrefix + queue
	ids, err := q.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		q.logger.Warn().Err(err).Str("queue", queue).Msg("redis due lookup failed")
		return nil, false
	}

	var jobs []models.Job
	for _, id := range ids {
		removed, err := q.redis.ZRem(ctx, key, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.db.GetJob(ctx, id)
		if err != nil {
			if !database.IsNotFound(err) {
				q.logger.Error().Err(err).Str("job_id", id).Msg("load job")
			}
			continue
		}
		jobs = append(jobs, *job)
	}
	if len(jobs) == 0 {
		return nil, false
	}
	return jobs, true
}

func (q *Queue) pushDeadLetter(ctx context.Context, job *models.Job) {
	if q.redis == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("encode deadletter")
		return
	}
	if err := q.redis.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("deadletter push")
	}
}
