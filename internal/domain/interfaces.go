package domain

import (
	"context"
	"time"

	"colldialer/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Coordinator is the shared state used to keep replicas from doing the same work twice.
type Coordinator interface {
	// AcquireLock sets key to "running" if it does not exist.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// MarkDone flips a held lock to "done", keeping its expiry.
	MarkDone(ctx context.Context, key string) error
	// LockState returns "running", "done" or "" when the key is absent.
	LockState(ctx context.Context, key string) (string, error)
	ReleaseLock(ctx context.Context, key string) error

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	AppendList(ctx context.Context, key, value string, ttl time.Duration) error
	List(ctx context.Context, key string) ([]string, error)

	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Dialer is the outbound vendor surface.
type Dialer interface {
	CreateTask(ctx context.Context, upload models.TaskUpload) (string, error)
	Calls(ctx context.Context, q models.CallQuery) (*models.CallPage, error)
	CancelCall(ctx context.Context, taskID string, phone string) error
	Recording(ctx context.Context, callID string) (string, error)
}

// Detokenizer resolves PII tokens to clear values.
type Detokenizer interface {
	Detokenize(ctx context.Context, tokens []string) (map[string]string, error)
}

// JobEnqueuer schedules asynchronous work.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
