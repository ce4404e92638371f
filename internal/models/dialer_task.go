package models

import "time"

// DialerTask is one unit of orchestration work for a bucket on a day.
type DialerTask struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	BucketName string    `json:"bucket_name"`
	Day        string    `json:"day"`
	Vendor     string    `json:"vendor"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DialerTaskEvent is an append-only status transition of a DialerTask.
type DialerTaskEvent struct {
	ID           int64     `json:"id"`
	DialerTaskID int64     `json:"dialer_task_id"`
	Status       string    `json:"status"`
	DataCount    *int64    `json:"data_count,omitempty"`
	Page         int       `json:"page,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
