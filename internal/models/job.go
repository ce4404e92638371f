package models

import "time"

// Job is a persisted unit of asynchronous work.
type Job struct {
	ID          string     `json:"id"`
	Handler     string     `json:"handler"`
	Queue       string     `json:"queue"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	Waits       int        `json:"waits"`
	MaxAttempts int        `json:"max_attempts"`
	Retry       string     `json:"retry"`
	Chain       string     `json:"chain,omitempty"`
	LastError   *string    `json:"last_error"`
	RunAt       time.Time  `json:"run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}
