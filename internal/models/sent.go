package models

import "time"

// SentRecord audits what was handed to the vendor for (account, phone, bucket, day).
type SentRecord struct {
	ID               int64     `json:"id"`
	AccountID        int64     `json:"account_id"`
	AccountPaymentID int64     `json:"account_payment_id"`
	PhoneNumber      string    `json:"phone_number"`
	BucketName       string    `json:"bucket_name"`
	Day              string    `json:"day"`
	RemoteTaskID     string    `json:"remote_task_id"`
	Page             int       `json:"page"`
	IsDeleted        bool      `json:"is_deleted"`
	CreatedAt        time.Time `json:"created_at"`
}

// NotSentRecord audits one excluded account-payment with exactly one reason.
type NotSentRecord struct {
	ID               int64           `json:"id"`
	AccountPaymentID int64           `json:"account_payment_id"`
	BucketName       string          `json:"bucket_name"`
	Day              string          `json:"day"`
	Reason           ExclusionReason `json:"reason"`
	CreatedAt        time.Time       `json:"created_at"`
}

// RemoteTask is a task created inside the vendor dialer.
type RemoteTask struct {
	TaskID        string    `json:"task_id"`
	DialerTaskID  int64     `json:"dialer_task_id"`
	BucketName    string    `json:"bucket_name"`
	Day           string    `json:"day"`
	Page          int       `json:"page"`
	RowCount      int       `json:"row_count"`
	ScheduleStart time.Time `json:"schedule_start"`
	ScheduleEnd   time.Time `json:"schedule_end"`
	CreatedAt     time.Time `json:"created_at"`
}
