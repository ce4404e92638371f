package models

import "time"

// TaskUpload is one page of payload rows to be created as a vendor task.
type TaskUpload struct {
	Name           string       `json:"name"`
	BucketName     string       `json:"bucket_name"`
	Page           int          `json:"page"`
	Rows           []PayloadRow `json:"rows"`
	ScheduleStart  time.Time    `json:"schedule_start"`
	ScheduleEnd    time.Time    `json:"schedule_end"`
	RepeatInterval int          `json:"repeat_interval_minutes"`
	RepeatCount    int          `json:"repeat_count"`
}

// CallQuery selects calls of one vendor task in [Start, End).
type CallQuery struct {
	TaskID string
	CallID string
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}

// CallPage is one page of vendor call results with the total matching the query.
type CallPage struct {
	Total   int          `json:"total"`
	Results []CallResult `json:"results"`
}

// Callback is a webhook notification from the vendor. Contact callbacks carry the
// call that changed state; task callbacks only the task.
type Callback struct {
	Type     string `json:"type"`
	State    string `json:"state"`
	TaskID   string `json:"taskId"`
	CallID   string `json:"callid,omitempty"`
	TaskName string `json:"taskName,omitempty"`
}
