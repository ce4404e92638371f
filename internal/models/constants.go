package models

// DialerTask statuses. Page-level statuses carry the page number in the event Page.
const (
	TaskStatusCreated            = "CREATED"
	TaskStatusQuerying           = "QUERYING"
	TaskStatusQueried            = "QUERIED"
	TaskStatusBatchingProcess    = "BATCHING_PROCESS"
	TaskStatusBatchingProcessed  = "BATCHING_PROCESSED"
	TaskStatusUploadingPerBatch  = "UPLOADING_PER_BATCH"
	TaskStatusUploadedPerBatch   = "UPLOADED_PER_BATCH"
	TaskStatusFailureBatch       = "FAILURE_BATCH"
	TaskStatusRetrying           = "PROCESS_FAILED_ON_PROCESS_RETRYING"
	TaskStatusSuccess            = "SUCCESS"
	TaskStatusFailure            = "FAILURE"
	TaskStatusSkipped            = "SKIPPED"
	TaskStatusDownloading        = "DOWNLOADING"
	TaskStatusDownloaded         = "DOWNLOADED"
	TaskStatusDiscrepancyFound   = "DISCREPANCY_FOUND"
	TaskStatusDiscrepancyRepairs = "DISCREPANCY_REPAIR_SCHEDULED"
)

// Work types of a DialerTask.
const (
	WorkConstruct = "construct"
	WorkUpload    = "upload"
	WorkReconcile = "reconcile"
)

// VendorIntelix is the only dialer vendor wired today.
const VendorIntelix = "intelix"

// ExclusionReason explains why an account-payment was not sent to the dialer.
type ExclusionReason string

const (
	ReasonActivePTP          ExclusionReason = "active ptp"
	ReasonPendingRefinancing ExclusionReason = "pending refinancing"
	ReasonBlacklist          ExclusionReason = "blocked by blacklist"
	ReasonAutodebet          ExclusionReason = "autodebet active"
	ReasonIneffectivePhone   ExclusionReason = "ineffective phone number"
	ReasonExperiment         ExclusionReason = "experiment carve-out"
	ReasonVendorTrack        ExclusionReason = "assigned to vendor track"
	ReasonAlreadySent        ExclusionReason = "already sent today"
)

// Valid reports whether r is one of the known reasons.
func (r ExclusionReason) Valid() bool {
	switch r {
	case ReasonActivePTP, ReasonPendingRefinancing, ReasonBlacklist, ReasonAutodebet,
		ReasonIneffectivePhone, ReasonExperiment, ReasonVendorTrack, ReasonAlreadySent:
		return true
	}
	return false
}

// Job statuses, same lifecycle as the old sync queue.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusRetry     = "retry"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Named work queues by priority class.
const (
	QueueHigh   = "high"
	QueueNormal = "normal"
	QueueLow    = "low"
)

// Distribution tracks for recovery buckets.
const (
	TrackInHouse = "inhouse"
	TrackVendor  = "vendor"
)

// Webhook callback values sent by the vendor.
const (
	CallbackTypeContactStatus = "contact-status"
	CallbackTypeTaskStatus    = "task-status"
	CallbackStateHangup       = "HANGUP"
	CallbackStateFinished     = "FINISHED"
)

// DateLayout is the layout of day keys stored as text.
const DateLayout = "2006-01-02"
