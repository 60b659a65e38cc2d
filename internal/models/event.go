package models

import "time"

// EventType identifies a stream event delivered to subscribers.
type EventType string

const (
	// EventConnection is the initial acknowledgment sent when a stream opens.
	EventConnection EventType = "connection"
	// EventStatusChange signals a non-terminal status update.
	EventStatusChange EventType = "status_change"
	// EventCompleted carries the final recognition result.
	EventCompleted EventType = "completed"
	// EventFailed carries the failure reason.
	EventFailed EventType = "failed"
	// EventBatchProgress carries aggregate batch counters.
	EventBatchProgress EventType = "progress"
)

// Event is a state-change notification published to the subscriber (if any)
// registered for a job or batch identifier.
type Event struct {
	Type EventType `json:"type"`
	// ID is the job or batch identifier the event belongs to.
	ID      string      `json:"id"`
	Payload interface{} `json:"payload,omitempty"`
	// Terminal marks the last event for this identifier; the stream is
	// closed from the server side after delivering it.
	Terminal  bool      `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionPayload acknowledges a newly opened stream.
type ConnectionPayload struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// StatusChangePayload reports a non-terminal job status.
type StatusChangePayload struct {
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}

// CompletedPayload carries the recognition result of a completed job.
type CompletedPayload struct {
	Answers  []Answer       `json:"answers"`
	Metadata ResultMetadata `json:"metadata"`
}

// FailedPayload carries the failure reason of a failed job.
type FailedPayload struct {
	ErrorMessage string `json:"errorMessage"`
}

// BatchProgressPayload reports aggregate batch counters.
type BatchProgressPayload struct {
	BatchID            string      `json:"batchId"`
	ProgressPercentage float64     `json:"progressPercentage"`
	CompletedItems     int         `json:"completedItems"`
	FailedItems        int         `json:"failedItems"`
	TotalItems         int         `json:"totalItems"`
	Status             BatchStatus `json:"status"`
}
