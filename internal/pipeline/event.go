package pipeline

import "time"

// EventKind names a run or stage transition.
type EventKind string

const (
	EventRunStarted    EventKind = "run_started"
	EventStageStarted  EventKind = "stage_started"
	EventStageAttempt  EventKind = "stage_attempt"
	EventStageFinished EventKind = "stage_finished"
	EventConfirmation  EventKind = "confirmation"
	EventRunFinished   EventKind = "run_finished"
)

// Event is a single transition record delivered to event sinks.
type Event struct {
	RunID   string    `json:"run_id"`
	Kind    EventKind `json:"kind"`
	Stage   StageID   `json:"stage,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Status  string    `json:"status,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}
