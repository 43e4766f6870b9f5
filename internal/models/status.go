package models

type MotionStatus string

const (
	StatusIdle    MotionStatus = "idle"
	StatusRunning MotionStatus = "running"
)

type CompletionReason string

const (
	ReasonFinished  CompletionReason = "finished"
	ReasonCancelled CompletionReason = "cancelled"
	ReasonFaulted   CompletionReason = "faulted"
)

// Trigger records who asked for a run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerScript   Trigger = "script"
)
