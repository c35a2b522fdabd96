package domain

import scheduledomain "mailsched-backend/internal/schedule/domain"

// ProcessRequest carries the schedule settings a pipeline run needs
type ProcessRequest struct {
	ScheduleID         string
	ExecutionID        string
	OwnerID            string
	AccountID          string
	BatchSize          int
	CategoryPriorities scheduledomain.PriorityMap
	SenderPriorities   scheduledomain.PriorityMap
}

// EmailResult is the outcome of processing a single email
type EmailResult struct {
	EmailID  string                  `json:"email_id"`
	Category string                  `json:"category,omitempty"`
	Priority scheduledomain.Priority `json:"priority,omitempty"`
	Source   string                  `json:"source,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// ProcessResult aggregates a pipeline run
type ProcessResult struct {
	Processed int
	Failed    int
	Batches   int
	Results   []EmailResult
}
