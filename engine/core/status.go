package core

// StatusType represents the lifecycle state of a workflow.
type StatusType string

const (
	StatusPending   StatusType = "pending"
	StatusRunning   StatusType = "running"
	StatusPaused    StatusType = "paused"
	StatusCompleted StatusType = "completed"
	StatusFailed    StatusType = "failed"
	StatusCancelled StatusType = "cancelled"
)

func (s StatusType) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known lifecycle states.
func (s StatusType) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s admits no further transitions.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
