package build

import (
	"time"
)

// Status represents the build status as a string.
type Status string

const (
	// StatusPending indicates that the build is recorded but not dispatched yet.
	StatusPending Status = "pending"
	// StatusBuilding indicates that the build was handed to the external builder.
	StatusBuilding Status = "building"
	// StatusCompleted indicates that the external builder produced the application.
	StatusCompleted Status = "completed"
	// StatusFailed indicates that dispatch or the external build failed.
	StatusFailed Status = "failed"
)

// transitions lists the allowed status transitions.
// Statuses without an entry are terminal.
var transitions = map[Status][]Status{
	StatusPending:  {StatusBuilding, StatusFailed},
	StatusBuilding: {StatusCompleted, StatusFailed},
}

// ParseStatus converts a string to a Status type and checks if it is a known status.
func ParseStatus(s string) (status Status, known bool) {
	status = Status(s)
	switch status {
	case StatusPending, StatusBuilding, StatusCompleted, StatusFailed:
		return status, true
	default:
		return status, false
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a build can move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Build is a request to convert a website into a packaged mobile application.
type Build struct {
	ID      string
	OwnerID string

	SourceURL string
	AppName   string

	Status       Status
	DownloadURL  *string // set only when Status is StatusCompleted
	ErrorMessage *string // set only when Status is StatusFailed

	CreatedAt time.Time
	UpdatedAt time.Time

	DownloadCount    int64
	ViewCount        int64
	LastDownloadedAt *time.Time
}
