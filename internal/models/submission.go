package models

import (
	"time"
)

// Submission statuses. A submission starts PENDING and moves to a terminal
// disposition through SubmissionService; rows are never deleted.
const (
	SubmissionPending  = "PENDING"
	SubmissionAccepted = "ACCEPTED"
	SubmissionRejected = "REJECTED"
	SubmissionFixed    = "FIXED"
)

// Severity levels accepted on report creation.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityInfo     = "INFO"
)

// Submission represents one vulnerability report against a program.
// Reward is set exactly once, on the accepted-with-reward transition,
// and is immutable afterward.
type Submission struct {
	ID               string    `json:"id" db:"id"`
	UserID           string    `json:"user_id" db:"user_id"`
	ProgramID        string    `json:"program_id" db:"program_id"`
	CompanyID        string    `json:"company_id" db:"company_id"`
	Title            string    `json:"title" db:"title"`
	Description      string    `json:"description" db:"description"`
	Severity         string    `json:"severity" db:"severity"`
	StepsToReproduce string    `json:"steps_to_reproduce" db:"steps_to_reproduce"`
	Impact           string    `json:"impact" db:"impact"`
	Status           string    `json:"status" db:"status"`
	Reward           *int64    `json:"reward,omitempty" db:"reward"` // in cents
	SubmittedAt      time.Time `json:"submitted_at" db:"submitted_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// ValidSeverity reports whether s is one of the accepted severity levels.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}
