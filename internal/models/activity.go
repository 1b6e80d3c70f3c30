package models

import (
	"time"
)

// Activity types.
const (
	ActivitySubmissionCreated = "SUBMISSION_CREATED"
	ActivityDisposition       = "DISPOSITION"
	ActivityWalletTopup       = "WALLET_TOPUP"
	ActivityWalletPayout      = "WALLET_PAYOUT"
)

// Activity is one append-only audit trail entry. Rows are never updated
// or removed.
type Activity struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Type      string    `json:"type" db:"type"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
