package models

import (
	"time"
)

// Transaction types recorded in the wallet ledger.
const (
	TxManualTopup      = "MANUAL_TOPUP"
	TxSubmissionPayout = "SUBMISSION_PAYOUT"
)

// WalletAccount holds one company's prepaid balance. Balance and TotalPaid
// are in cents; Balance never goes below zero at a committed state and
// TotalPaid only grows, by amounts actually debited.
type WalletAccount struct {
	CompanyID   string    `json:"company_id" db:"company_id"`
	Balance     int64     `json:"balance" db:"balance"`
	TotalPaid   int64     `json:"total_paid" db:"total_paid"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// WalletTransaction is one immutable ledger record. Amount is positive for
// top-ups and negative for payouts. For SUBMISSION_PAYOUT rows ReferenceID
// carries the submission id and is unique, which is what makes payouts
// at-most-once under retries.
type WalletTransaction struct {
	ID          string    `json:"id" db:"id"`
	CompanyID   string    `json:"company_id" db:"company_id"`
	Amount      int64     `json:"amount" db:"amount"`
	Type        string    `json:"type" db:"type"`
	ReferenceID string    `json:"reference_id,omitempty" db:"reference_id"`
	Note        string    `json:"note,omitempty" db:"note"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
