package models

// Program is a read-only view of the program catalog row this service
// needs: the owning company and whether the program still takes reports.
// The catalog itself is managed elsewhere.
type Program struct {
	ID        string `json:"id" db:"id"`
	CompanyID string `json:"company_id" db:"company_id"`
	Status    string `json:"status" db:"status"`
}

const ProgramActive = "ACTIVE"
