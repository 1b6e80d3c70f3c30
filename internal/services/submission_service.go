package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/huntpay/backend/internal/models"
)

// SubmissionService owns the submission state machine:
//
//	PENDING -> ACCEPTED (optional reward, paid out before the status commits)
//	PENDING -> REJECTED
//	ACCEPTED -> FIXED
//
// Everything else is an invalid transition. Transitions on one submission
// serialize on a FOR UPDATE lock of its row; the wallet lock is taken
// independently inside Payout, and the wallet never calls back here, so the
// two locks cannot cycle.
type SubmissionService struct {
	db        *sql.DB
	wallet    *WalletService
	activity  *ActivityService
	validator *ValidationHelper
}

func NewSubmissionService(db *sql.DB, wallet *WalletService) *SubmissionService {
	return &SubmissionService{
		db:        db,
		wallet:    wallet,
		activity:  NewActivityService(db),
		validator: NewValidationHelper(),
	}
}

// CreateSubmissionRequest is the researcher-facing report payload.
type CreateSubmissionRequest struct {
	ProgramID        string `json:"programId" validate:"required"`
	Title            string `json:"title" validate:"required,max=200"`
	Description      string `json:"description" validate:"required"`
	Severity         string `json:"severity" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW INFO"`
	StepsToReproduce string `json:"stepsToReproduce" validate:"required"`
	Impact           string `json:"impact" validate:"required"`
}

// DispositionRequest advances a submission's status. Reward applies only to
// the accepted transition and is in cents.
type DispositionRequest struct {
	Status string `json:"status" validate:"required,oneof=ACCEPTED REJECTED FIXED"`
	Reward *int64 `json:"reward,omitempty" validate:"omitempty,gt=0"`
}

// Create stores a new report in PENDING and writes the audit entry in the
// same transaction.
func (ss *SubmissionService) Create(ctx context.Context, userID string, req CreateSubmissionRequest) (*models.Submission, error) {
	if !models.ValidSeverity(req.Severity) {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, req.Severity)
	}

	program, err := ss.fetchProgram(ctx, req.ProgramID)
	if err != nil {
		return nil, err
	}
	if program.Status != models.ProgramActive {
		return nil, fmt.Errorf("%w: program %s is not accepting reports", ErrValidation, req.ProgramID)
	}

	now := time.Now().UTC()
	submission := &models.Submission{
		ID:               uuid.NewString(),
		UserID:           userID,
		ProgramID:        program.ID,
		CompanyID:        program.CompanyID,
		Title:            req.Title,
		Description:      req.Description,
		Severity:         req.Severity,
		StepsToReproduce: req.StepsToReproduce,
		Impact:           req.Impact,
		Status:           models.SubmissionPending,
		SubmittedAt:      now,
		UpdatedAt:        now,
	}

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning submission create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO submissions
			(id, user_id, program_id, company_id, title, description, severity,
			 steps_to_reproduce, impact, status, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		submission.ID, submission.UserID, submission.ProgramID, submission.CompanyID,
		submission.Title, submission.Description, submission.Severity,
		submission.StepsToReproduce, submission.Impact, submission.Status,
		submission.SubmittedAt, submission.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("storing submission: %w", err)
	}

	message := fmt.Sprintf("Submission %q created against program %s", submission.Title, submission.ProgramID)
	if _, err := ss.activity.RecordTx(tx, userID, models.ActivitySubmissionCreated, message); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing submission create: %w", err)
	}

	log.Printf("[SUBMISSION] Created %s by user %s (program %s, severity %s)",
		submission.ID, userID, submission.ProgramID, submission.Severity)
	return submission, nil
}

// Transition validates and applies one state-machine step. For an accepted
// disposition with a reward, the wallet payout commits first; only then does
// the status commit. A crash between the two leaves a committed payout and a
// PENDING submission, and retrying the same disposition finds the payout by
// its submission reference and completes the status commit without paying
// twice. Retrying an already committed transition with the same parameters
// returns the stored submission unchanged.
func (ss *SubmissionService) Transition(ctx context.Context, submissionID, target string, reward *int64) (*models.Submission, error) {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback()

	submission, err := ss.lockSubmission(tx, submissionID)
	if err != nil {
		return nil, err
	}

	if submission.Status == target {
		if replayMatches(submission, target, reward) {
			log.Printf("[SUBMISSION] Idempotent replay of %s -> %s", submissionID, target)
			return submission, nil
		}
		return nil, fmt.Errorf("%w: submission %s is already %s", ErrInvalidTransition, submissionID, submission.Status)
	}

	if !transitionAllowed(submission.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, submission.Status, target)
	}

	if target == models.SubmissionAccepted && reward != nil && *reward > 0 {
		// The payout commits in its own transaction before the status
		// does. Payout is idempotent on the submission id, which is what
		// keeps a retry after a crash from paying twice. It also uses a
		// second pooled connection while this transaction holds one, so
		// max_open_conns must stay above the number of concurrent
		// dispositions or they queue on the pool.
		record, err := ss.wallet.Payout(ctx, submission.CompanyID, submission.ID, *reward)
		if err != nil {
			return nil, fmt.Errorf("payout failed: %w", err)
		}
		// The committed ledger row is authoritative for what was paid.
		paid := -record.Amount
		submission.Reward = &paid
	}

	now := time.Now().UTC()
	submission.Status = target
	submission.UpdatedAt = now

	_, err = tx.Exec(`
		UPDATE submissions
		SET status = $1, reward = $2, updated_at = $3
		WHERE id = $4`,
		submission.Status, submission.Reward, submission.UpdatedAt, submission.ID)
	if err != nil {
		return nil, fmt.Errorf("updating submission: %w", err)
	}

	message := fmt.Sprintf("Submission %s marked %s", submission.ID, submission.Status)
	if submission.Reward != nil && target == models.SubmissionAccepted {
		message = fmt.Sprintf("Submission %s accepted with a reward of %d cents", submission.ID, *submission.Reward)
	}
	if _, err := ss.activity.RecordTx(tx, submission.UserID, models.ActivityDisposition, message); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}

	log.Printf("[SUBMISSION] Transition committed: %s -> %s", submission.ID, submission.Status)
	return submission, nil
}

// Get returns one submission by id.
func (ss *SubmissionService) Get(ctx context.Context, submissionID string) (*models.Submission, error) {
	submission, err := scanSubmission(ss.db.QueryRowContext(ctx, selectSubmission+` WHERE id = $1`, submissionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: submission %s", ErrNotFound, submissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching submission: %w", err)
	}
	return submission, nil
}

// ListByUser returns a researcher's submissions, newest first.
func (ss *SubmissionService) ListByUser(ctx context.Context, userID string) ([]models.Submission, error) {
	rows, err := ss.db.QueryContext(ctx, selectSubmission+` WHERE user_id = $1 ORDER BY submitted_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	defer rows.Close()

	submissions := []models.Submission{}
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, *submission)
	}

	return submissions, rows.Err()
}

const selectSubmission = `
	SELECT id, user_id, program_id, company_id, title, description, severity,
	       steps_to_reproduce, impact, status, reward, submitted_at, updated_at
	FROM submissions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row rowScanner) (*models.Submission, error) {
	var s models.Submission
	var reward sql.NullInt64
	err := row.Scan(&s.ID, &s.UserID, &s.ProgramID, &s.CompanyID, &s.Title,
		&s.Description, &s.Severity, &s.StepsToReproduce, &s.Impact,
		&s.Status, &reward, &s.SubmittedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if reward.Valid {
		s.Reward = &reward.Int64
	}
	return &s, nil
}

// lockSubmission takes the row lock that serializes transitions on one
// submission.
func (ss *SubmissionService) lockSubmission(tx *sql.Tx, submissionID string) (*models.Submission, error) {
	submission, err := scanSubmission(tx.QueryRow(selectSubmission+` WHERE id = $1 FOR UPDATE`, submissionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: submission %s", ErrNotFound, submissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("locking submission: %w", err)
	}
	return submission, nil
}

func (ss *SubmissionService) fetchProgram(ctx context.Context, programID string) (*models.Program, error) {
	var program models.Program
	err := ss.db.QueryRowContext(ctx, `
		SELECT id, company_id, status FROM programs WHERE id = $1`,
		programID).Scan(&program.ID, &program.CompanyID, &program.Status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unknown program %s", ErrValidation, programID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching program: %w", err)
	}
	return &program, nil
}

func transitionAllowed(from, to string) bool {
	switch from {
	case models.SubmissionPending:
		return to == models.SubmissionAccepted || to == models.SubmissionRejected
	case models.SubmissionAccepted:
		return to == models.SubmissionFixed
	}
	return false
}

// replayMatches reports whether a repeat of an already committed transition
// carries the same parameters and may be answered with the stored result.
func replayMatches(submission *models.Submission, target string, reward *int64) bool {
	if target != models.SubmissionAccepted {
		return true
	}
	if reward == nil || *reward == 0 {
		return submission.Reward == nil
	}
	return submission.Reward != nil && *submission.Reward == *reward
}

// CreateSubmission handles new vulnerability reports
// @Summary Create a submission
// @Description Submit a vulnerability report against a program
// @Tags submissions
// @Accept json
// @Produce json
// @Param submission body CreateSubmissionRequest true "Report data"
// @Success 201 {object} models.Submission
// @Failure 400 {object} ErrorResponse
// @Router /submissions [post]
func (ss *SubmissionService) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateSubmissionRequest

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ss.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	submission, err := ss.Create(r.Context(), userID, req)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(submission)
}

// GetSubmission retrieves a specific submission
// @Summary Get submission by ID
// @Description Retrieve a submission by its ID
// @Tags submissions
// @Produce json
// @Param id path string true "Submission ID"
// @Success 200 {object} models.Submission
// @Failure 404 {object} ErrorResponse
// @Router /submissions/{id} [get]
func (ss *SubmissionService) GetSubmission(w http.ResponseWriter, r *http.Request) {
	submissionID := chi.URLParam(r, "id")

	submission, err := ss.Get(r.Context(), submissionID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(submission)
}

// ListSubmissions retrieves submissions for a user
// @Summary List submissions
// @Description Get a researcher's submissions, newest first
// @Tags submissions
// @Produce json
// @Param userId query string false "Filter by user ID (defaults to the caller)"
// @Success 200 {object} object{submissions=[]models.Submission,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /submissions [get]
func (ss *SubmissionService) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		if ctxUser, ok := r.Context().Value("userID").(string); ok {
			userID = ctxUser
		}
	}
	if userID == "" {
		SendErrorResponse(w, "userId is required", http.StatusBadRequest, nil)
		return
	}

	submissions, err := ss.ListByUser(r.Context(), userID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"submissions": submissions,
		"count":       len(submissions),
	})
}

// DispositionSubmission handles status transitions
// @Summary Apply a disposition
// @Description Accept (optionally with a reward), reject, or mark a submission fixed
// @Tags submissions
// @Accept json
// @Produce json
// @Param id path string true "Submission ID"
// @Param disposition body DispositionRequest true "Disposition data"
// @Success 200 {object} models.Submission
// @Failure 402 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /submissions/{id}/disposition [post]
func (ss *SubmissionService) DispositionSubmission(w http.ResponseWriter, r *http.Request) {
	submissionID := chi.URLParam(r, "id")

	var req DispositionRequest

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ss.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	submission, err := ss.Transition(r.Context(), submissionID, req.Status, req.Reward)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(submission)
}
