package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/huntpay/backend/internal/models"
)

const (
	defaultActivityLimit = 10
	maxActivityLimit     = 100
)

// ActivityService owns the append-only activities table. Entries are
// written in the same database transaction as the mutation they describe,
// so an audit row exists if and only if the change committed.
type ActivityService struct {
	db *sql.DB
}

func NewActivityService(db *sql.DB) *ActivityService {
	return &ActivityService{db: db}
}

// RecordTx appends one activity row inside the caller's transaction.
func (as *ActivityService) RecordTx(tx *sql.Tx, userID, activityType, message string) (*models.Activity, error) {
	if userID == "" || activityType == "" || message == "" {
		return nil, fmt.Errorf("%w: activity fields must be non-empty", ErrValidation)
	}

	activity := &models.Activity{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      activityType,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	_, err := tx.Exec(`
		INSERT INTO activities (id, user_id, type, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		activity.ID, activity.UserID, activity.Type, activity.Message, activity.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("recording activity: %w", err)
	}

	return activity, nil
}

// Record appends one activity row outside any caller transaction.
func (as *ActivityService) Record(ctx context.Context, userID, activityType, message string) (*models.Activity, error) {
	tx, err := as.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	activity, err := as.RecordTx(tx, userID, activityType, message)
	if err != nil {
		return nil, err
	}

	return activity, tx.Commit()
}

// ListFor returns the newest activities for a user, capped at limit.
// Each call is an independent snapshot.
func (as *ActivityService) ListFor(ctx context.Context, userID string, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}

	rows, err := as.db.QueryContext(ctx, `
		SELECT id, user_id, type, message, created_at
		FROM activities
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	defer rows.Close()

	activities := []models.Activity{}
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.UserID, &a.Type, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}

	return activities, rows.Err()
}

// ListActivities handles activity feed reads
// @Summary List activities
// @Description Get the newest audit trail entries for a user
// @Tags activities
// @Produce json
// @Param userId query string true "User ID"
// @Param limit query int false "Number of entries to return (default: 10, max: 100)"
// @Success 200 {object} object{activities=[]models.Activity,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /activities [get]
func (as *ActivityService) ListActivities(w http.ResponseWriter, r *http.Request) {
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

	limit := defaultActivityLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			SendErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest, nil)
			return
		}
		limit = parsed
	}

	activities, err := as.ListFor(r.Context(), userID, limit)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"activities": activities,
		"count":      len(activities),
	})
}
