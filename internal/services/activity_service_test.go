package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

var activityColumns = []string{"id", "user_id", "type", "message", "created_at"}

func TestActivityService_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewActivityService(db)

	t.Run("successful record", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO activities").
			WithArgs(sqlmock.AnyArg(), "user1", "SUBMISSION_CREATED", "Submission created", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		activity, err := service.Record(context.Background(), "user1", "SUBMISSION_CREATED", "Submission created")
		assert.NoError(t, err)
		assert.NotEmpty(t, activity.ID)
		assert.Equal(t, "user1", activity.UserID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty fields rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := service.Record(context.Background(), "user1", "", "message")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestActivityService_ListFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewActivityService(db)

	t.Run("newest first with default limit", func(t *testing.T) {
		mock.ExpectQuery("FROM activities WHERE user_id = \\$1 ORDER BY created_at DESC, id DESC LIMIT \\$2").
			WithArgs("user1", defaultActivityLimit).
			WillReturnRows(sqlmock.NewRows(activityColumns).
				AddRow("a2", "user1", "DISPOSITION", "Submission accepted", time.Now()).
				AddRow("a1", "user1", "SUBMISSION_CREATED", "Submission created", time.Now().Add(-time.Minute)))

		activities, err := service.ListFor(context.Background(), "user1", 0)
		assert.NoError(t, err)
		assert.Len(t, activities, 2)
		assert.Equal(t, "a2", activities[0].ID)
	})

	t.Run("limit capped at maximum", func(t *testing.T) {
		mock.ExpectQuery("FROM activities WHERE user_id = \\$1 ORDER BY created_at DESC, id DESC LIMIT \\$2").
			WithArgs("user1", maxActivityLimit).
			WillReturnRows(sqlmock.NewRows(activityColumns))

		_, err := service.ListFor(context.Background(), "user1", 5000)
		assert.NoError(t, err)
	})
}

func TestActivityService_ListActivities(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewActivityService(db)

	t.Run("missing userId", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/activities", nil)
		w := httptest.NewRecorder()

		service.ListActivities(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("falls back to the authenticated caller", func(t *testing.T) {
		mock.ExpectQuery("FROM activities WHERE user_id = \\$1").
			WithArgs("user1", defaultActivityLimit).
			WillReturnRows(sqlmock.NewRows(activityColumns).
				AddRow("a1", "user1", "SUBMISSION_CREATED", "Submission created", time.Now()))

		req := httptest.NewRequest("GET", "/activities", nil)
		req = req.WithContext(context.WithValue(req.Context(), "userID", "user1"))
		w := httptest.NewRecorder()

		service.ListActivities(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, float64(1), response["count"])
	})

	t.Run("invalid limit", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/activities?userId=user1&limit=abc", nil)
		w := httptest.NewRecorder()

		service.ListActivities(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
