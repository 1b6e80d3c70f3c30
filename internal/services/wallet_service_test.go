package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

var payoutColumns = []string{"id", "company_id", "amount", "type", "reference_id", "note", "created_at"}

func accountRows(companyID string, balance, totalPaid int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"company_id", "balance", "total_paid", "last_updated"}).
		AddRow(companyID, balance, totalPaid, time.Now())
}

func TestWalletService_TopUp(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil)

	t.Run("successful top-up", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO wallet_accounts").
			WithArgs("company1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT company_id, balance, total_paid, last_updated FROM wallet_accounts WHERE company_id = \\$1 FOR UPDATE").
			WithArgs("company1").
			WillReturnRows(accountRows("company1", 2000, 0))
		mock.ExpectExec("UPDATE wallet_accounts SET balance = \\$1, total_paid = \\$2").
			WithArgs(int64(7000), int64(0), sqlmock.AnyArg(), "company1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "company1", int64(5000), "MANUAL_TOPUP", nil, "initial funding", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO activities").
			WithArgs(sqlmock.AnyArg(), "company1", "WALLET_TOPUP", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		record, err := service.TopUp(context.Background(), "company1", 5000, "initial funding")
		assert.NoError(t, err)
		assert.Equal(t, int64(5000), record.Amount)
		assert.Equal(t, "MANUAL_TOPUP", record.Type)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero amount rejected", func(t *testing.T) {
		_, err := service.TopUp(context.Background(), "company1", 0, "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("negative amount rejected", func(t *testing.T) {
		_, err := service.TopUp(context.Background(), "company1", -100, "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestWalletService_Payout(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil)

	t.Run("successful payout debits balance and grows total paid", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, company_id, amount, type").
			WithArgs("SUBMISSION_PAYOUT", "sub1").
			WillReturnRows(sqlmock.NewRows(payoutColumns))
		mock.ExpectExec("INSERT INTO wallet_accounts").
			WithArgs("company1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("company1").
			WillReturnRows(accountRows("company1", 10000, 0))
		mock.ExpectExec("UPDATE wallet_accounts SET balance = \\$1, total_paid = \\$2").
			WithArgs(int64(7000), int64(3000), sqlmock.AnyArg(), "company1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "company1", int64(-3000), "SUBMISSION_PAYOUT", "sub1", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO activities").
			WithArgs(sqlmock.AnyArg(), "company1", "WALLET_PAYOUT", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		record, err := service.Payout(context.Background(), "company1", "sub1", 3000)
		assert.NoError(t, err)
		assert.Equal(t, int64(-3000), record.Amount)
		assert.Equal(t, "sub1", record.ReferenceID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry returns committed transaction without re-debiting", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, company_id, amount, type").
			WithArgs("SUBMISSION_PAYOUT", "sub1").
			WillReturnRows(sqlmock.NewRows(payoutColumns).
				AddRow("tx-1", "company1", int64(-3000), "SUBMISSION_PAYOUT", "sub1", "", time.Now()))
		mock.ExpectRollback()

		record, err := service.Payout(context.Background(), "company1", "sub1", 3000)
		assert.NoError(t, err)
		assert.Equal(t, "tx-1", record.ID)
		assert.Equal(t, int64(-3000), record.Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry with a mismatched amount is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, company_id, amount, type").
			WithArgs("SUBMISSION_PAYOUT", "sub1").
			WillReturnRows(sqlmock.NewRows(payoutColumns).
				AddRow("tx-1", "company1", int64(-3000), "SUBMISSION_PAYOUT", "sub1", "", time.Now()))
		mock.ExpectRollback()

		_, err := service.Payout(context.Background(), "company1", "sub1", 9999)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "already committed with amount 3000")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds applies no mutation", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, company_id, amount, type").
			WithArgs("SUBMISSION_PAYOUT", "sub2").
			WillReturnRows(sqlmock.NewRows(payoutColumns))
		mock.ExpectExec("INSERT INTO wallet_accounts").
			WithArgs("company1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("company1").
			WillReturnRows(accountRows("company1", 100, 0))
		mock.ExpectRollback()

		_, err := service.Payout(context.Background(), "company1", "sub2", 500)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		_, err := service.Payout(context.Background(), "company1", "sub3", 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestWalletService_TopUpRefreshesCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	service := NewWalletService(db, redisClient)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO wallet_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("company1").
		WillReturnRows(accountRows("company1", 2000, 500))
	mock.ExpectExec("UPDATE wallet_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO activities").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// The committed balance is written through to the cache.
	redisMock.Regexp().ExpectSet("wallet:balance:company1", `.*"balance":7000.*`, balanceCacheTTL).SetVal("OK")

	_, err = service.TopUp(context.Background(), "company1", 5000, "seed")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestWalletService_BalanceOf(t *testing.T) {
	t.Run("existing account", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		service := NewWalletService(db, redisClient)

		redisMock.ExpectGet("wallet:balance:company1").RedisNil()
		mock.ExpectQuery("SELECT company_id, balance, total_paid, last_updated FROM wallet_accounts").
			WithArgs("company1").
			WillReturnRows(accountRows("company1", 4200, 800))
		redisMock.Regexp().ExpectSet("wallet:balance:company1", `.*`, balanceCacheTTL).SetVal("OK")

		account, err := service.BalanceOf(context.Background(), "company1")
		assert.NoError(t, err)
		assert.Equal(t, int64(4200), account.Balance)
		assert.Equal(t, int64(800), account.TotalPaid)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown company returns synthetic zero account", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewWalletService(db, nil)

		mock.ExpectQuery("SELECT company_id, balance, total_paid, last_updated FROM wallet_accounts").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"company_id", "balance", "total_paid", "last_updated"}))

		account, err := service.BalanceOf(context.Background(), "ghost")
		assert.NoError(t, err)
		assert.Equal(t, "ghost", account.CompanyID)
		assert.Equal(t, int64(0), account.Balance)
		assert.Equal(t, int64(0), account.TotalPaid)
	})
}

func TestWalletService_TransactionsOf(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil)

	t.Run("newest first", func(t *testing.T) {
		mock.ExpectQuery("FROM transactions WHERE company_id = \\$1 ORDER BY created_at DESC").
			WithArgs("company1").
			WillReturnRows(sqlmock.NewRows(payoutColumns).
				AddRow("tx-2", "company1", int64(-500), "SUBMISSION_PAYOUT", "sub9", "", time.Now()).
				AddRow("tx-1", "company1", int64(10000), "MANUAL_TOPUP", "", "seed", time.Now().Add(-time.Hour)))

		transactions, err := service.TransactionsOf(context.Background(), "company1")
		assert.NoError(t, err)
		assert.Len(t, transactions, 2)
		assert.Equal(t, "tx-2", transactions[0].ID)
		assert.Equal(t, "MANUAL_TOPUP", transactions[1].Type)
	})

	t.Run("no history", func(t *testing.T) {
		mock.ExpectQuery("FROM transactions WHERE company_id = \\$1 ORDER BY created_at DESC").
			WithArgs("company2").
			WillReturnRows(sqlmock.NewRows(payoutColumns))

		transactions, err := service.TransactionsOf(context.Background(), "company2")
		assert.NoError(t, err)
		assert.Empty(t, transactions)
	})
}

func TestWalletService_TopUpWallet(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, nil)

	newRouter := func() *chi.Mux {
		r := chi.NewRouter()
		r.Post("/wallet/{companyId}/topup", service.TopUpWallet)
		r.Get("/wallet/{companyId}", service.GetWallet)
		return r
	}

	t.Run("invalid request body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/wallet/company1/topup", newBody(`not json`))
		w := httptest.NewRecorder()

		newRouter().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/wallet/company1/topup", newBody(`{"amount": -5}`))
		w := httptest.NewRecorder()

		newRouter().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("successful top-up returns 201", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO wallet_accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("company1").
			WillReturnRows(accountRows("company1", 0, 0))
		mock.ExpectExec("UPDATE wallet_accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO activities").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req := httptest.NewRequest("POST", "/wallet/company1/topup", newBody(`{"amount": 10000, "note": "seed"}`))
		w := httptest.NewRecorder()

		newRouter().ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, float64(10000), response["amount"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
