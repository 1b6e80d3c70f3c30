package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/huntpay/backend/internal/models"
	"github.com/lib/pq"
)

const balanceCacheTTL = 30 * time.Second

// WalletService owns company wallet balances and the transaction ledger.
// All mutations on one company's account run inside a single database
// transaction holding a FOR UPDATE lock on the account row, so concurrent
// top-ups and payouts for the same company serialize while different
// companies proceed independently.
type WalletService struct {
	db        *sql.DB
	redis     *redis.Client
	activity  *ActivityService
	validator *ValidationHelper
}

func NewWalletService(db *sql.DB, redisClient *redis.Client) *WalletService {
	return &WalletService{
		db:        db,
		redis:     redisClient,
		activity:  NewActivityService(db),
		validator: NewValidationHelper(),
	}
}

// TopUp credits a company's spendable balance. The account row is created
// lazily on first use.
func (ws *WalletService) TopUp(ctx context.Context, companyID string, amount int64, note string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := ws.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning top-up: %w", err)
	}
	defer tx.Rollback()

	account, err := ws.lockAccount(tx, companyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := ws.updateAccount(tx, companyID, account.Balance+amount, account.TotalPaid, now); err != nil {
		return nil, err
	}

	record := &models.WalletTransaction{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		Amount:    amount,
		Type:      models.TxManualTopup,
		Note:      note,
		CreatedAt: now,
	}
	if err := ws.insertTransaction(tx, record); err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Wallet topped up by %d cents", amount)
	if _, err := ws.activity.RecordTx(tx, companyID, models.ActivityWalletTopup, message); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing top-up: %w", err)
	}

	ws.cacheBalance(ctx, &models.WalletAccount{
		CompanyID:   companyID,
		Balance:     account.Balance + amount,
		TotalPaid:   account.TotalPaid,
		LastUpdated: now,
	})
	log.Printf("[WALLET] Top-up committed: company=%s amount=%d tx=%s", companyID, amount, record.ID)
	return record, nil
}

// Payout debits a company's balance for an accepted submission. At most one
// payout ever exists per submission: the transactions table is unique on
// reference_id for payout rows, and a retry with the same amount returns the
// committed record without touching the balance again. A retry naming a
// different amount fails, so the committed ledger row stays the single
// authority on what was paid.
func (ws *WalletService) Payout(ctx context.Context, companyID, submissionID string, amount int64) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := ws.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning payout: %w", err)
	}
	defer tx.Rollback()

	if existing, err := ws.payoutByReferenceTx(tx, submissionID); err != nil {
		return nil, err
	} else if existing != nil {
		if -existing.Amount != amount {
			return nil, fmt.Errorf("%w: payout for submission %s already committed with amount %d", ErrValidation, submissionID, -existing.Amount)
		}
		log.Printf("[WALLET] Duplicate payout request for submission %s, returning committed transaction %s", submissionID, existing.ID)
		return existing, nil
	}

	account, err := ws.lockAccount(tx, companyID)
	if err != nil {
		return nil, err
	}

	if account.Balance < amount {
		return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, account.Balance, amount)
	}

	now := time.Now().UTC()
	if err := ws.updateAccount(tx, companyID, account.Balance-amount, account.TotalPaid+amount, now); err != nil {
		return nil, err
	}

	record := &models.WalletTransaction{
		ID:          uuid.NewString(),
		CompanyID:   companyID,
		Amount:      -amount,
		Type:        models.TxSubmissionPayout,
		ReferenceID: submissionID,
		CreatedAt:   now,
	}
	if err := ws.insertTransaction(tx, record); err != nil {
		// A racing payout for the same submission committed first; its
		// record is the authoritative one.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			existing, ferr := ws.payoutByReference(ctx, submissionID)
			if ferr != nil {
				return nil, ferr
			}
			if -existing.Amount != amount {
				return nil, fmt.Errorf("%w: payout for submission %s already committed with amount %d", ErrValidation, submissionID, -existing.Amount)
			}
			return existing, nil
		}
		return nil, err
	}

	message := fmt.Sprintf("Reward payout of %d cents for submission %s", amount, submissionID)
	if _, err := ws.activity.RecordTx(tx, companyID, models.ActivityWalletPayout, message); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing payout: %w", err)
	}

	ws.cacheBalance(ctx, &models.WalletAccount{
		CompanyID:   companyID,
		Balance:     account.Balance - amount,
		TotalPaid:   account.TotalPaid + amount,
		LastUpdated: now,
	})
	log.Printf("[WALLET] Payout committed: company=%s submission=%s amount=%d tx=%s", companyID, submissionID, amount, record.ID)
	return record, nil
}

// BalanceOf returns the company's account, or a zero-balance synthetic one
// if no ledger operation has touched the company yet.
func (ws *WalletService) BalanceOf(ctx context.Context, companyID string) (*models.WalletAccount, error) {
	if cached := ws.cachedBalance(ctx, companyID); cached != nil {
		return cached, nil
	}

	account := &models.WalletAccount{CompanyID: companyID}
	err := ws.db.QueryRowContext(ctx, `
		SELECT company_id, balance, total_paid, last_updated
		FROM wallet_accounts
		WHERE company_id = $1`,
		companyID).Scan(&account.CompanyID, &account.Balance, &account.TotalPaid, &account.LastUpdated)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("fetching wallet account: %w", err)
	}

	ws.cacheBalance(ctx, account)
	return account, nil
}

// TransactionsOf returns the company's full ledger history, newest first.
func (ws *WalletService) TransactionsOf(ctx context.Context, companyID string) ([]models.WalletTransaction, error) {
	rows, err := ws.db.QueryContext(ctx, `
		SELECT id, company_id, amount, type, COALESCE(reference_id, ''), COALESCE(note, ''), created_at
		FROM transactions
		WHERE company_id = $1
		ORDER BY created_at DESC, id DESC`,
		companyID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.WalletTransaction{}
	for rows.Next() {
		var t models.WalletTransaction
		if err := rows.Scan(&t.ID, &t.CompanyID, &t.Amount, &t.Type, &t.ReferenceID, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}

// lockAccount creates the account row if absent and takes the row lock that
// serializes every mutation for this company.
func (ws *WalletService) lockAccount(tx *sql.Tx, companyID string) (*models.WalletAccount, error) {
	_, err := tx.Exec(`
		INSERT INTO wallet_accounts (company_id, balance, total_paid, last_updated)
		VALUES ($1, 0, 0, $2)
		ON CONFLICT (company_id) DO NOTHING`,
		companyID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("provisioning wallet account: %w", err)
	}

	var account models.WalletAccount
	err = tx.QueryRow(`
		SELECT company_id, balance, total_paid, last_updated
		FROM wallet_accounts
		WHERE company_id = $1
		FOR UPDATE`,
		companyID).Scan(&account.CompanyID, &account.Balance, &account.TotalPaid, &account.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("locking wallet account: %w", err)
	}

	return &account, nil
}

func (ws *WalletService) updateAccount(tx *sql.Tx, companyID string, balance, totalPaid int64, now time.Time) error {
	_, err := tx.Exec(`
		UPDATE wallet_accounts
		SET balance = $1, total_paid = $2, last_updated = $3
		WHERE company_id = $4`,
		balance, totalPaid, now, companyID)
	if err != nil {
		return fmt.Errorf("updating wallet account: %w", err)
	}
	return nil
}

func (ws *WalletService) insertTransaction(tx *sql.Tx, record *models.WalletTransaction) error {
	var referenceID interface{}
	if record.ReferenceID != "" {
		referenceID = record.ReferenceID
	}
	_, err := tx.Exec(`
		INSERT INTO transactions (id, company_id, amount, type, reference_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.CompanyID, record.Amount, record.Type, referenceID, record.Note, record.CreatedAt)
	return err
}

func (ws *WalletService) payoutByReferenceTx(tx *sql.Tx, submissionID string) (*models.WalletTransaction, error) {
	var t models.WalletTransaction
	err := tx.QueryRow(`
		SELECT id, company_id, amount, type, COALESCE(reference_id, ''), COALESCE(note, ''), created_at
		FROM transactions
		WHERE type = $1 AND reference_id = $2`,
		models.TxSubmissionPayout, submissionID).
		Scan(&t.ID, &t.CompanyID, &t.Amount, &t.Type, &t.ReferenceID, &t.Note, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checking payout idempotency: %w", err)
	}
	return &t, nil
}

func (ws *WalletService) payoutByReference(ctx context.Context, submissionID string) (*models.WalletTransaction, error) {
	var t models.WalletTransaction
	err := ws.db.QueryRowContext(ctx, `
		SELECT id, company_id, amount, type, COALESCE(reference_id, ''), COALESCE(note, ''), created_at
		FROM transactions
		WHERE type = $1 AND reference_id = $2`,
		models.TxSubmissionPayout, submissionID).
		Scan(&t.ID, &t.CompanyID, &t.Amount, &t.Type, &t.ReferenceID, &t.Note, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("fetching committed payout: %w", err)
	}
	return &t, nil
}

func (ws *WalletService) balanceCacheKey(companyID string) string {
	return "wallet:balance:" + companyID
}

func (ws *WalletService) cachedBalance(ctx context.Context, companyID string) *models.WalletAccount {
	if ws.redis == nil {
		return nil
	}
	data, err := ws.redis.Get(ctx, ws.balanceCacheKey(companyID)).Bytes()
	if err != nil {
		return nil
	}
	var account models.WalletAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil
	}
	return &account
}

func (ws *WalletService) cacheBalance(ctx context.Context, account *models.WalletAccount) {
	if ws.redis == nil {
		return
	}
	data, err := json.Marshal(account)
	if err != nil {
		return
	}
	if err := ws.redis.Set(ctx, ws.balanceCacheKey(account.CompanyID), string(data), balanceCacheTTL).Err(); err != nil {
		log.Printf("[WALLET] Failed to cache balance for %s: %v", account.CompanyID, err)
	}
}

// TopUpWallet handles manual wallet credits
// @Summary Top up a company wallet
// @Description Credit a company's prepaid balance
// @Tags wallet
// @Accept json
// @Produce json
// @Param companyId path string true "Company ID"
// @Param topup body object{amount=int,note=string} true "Top-up data"
// @Success 201 {object} models.WalletTransaction
// @Failure 400 {object} ErrorResponse
// @Router /wallet/{companyId}/topup [post]
func (ws *WalletService) TopUpWallet(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyId")

	var req struct {
		Amount int64  `json:"amount" validate:"required,gt=0"`
		Note   string `json:"note" validate:"max=200"`
	}

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

	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	record, err := ws.TopUp(r.Context(), companyID, req.Amount, req.Note)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// GetWallet handles balance reads
// @Summary Get a company wallet
// @Description Retrieve a company's balance and total paid
// @Tags wallet
// @Produce json
// @Param companyId path string true "Company ID"
// @Success 200 {object} models.WalletAccount
// @Failure 500 {object} ErrorResponse
// @Router /wallet/{companyId} [get]
func (ws *WalletService) GetWallet(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyId")

	account, err := ws.BalanceOf(r.Context(), companyID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// ListWalletTransactions handles ledger history reads
// @Summary List wallet transactions
// @Description Get a company's full ledger history, newest first
// @Tags wallet
// @Produce json
// @Param companyId path string true "Company ID"
// @Success 200 {object} object{transactions=[]models.WalletTransaction,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /wallet/{companyId}/transactions [get]
func (ws *WalletService) ListWalletTransactions(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyId")

	transactions, err := ws.TransactionsOf(r.Context(), companyID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
	})
}
