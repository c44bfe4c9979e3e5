package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/finsecure/payrisk/internal/models"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("duplicate transaction (idempotency key exists)")
)

// TransactionRepository handles transaction database operations
type TransactionRepository struct {
	db        *Database
	payers    *PayerRepository
	events    *RiskEventRepository
	deviceMax int
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *Database, payers *PayerRepository, events *RiskEventRepository, deviceMax int) *TransactionRepository {
	return &TransactionRepository{db: db, payers: payers, events: events, deviceMax: deviceMax}
}

// PayerAggregates holds the behavioral aggregates produced by a single
// statement over the payer's transaction history.
type PayerAggregates struct {
	AvgPaise7d       float64
	AvgPaise30d      float64
	MaxPaise7d       int64
	TxnCount1h       int
	TxnCount24h      int
	LastTxnAt        *time.Time
	NightTxnRatio    float64
	FailedTxnCount7d int
	RecentTxnTimes   []time.Time
	LastLocation     *models.GeoPoint
}

// GetPayerAggregates computes all context aggregates in one round trip.
func (r *TransactionRepository) GetPayerAggregates(ctx context.Context, payerID uuid.UUID, now time.Time) (*PayerAggregates, error) {
	query := `
		SELECT
			COALESCE(AVG(amount_paise) FILTER (WHERE created_at >= $2 - INTERVAL '7 days'), 0)  AS avg_paise_7d,
			COALESCE(AVG(amount_paise) FILTER (WHERE created_at >= $2 - INTERVAL '30 days'), 0) AS avg_paise_30d,
			COALESCE(MAX(amount_paise) FILTER (WHERE created_at >= $2 - INTERVAL '7 days'), 0)  AS max_paise_7d,
			COUNT(*) FILTER (WHERE created_at >= $2 - INTERVAL '1 hour')                        AS txn_count_1h,
			COUNT(*) FILTER (WHERE created_at >= $2 - INTERVAL '24 hours')                      AS txn_count_24h,
			MAX(created_at)                                                                     AS last_txn_at,
			COALESCE(AVG(
				CASE WHEN EXTRACT(HOUR FROM created_at AT TIME ZONE 'UTC') >= 23
				       OR EXTRACT(HOUR FROM created_at AT TIME ZONE 'UTC') <= 5
				THEN 1.0 ELSE 0.0 END
			) FILTER (WHERE created_at >= $2 - INTERVAL '30 days'), 0)                          AS night_txn_ratio,
			COUNT(*) FILTER (WHERE status = 'CANCELLED' AND created_at >= $2 - INTERVAL '7 days') AS failed_count_7d,
			COALESCE(ARRAY_AGG(created_at ORDER BY created_at DESC)
				FILTER (WHERE created_at >= $2 - INTERVAL '1 hour'), '{}')                      AS recent_times,
			(SELECT latitude   FROM transactions WHERE payer_id = $1 AND latitude  IS NOT NULL ORDER BY created_at DESC LIMIT 1) AS last_lat,
			(SELECT longitude  FROM transactions WHERE payer_id = $1 AND longitude IS NOT NULL ORDER BY created_at DESC LIMIT 1) AS last_lon,
			(SELECT created_at FROM transactions WHERE payer_id = $1 AND latitude  IS NOT NULL ORDER BY created_at DESC LIMIT 1) AS last_loc_at
		FROM transactions
		WHERE payer_id = $1
	`

	agg := &PayerAggregates{}
	var lastLat, lastLon *float64
	var lastLocAt *time.Time

	err := r.db.Pool.QueryRow(ctx, query, payerID, now).Scan(
		&agg.AvgPaise7d,
		&agg.AvgPaise30d,
		&agg.MaxPaise7d,
		&agg.TxnCount1h,
		&agg.TxnCount24h,
		&agg.LastTxnAt,
		&agg.NightTxnRatio,
		&agg.FailedTxnCount7d,
		&agg.RecentTxnTimes,
		&lastLat,
		&lastLon,
		&lastLocAt,
	)
	if err != nil {
		return nil, err
	}

	if lastLat != nil && lastLon != nil && lastLocAt != nil {
		agg.LastLocation = &models.GeoPoint{Latitude: *lastLat, Longitude: *lastLon, At: *lastLocAt}
	}

	return agg, nil
}

// CountPayerToReceiver returns how many transactions this payer has sent to
// the receiver before.
func (r *TransactionRepository) CountPayerToReceiver(ctx context.Context, payerID uuid.UUID, receiver string) (int, error) {
	query := `SELECT COUNT(*) FROM transactions WHERE payer_id = $1 AND receiver = $2`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, payerID, receiver).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CreateAssessed persists an assessed transaction together with its risk
// event in one store transaction, and refreshes the payer's known-device
// set. A transaction row never exists without its risk event.
func (r *TransactionRepository) CreateAssessed(ctx context.Context, txn *models.Transaction, event *models.RiskEvent) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := r.insertTx(ctx, tx, txn); err != nil {
			return err
		}
		if err := r.events.CreateTx(ctx, tx, event); err != nil {
			return err
		}
		return r.payers.AppendDeviceTx(ctx, tx, txn.PayerID, txn.DeviceFingerprint, r.deviceMax)
	})
}

func (r *TransactionRepository) insertTx(ctx context.Context, tx pgx.Tx, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, payer_id, receiver, receiver_type, amount_paise, device_fingerprint,
			latitude, longitude, payment_mode, status, idempotency_key, assessment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
	`

	assessmentBytes, err := json.Marshal(txn.Assessment)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, query,
		txn.ID,
		txn.PayerID,
		txn.Receiver,
		txn.ReceiverType,
		txn.AmountPaise,
		txn.DeviceFingerprint,
		txn.Latitude,
		txn.Longitude,
		txn.PaymentMode,
		txn.Status,
		txn.IdempotencyKey,
		assessmentBytes,
		txn.CreatedAt,
	)

	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateTransaction
		}
		return err
	}

	return nil
}

// GetByID retrieves a transaction by ID
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	query := selectTransaction + ` WHERE id = $1`
	return r.queryOne(ctx, query, id)
}

// GetByIdempotencyKey retrieves a transaction by its client idempotency key.
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	query := selectTransaction + ` WHERE idempotency_key = $1`
	return r.queryOne(ctx, query, key)
}

const selectTransaction = `
	SELECT id, payer_id, receiver, receiver_type, amount_paise, device_fingerprint,
	       latitude, longitude, payment_mode, status, COALESCE(idempotency_key, ''), assessment, created_at
	FROM transactions`

func (r *TransactionRepository) queryOne(ctx context.Context, query string, arg interface{}) (*models.Transaction, error) {
	txn := &models.Transaction{}
	var assessmentBytes []byte

	err := r.db.Pool.QueryRow(ctx, query, arg).Scan(
		&txn.ID,
		&txn.PayerID,
		&txn.Receiver,
		&txn.ReceiverType,
		&txn.AmountPaise,
		&txn.DeviceFingerprint,
		&txn.Latitude,
		&txn.Longitude,
		&txn.PaymentMode,
		&txn.Status,
		&txn.IdempotencyKey,
		&assessmentBytes,
		&txn.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	if len(assessmentBytes) > 0 {
		if err := json.Unmarshal(assessmentBytes, &txn.Assessment); err != nil {
			return nil, err
		}
	}

	return txn, nil
}

// UpdateStatusTx transitions the transaction state inside the caller's
// transaction.
func (r *TransactionRepository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	query := `UPDATE transactions SET status = $2 WHERE id = $1`

	result, err := tx.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkOutcomeAppliedTx records that an outcome was applied for a
// transaction. Returns false when this (transaction, outcome) pair was
// already applied, making the trust updater idempotent.
func (r *TransactionRepository) MarkOutcomeAppliedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, outcome string) (bool, error) {
	query := `
		INSERT INTO trust_updates (transaction_id, outcome, applied_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (transaction_id, outcome) DO NOTHING
	`

	result, err := tx.Exec(ctx, query, id, outcome)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// GetAssessedBetween lists assessed transactions for backtest replay.
func (r *TransactionRepository) GetAssessedBetween(ctx context.Context, start, end time.Time, limit int) ([]*models.Transaction, error) {
	query := selectTransaction + `
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		txn := &models.Transaction{}
		var assessmentBytes []byte

		if err := rows.Scan(
			&txn.ID,
			&txn.PayerID,
			&txn.Receiver,
			&txn.ReceiverType,
			&txn.AmountPaise,
			&txn.DeviceFingerprint,
			&txn.Latitude,
			&txn.Longitude,
			&txn.PaymentMode,
			&txn.Status,
			&txn.IdempotencyKey,
			&assessmentBytes,
			&txn.CreatedAt,
		); err != nil {
			return nil, err
		}

		if len(assessmentBytes) > 0 {
			if err := json.Unmarshal(assessmentBytes, &txn.Assessment); err != nil {
				return nil, err
			}
		}
		transactions = append(transactions, txn)
	}

	return transactions, rows.Err()
}

func isDuplicateKeyError(err error) bool {
	// 23505 is unique_violation
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
