package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/finsecure/payrisk/internal/models"
)

var ErrReputationNotFound = errors.New("receiver reputation not found")

// ReputationRepository handles receiver reputation database operations
type ReputationRepository struct {
	db *Database
}

// NewReputationRepository creates a new reputation repository
func NewReputationRepository(db *Database) *ReputationRepository {
	return &ReputationRepository{db: db}
}

// Get retrieves the reputation row for a normalized receiver handle.
func (r *ReputationRepository) Get(ctx context.Context, receiver string) (*models.ReceiverReputation, error) {
	query := `
		SELECT receiver, total_transactions, fraud_count, chargeback_count,
		       successful_transactions, reputation_score, first_seen, last_updated
		FROM receiver_reputations
		WHERE receiver = $1
	`

	rep := &models.ReceiverReputation{}
	err := r.db.Pool.QueryRow(ctx, query, receiver).Scan(
		&rep.Receiver,
		&rep.TotalTransactions,
		&rep.FraudCount,
		&rep.ChargebackCount,
		&rep.SuccessfulTransactions,
		&rep.ReputationScore,
		&rep.FirstSeen,
		&rep.LastUpdated,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReputationNotFound
		}
		return nil, err
	}

	return rep, nil
}

// ApplyOutcomeTx folds one payment outcome into the receiver's counters and
// recomputes the reputation score, holding a row lock for the rest of the
// caller's transaction. The arithmetic lives in
// models.ReceiverReputation.RecordOutcome, which keeps fraud_count bounded
// by total_transactions even when a fraud report is the first outcome seen
// for the receiver.
func (r *ReputationRepository) ApplyOutcomeTx(ctx context.Context, tx pgx.Tx, receiver, outcome string) error {
	switch outcome {
	case models.OutcomeSuccess, models.OutcomeFailed,
		models.OutcomeFraudReported, models.OutcomeChargeback:
	default:
		return nil
	}

	// Seed the row so the FOR UPDATE below always has something to lock,
	// even for a receiver seen for the first time.
	seed := `
		INSERT INTO receiver_reputations (
			receiver, total_transactions, fraud_count, chargeback_count,
			successful_transactions, reputation_score, first_seen, last_updated
		) VALUES ($1, 0, 0, 0, 0, 0.5, NOW(), NOW())
		ON CONFLICT (receiver) DO NOTHING
	`
	if _, err := tx.Exec(ctx, seed, receiver); err != nil {
		return err
	}

	lock := `
		SELECT receiver, total_transactions, fraud_count, chargeback_count,
		       successful_transactions, reputation_score, first_seen, last_updated
		FROM receiver_reputations
		WHERE receiver = $1
		FOR UPDATE
	`

	rep := &models.ReceiverReputation{}
	err := tx.QueryRow(ctx, lock, receiver).Scan(
		&rep.Receiver,
		&rep.TotalTransactions,
		&rep.FraudCount,
		&rep.ChargebackCount,
		&rep.SuccessfulTransactions,
		&rep.ReputationScore,
		&rep.FirstSeen,
		&rep.LastUpdated,
	)
	if err != nil {
		return err
	}

	rep.RecordOutcome(outcome)

	update := `
		UPDATE receiver_reputations
		SET total_transactions = $2, fraud_count = $3, chargeback_count = $4,
		    successful_transactions = $5, reputation_score = $6,
		    last_updated = NOW()
		WHERE receiver = $1
	`

	_, err = tx.Exec(ctx, update, receiver,
		rep.TotalTransactions,
		rep.FraudCount,
		rep.ChargebackCount,
		rep.SuccessfulTransactions,
		rep.ReputationScore,
	)
	return err
}

// IsBlacklisted reports whether the receiver appears in the blacklist table.
func (r *ReputationRepository) IsBlacklisted(ctx context.Context, receiver string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM receiver_blacklist WHERE receiver = $1)`

	var blacklisted bool
	if err := r.db.Pool.QueryRow(ctx, query, receiver).Scan(&blacklisted); err != nil {
		return false, err
	}
	return blacklisted, nil
}

// Blacklist adds a receiver to the blacklist with an operator-supplied reason.
func (r *ReputationRepository) Blacklist(ctx context.Context, receiver, reason string) error {
	query := `
		INSERT INTO receiver_blacklist (receiver, reason, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (receiver) DO UPDATE SET reason = $2
	`

	_, err := r.db.Pool.Exec(ctx, query, receiver, reason)
	return err
}

// Unblacklist removes a receiver from the blacklist.
func (r *ReputationRepository) Unblacklist(ctx context.Context, receiver string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM receiver_blacklist WHERE receiver = $1`, receiver)
	return err
}
