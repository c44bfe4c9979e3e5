package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/finsecure/payrisk/internal/models"
)

var ErrRiskEventNotFound = errors.New("risk event not found")

// RiskEventRepository handles risk event database operations
type RiskEventRepository struct {
	db *Database
}

// NewRiskEventRepository creates a new risk event repository
func NewRiskEventRepository(db *Database) *RiskEventRepository {
	return &RiskEventRepository{db: db}
}

const insertRiskEvent = `
	INSERT INTO risk_events (
		id, transaction_id, payer_id, flags, rule_score, ml_score,
		final_score, action, features, metadata, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (transaction_id) DO NOTHING
`

// CreateTx inserts the risk event inside the caller's transaction. Replays
// of the same transaction are absorbed by the transaction_id conflict.
func (r *RiskEventRepository) CreateTx(ctx context.Context, tx pgx.Tx, event *models.RiskEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := tx.Exec(ctx, insertRiskEvent,
		event.ID,
		event.TransactionID,
		event.PayerID,
		pq.Array(event.Flags),
		event.RuleScore,
		event.MLScore,
		event.FinalScore,
		event.Action,
		pq.Array(event.Features),
		event.Metadata,
		event.CreatedAt,
	)

	return err
}

// GetByTransactionID retrieves the audit record for a transaction.
func (r *RiskEventRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*models.RiskEvent, error) {
	query := `
		SELECT id, transaction_id, payer_id, flags, rule_score, ml_score,
		       final_score, action, features, metadata, created_at
		FROM risk_events
		WHERE transaction_id = $1
	`

	event := &models.RiskEvent{}
	err := r.db.Pool.QueryRow(ctx, query, transactionID).Scan(
		&event.ID,
		&event.TransactionID,
		&event.PayerID,
		pq.Array(&event.Flags),
		&event.RuleScore,
		&event.MLScore,
		&event.FinalScore,
		&event.Action,
		pq.Array(&event.Features),
		&event.Metadata,
		&event.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRiskEventNotFound
		}
		return nil, err
	}

	return event, nil
}

// ActionDistribution counts assessments per action over a time window.
func (r *RiskEventRepository) ActionDistribution(ctx context.Context, since time.Time) (map[string]int64, error) {
	query := `
		SELECT action, COUNT(*)
		FROM risk_events
		WHERE created_at >= $1
		GROUP BY action
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dist := make(map[string]int64)
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		dist[action] = count
	}

	return dist, rows.Err()
}

// FlagCount pairs a risk flag with how often it triggered.
type FlagCount struct {
	Flag  string `json:"flag"`
	Count int64  `json:"count"`
}

// TopFlags returns the most frequently triggered flags over a time window.
func (r *RiskEventRepository) TopFlags(ctx context.Context, since time.Time, limit int) ([]FlagCount, error) {
	query := `
		SELECT flag, COUNT(*) AS cnt
		FROM risk_events, UNNEST(flags) AS flag
		WHERE created_at >= $1
		GROUP BY flag
		ORDER BY cnt DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []FlagCount
	for rows.Next() {
		var fc FlagCount
		if err := rows.Scan(&fc.Flag, &fc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, fc)
	}

	return counts, rows.Err()
}
