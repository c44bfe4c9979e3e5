package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/finsecure/payrisk/internal/models"
)

var (
	ErrPayerNotFound = errors.New("payer not found")
)

// PayerRepository handles payer database operations
type PayerRepository struct {
	db *Database
}

// NewPayerRepository creates a new payer repository
func NewPayerRepository(db *Database) *PayerRepository {
	return &PayerRepository{db: db}
}

// Create creates a new payer with the neutral starting trust score.
func (r *PayerRepository) Create(ctx context.Context, payer *models.Payer) error {
	query := `
		INSERT INTO payers (id, trust_score, known_devices, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	if payer.ID == uuid.Nil {
		payer.ID = uuid.New()
	}
	payer.CreatedAt = time.Now().UTC()
	payer.UpdatedAt = payer.CreatedAt
	if payer.KnownDevices == nil {
		payer.KnownDevices = []string{}
	}

	_, err := r.db.Pool.Exec(ctx, query,
		payer.ID,
		payer.TrustScore,
		payer.KnownDevices,
		payer.CreatedAt,
		payer.UpdatedAt,
	)

	return err
}

// GetByID retrieves a payer by ID
func (r *PayerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payer, error) {
	query := `
		SELECT id, trust_score, known_devices, created_at, updated_at
		FROM payers
		WHERE id = $1
	`

	payer := &models.Payer{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&payer.ID,
		&payer.TrustScore,
		&payer.KnownDevices,
		&payer.CreatedAt,
		&payer.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayerNotFound
		}
		return nil, err
	}

	return payer, nil
}

// GetKnownDevices reads the device set directly from the store, bypassing
// any cached context. Used where freshness matters more than latency.
func (r *PayerRepository) GetKnownDevices(ctx context.Context, id uuid.UUID) ([]string, error) {
	query := `SELECT known_devices FROM payers WHERE id = $1`

	var devices []string
	if err := r.db.Pool.QueryRow(ctx, query, id).Scan(&devices); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayerNotFound
		}
		return nil, err
	}
	return devices, nil
}

// AppendDeviceTx moves the fingerprint to the front of the known-device set
// and trims it to max entries, inside the caller's transaction.
func (r *PayerRepository) AppendDeviceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, fingerprint string, max int) error {
	query := `
		UPDATE payers
		SET known_devices = (array_prepend($2::text, array_remove(known_devices, $2::text)))[1:$3],
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := tx.Exec(ctx, query, id, fingerprint, max)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPayerNotFound
	}
	return nil
}

// GetForUpdateTx locks the payer row and returns the current trust score.
func (r *PayerRepository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int, error) {
	query := `SELECT trust_score FROM payers WHERE id = $1 FOR UPDATE`

	var score int
	if err := tx.QueryRow(ctx, query, id).Scan(&score); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrPayerNotFound
		}
		return 0, err
	}
	return score, nil
}

// SetTrustScoreTx writes the clamped trust score under the row lock taken by
// GetForUpdateTx.
func (r *PayerRepository) SetTrustScoreTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, score int) error {
	query := `UPDATE payers SET trust_score = $2, updated_at = NOW() WHERE id = $1`

	result, err := tx.Exec(ctx, query, id, score)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPayerNotFound
	}
	return nil
}
