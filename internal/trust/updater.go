package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/internal/metrics"
	"github.com/finsecure/payrisk/internal/models"
	"github.com/finsecure/payrisk/internal/profile"
	"github.com/finsecure/payrisk/internal/repositories"
)

// ErrUnknownOutcome is returned for an outcome code outside the fixed
// vocabulary.
var ErrUnknownOutcome = errors.New("unknown payment outcome")

// Trust score deltas per outcome. Tier is derived from the clamped score,
// never stored separately.
var trustDeltas = map[string]int{
	models.OutcomeSuccess:       1,
	models.OutcomeFailed:        0,
	models.OutcomeFraudReported: -10,
	models.OutcomeChargeback:    -10,
	models.OutcomeOTPFailed:     -1,
	models.OutcomeKYCVerified:   5,
}

// Updater applies payment outcomes to payer trust and receiver
// reputation. Updates are serialized per (payer, receiver) pair and
// idempotent per (transaction, outcome).
type Updater struct {
	db          *repositories.Database
	payers      *repositories.PayerRepository
	txns        *repositories.TransactionRepository
	reputations *repositories.ReputationRepository
	contexts    *profile.Engine

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewUpdater creates a new trust updater
func NewUpdater(
	db *repositories.Database,
	payers *repositories.PayerRepository,
	txns *repositories.TransactionRepository,
	reputations *repositories.ReputationRepository,
	contexts *profile.Engine,
) *Updater {
	return &Updater{
		db:          db,
		payers:      payers,
		txns:        txns,
		reputations: reputations,
		contexts:    contexts,
		locks:       make(map[string]*sync.Mutex),
	}
}

// pairLock serializes updates for one (payer, receiver) pair within this
// process; row locks in the store transaction serialize across processes.
func (u *Updater) pairLock(payerID uuid.UUID, receiver string) *sync.Mutex {
	key := payerID.String() + "|" + receiver

	u.mu.Lock()
	defer u.mu.Unlock()

	lock, ok := u.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		u.locks[key] = lock
	}
	return lock
}

// Apply folds one execution outcome into the payer's trust score, the
// receiver's reputation and the transaction's status. Replaying the same
// (transaction, outcome) pair is a no-op.
func (u *Updater) Apply(ctx context.Context, transactionID uuid.UUID, outcome string) error {
	if !models.ValidOutcome(outcome) {
		return fmt.Errorf("%w: %s", ErrUnknownOutcome, outcome)
	}

	txn, err := u.txns.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}

	lock := u.pairLock(txn.PayerID, txn.Receiver)
	lock.Lock()
	defer lock.Unlock()

	applied := false
	err = u.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		first, err := u.txns.MarkOutcomeAppliedTx(ctx, tx, transactionID, outcome)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		applied = true

		current, err := u.payers.GetForUpdateTx(ctx, tx, txn.PayerID)
		if err != nil {
			return err
		}
		if err := u.payers.SetTrustScoreTx(ctx, tx, txn.PayerID, clampTrust(current+trustDeltas[outcome])); err != nil {
			return err
		}

		if err := u.reputations.ApplyOutcomeTx(ctx, tx, txn.Receiver, outcome); err != nil {
			return err
		}

		switch outcome {
		case models.OutcomeSuccess:
			return u.txns.UpdateStatusTx(ctx, tx, transactionID, models.StatusExecuted)
		case models.OutcomeFailed:
			return u.txns.UpdateStatusTx(ctx, tx, transactionID, models.StatusCancelled)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !applied {
		log.Debug().
			Str("transaction_id", transactionID.String()).
			Str("outcome", outcome).
			Msg("Outcome already applied, skipping")
		return nil
	}

	u.contexts.InvalidatePayer(ctx, txn.PayerID)
	u.contexts.InvalidateReceiver(ctx, txn.Receiver)

	metrics.TrustUpdates.WithLabelValues(outcome).Inc()

	log.Info().
		Str("transaction_id", transactionID.String()).
		Str("payer_id", txn.PayerID.String()).
		Str("receiver", txn.Receiver).
		Str("outcome", outcome).
		Msg("Trust update applied")

	return nil
}

func clampTrust(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
