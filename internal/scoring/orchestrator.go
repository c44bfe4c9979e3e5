package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/configs"
	"github.com/finsecure/payrisk/internal/metrics"
	"github.com/finsecure/payrisk/internal/models"
	"github.com/finsecure/payrisk/internal/profile"
)

var (
	// ErrTimeout means the assessment missed the total deadline; the
	// caller must treat the transaction as not assessed.
	ErrTimeout = errors.New("assessment deadline exceeded")

	// ErrAssessmentFailed means context acquisition failed; the boundary
	// fails closed.
	ErrAssessmentFailed = errors.New("assessment failed")
)

// ContextProvider assembles payer and receiver contexts for one
// assessment.
type ContextProvider interface {
	PayerContext(ctx context.Context, payerID uuid.UUID, now time.Time) (*models.PayerContext, error)
	ReceiverContext(ctx context.Context, payerID uuid.UUID, receiver string) (*models.ReceiverContext, error)
	IsBlacklisted(ctx context.Context, receiver string) (bool, error)
}

// AssessmentStore persists assessed transactions with their audit records.
type AssessmentStore interface {
	CreateAssessed(ctx context.Context, txn *models.Transaction, event *models.RiskEvent) error
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
}

// RetryPublisher queues an assessment whose synchronous persist failed.
type RetryPublisher interface {
	Publish(ctx context.Context, event *models.RetryEvent) (string, error)
}

// ResultCache holds replayed assessment responses keyed by idempotency
// key.
type ResultCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Orchestrator runs the full assessment flow: contexts, rules, ML,
// decision, persist.
type Orchestrator struct {
	contexts ContextProvider
	store    AssessmentStore
	retry    RetryPublisher
	results  ResultCache

	ruleEngine *RuleEngine
	mlScorer   *MLScorer
	decision   *DecisionEngine

	deadline       configs.DeadlineConfig
	idempotencyTTL time.Duration
}

// NewOrchestrator creates a new risk orchestrator
func NewOrchestrator(
	contexts ContextProvider,
	store AssessmentStore,
	retry RetryPublisher,
	results ResultCache,
	ruleEngine *RuleEngine,
	mlScorer *MLScorer,
	decision *DecisionEngine,
	deadline configs.DeadlineConfig,
	idempotencyTTL time.Duration,
) *Orchestrator {
	return &Orchestrator{
		contexts:       contexts,
		store:          store,
		retry:          retry,
		results:        results,
		ruleEngine:     ruleEngine,
		mlScorer:       mlScorer,
		decision:       decision,
		deadline:       deadline,
		idempotencyTTL: idempotencyTTL,
	}
}

func idempotencyKey(key string) string { return "idem:" + key }

// deadlineErr maps an expired deadline to ErrTimeout; a caller that went
// away gets its own cancellation back, not a timeout report.
func deadlineErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// Assess evaluates the proposed transaction and persists the result. The
// transaction arrives validated and normalized; the orchestrator issues
// its ID.
func (o *Orchestrator) Assess(ctx context.Context, txn *models.Transaction) (*models.RiskAssessment, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.deadline.Total)
	defer cancel()

	if txn.IdempotencyKey != "" {
		if assessment := o.replay(ctx, txn.IdempotencyKey); assessment != nil {
			metrics.IdempotentReplays.Inc()
			return assessment, nil
		}
	}

	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}

	payerCtx, receiverCtx, blacklisted, err := o.fetchContexts(ctx, txn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, deadlineErr(ctx)
		}
		if errors.Is(err, profile.ErrStoreUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrAssessmentFailed, err)
		}
		return nil, err
	}

	rules := o.ruleEngine.Evaluate(RuleInput{
		Transaction:         txn,
		Payer:               payerCtx,
		Receiver:            receiverCtx,
		OperatorBlacklisted: blacklisted,
	})

	features := BuildFeatures(txn, payerCtx, receiverCtx)

	// A hard block already decided the outcome; spending the ML budget
	// would change nothing.
	var ml MLResult
	if rules.HardBlock {
		ml = MLResult{Score: 0, ModelVersion: o.mlScorer.ModelVersion()}
	} else {
		mlCtx, mlCancel := context.WithTimeout(ctx, o.deadline.ML)
		ml = o.mlScorer.Score(mlCtx, features, receiverCtx, hasFlag(rules.Flags, FlagDeviceChange))
		mlCancel()
	}

	assessment := o.decision.Decide(payerCtx.Tier, rules, ml.Score)
	assessment.TransactionID = txn.ID
	assessment.ModelVersion = ml.ModelVersion
	assessment.RulesetVersion = o.ruleEngine.RulesetVersion()
	assessment.ProcessingMs = time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		return nil, deadlineErr(ctx)
	}

	txn.Assessment = assessment
	txn.Status = models.StatusAssessed
	if assessment.Action == models.ActionBlock {
		txn.Status = models.StatusBlocked
	}

	event := o.buildEvent(txn, rules, ml, assessment, features)
	o.persist(ctx, txn, event)

	if ml.Degraded {
		metrics.DegradedAssessments.Inc()
	}
	metrics.AssessmentsTotal.WithLabelValues(assessment.Action).Inc()
	metrics.AssessmentDuration.Observe(time.Since(start).Seconds())

	if txn.IdempotencyKey != "" {
		if err := o.results.Set(ctx, idempotencyKey(txn.IdempotencyKey), assessment, o.idempotencyTTL); err != nil {
			log.Debug().Err(err).Msg("Failed to cache assessment for replay")
		}
	}

	log.Info().
		Str("transaction_id", txn.ID.String()).
		Float64("final_score", assessment.FinalScore).
		Float64("rule_score", rules.RuleScore).
		Float64("ml_score", ml.Score).
		Str("action", assessment.Action).
		Strs("flags", assessment.Flags).
		Int64("processing_ms", assessment.ProcessingMs).
		Msg("Transaction assessed")

	return assessment, nil
}

// replay answers a repeated idempotency key from the result cache, falling
// back to the stored transaction snapshot.
func (o *Orchestrator) replay(ctx context.Context, key string) *models.RiskAssessment {
	var cached models.RiskAssessment
	if err := o.results.Get(ctx, idempotencyKey(key), &cached); err == nil {
		return &cached
	}

	sctx, cancel := context.WithTimeout(ctx, o.deadline.StoreRead)
	defer cancel()

	prior, err := o.store.GetByIdempotencyKey(sctx, key)
	if err != nil || prior.Assessment == nil {
		return nil
	}
	return prior.Assessment
}

// fetchContexts acquires both contexts concurrently under the store read
// budget.
func (o *Orchestrator) fetchContexts(ctx context.Context, txn *models.Transaction) (*models.PayerContext, *models.ReceiverContext, bool, error) {
	var (
		wg          sync.WaitGroup
		payerCtx    *models.PayerContext
		receiverCtx *models.ReceiverContext
		blacklisted bool
		payerErr    error
		receiverErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		payerCtx, payerErr = o.contexts.PayerContext(ctx, txn.PayerID, txn.CreatedAt)
	}()
	go func() {
		defer wg.Done()
		receiverCtx, receiverErr = o.contexts.ReceiverContext(ctx, txn.PayerID, txn.Receiver)
		if receiverErr == nil {
			blacklisted, receiverErr = o.contexts.IsBlacklisted(ctx, txn.Receiver)
		}
	}()
	wg.Wait()

	if payerErr != nil {
		return nil, nil, false, payerErr
	}
	if receiverErr != nil {
		return nil, nil, false, receiverErr
	}
	return payerCtx, receiverCtx, blacklisted, nil
}

func (o *Orchestrator) buildEvent(txn *models.Transaction, rules *RuleOutcome, ml MLResult, assessment *models.RiskAssessment, features []float64) *models.RiskEvent {
	event := &models.RiskEvent{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		PayerID:       txn.PayerID,
		Flags:         rules.Flags,
		RuleScore:     rules.RuleScore,
		MLScore:       ml.Score,
		FinalScore:    assessment.FinalScore,
		Action:        assessment.Action,
		Features:      features,
		CreatedAt:     time.Now().UTC(),
	}

	if ml.Degraded {
		event.Metadata = models.JSONB{"flags": []string{FlagMLDegraded}, "model_version": ml.ModelVersion}
	}

	return event
}

// persist writes the transaction and its audit record atomically. A write
// failure defers to the retry stream; the caller still gets the
// assessment.
func (o *Orchestrator) persist(ctx context.Context, txn *models.Transaction, event *models.RiskEvent) {
	wctx, cancel := context.WithTimeout(ctx, o.deadline.StoreWrite)
	defer cancel()

	if err := o.store.CreateAssessed(wctx, txn, event); err != nil {
		log.Error().Err(err).Str("transaction_id", txn.ID.String()).Msg("Synchronous persist failed, deferring")
		metrics.DeferredPersists.Inc()

		// Publish outside the expired write deadline
		if _, pubErr := o.retry.Publish(context.WithoutCancel(ctx), &models.RetryEvent{Transaction: txn, Event: event}); pubErr != nil {
			log.Error().Err(pubErr).Str("transaction_id", txn.ID.String()).Msg("Failed to queue deferred persist")
		}
	}
}
