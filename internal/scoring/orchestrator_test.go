package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsecure/payrisk/configs"
	"github.com/finsecure/payrisk/internal/models"
	"github.com/finsecure/payrisk/internal/profile"
)

// Fakes

type fakeContexts struct {
	payer       *models.PayerContext
	receiver    *models.ReceiverContext
	blacklisted bool
	payerErr    error
	receiverErr error
}

func (f *fakeContexts) PayerContext(ctx context.Context, payerID uuid.UUID, now time.Time) (*models.PayerContext, error) {
	return f.payer, f.payerErr
}

func (f *fakeContexts) ReceiverContext(ctx context.Context, payerID uuid.UUID, receiver string) (*models.ReceiverContext, error) {
	return f.receiver, f.receiverErr
}

func (f *fakeContexts) IsBlacklisted(ctx context.Context, receiver string) (bool, error) {
	return f.blacklisted, nil
}

type fakeStore struct {
	created   []*models.Transaction
	events    []*models.RiskEvent
	prior     *models.Transaction
	createErr error
}

func (f *fakeStore) CreateAssessed(ctx context.Context, txn *models.Transaction, event *models.RiskEvent) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, txn)
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	if f.prior == nil {
		return nil, errors.New("not found")
	}
	return f.prior, nil
}

type fakeRetry struct {
	published []*models.RetryEvent
}

func (f *fakeRetry) Publish(ctx context.Context, event *models.RetryEvent) (string, error) {
	f.published = append(f.published, event)
	return "1-0", nil
}

type fakeResultCache struct {
	values map[string]*models.RiskAssessment
}

func (f *fakeResultCache) Get(ctx context.Context, key string, dest interface{}) error {
	v, ok := f.values[key]
	if !ok {
		return errors.New("cache miss")
	}
	*dest.(*models.RiskAssessment) = *v
	return nil
}

func (f *fakeResultCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if f.values == nil {
		f.values = make(map[string]*models.RiskAssessment)
	}
	f.values[key] = value.(*models.RiskAssessment)
	return nil
}

func testDeadlines() configs.DeadlineConfig {
	return configs.DeadlineConfig{
		Cache:      5 * time.Millisecond,
		StoreRead:  60 * time.Millisecond,
		StoreWrite: 80 * time.Millisecond,
		ML:         50 * time.Millisecond,
		Total:      250 * time.Millisecond,
	}
}

func newTestOrchestrator(contexts *fakeContexts, store *fakeStore, retry *fakeRetry, cache *fakeResultCache) *Orchestrator {
	return NewOrchestrator(
		contexts, store, retry, cache,
		newTestRuleEngine(),
		NewMLScorer("does-not-exist.json"),
		newTestDecisionEngine(),
		testDeadlines(),
		24*time.Hour,
	)
}

func cleanContexts() *fakeContexts {
	lastTxn := time.Now().Add(-24 * time.Hour)
	return &fakeContexts{
		payer: &models.PayerContext{
			Tier:         models.TierSilver,
			TrustScore:   50,
			AvgAmount7d:  500,
			AvgAmount30d: 500,
			MaxAmount7d:  1000,
			LastTxnAt:    &lastTxn,
			KnownDevices: []string{"device-a"},
		},
		receiver: &models.ReceiverContext{
			Receiver:              "9876543210",
			ReputationScore:       0.9,
			TotalTransactions:     40,
			PayerReceiverTxnCount: 5,
		},
	}
}

func cleanTransaction() *models.Transaction {
	return &models.Transaction{
		PayerID:           uuid.New(),
		Receiver:          "9876543210",
		ReceiverType:      models.ReceiverPhone,
		AmountPaise:       models.PaiseFromRupees(500),
		DeviceFingerprint: "device-a",
		PaymentMode:       models.ModeQR,
		Status:            models.StatusPendingAssessment,
		CreatedAt:         time.Now(),
	}
}

func TestAssessCleanTransactionAllows(t *testing.T) {
	contexts := cleanContexts()
	store := &fakeStore{}
	o := newTestOrchestrator(contexts, store, &fakeRetry{}, &fakeResultCache{})

	txn := cleanTransaction()
	a, err := o.Assess(context.Background(), txn)
	require.NoError(t, err)

	assert.Equal(t, models.LevelLow, a.Level)
	assert.Equal(t, models.ActionAllow, a.Action)
	assert.Empty(t, a.Flags)
	assert.NotEqual(t, uuid.Nil, a.TransactionID)
	assert.Equal(t, "ruleset-v1", a.RulesetVersion)
	assert.Equal(t, FallbackModelVersion, a.ModelVersion)

	require.Len(t, store.created, 1)
	assert.Equal(t, models.StatusAssessed, store.created[0].Status)
	require.Len(t, store.events, 1)
	assert.Equal(t, a.FinalScore, store.events[0].FinalScore)
	assert.Len(t, store.events[0].Features, FeatureCount)
}

func TestAssessBlacklistedReceiverBlocks(t *testing.T) {
	contexts := cleanContexts()
	contexts.blacklisted = true
	store := &fakeStore{}
	o := newTestOrchestrator(contexts, store, &fakeRetry{}, &fakeResultCache{})

	a, err := o.Assess(context.Background(), cleanTransaction())
	require.NoError(t, err)

	assert.Equal(t, 1.0, a.FinalScore)
	assert.Equal(t, models.ActionBlock, a.Action)
	assert.Contains(t, a.Flags, FlagBlacklisted)
	require.Len(t, store.created, 1)
	assert.Equal(t, models.StatusBlocked, store.created[0].Status)
}

func TestAssessImpossibleTravelBlocks(t *testing.T) {
	now := time.Now()
	contexts := cleanContexts()
	contexts.payer.LastLocation = &models.GeoPoint{
		Latitude:  13.0827,
		Longitude: 80.2707,
		At:        now.Add(-30 * time.Minute),
	}
	store := &fakeStore{}
	o := newTestOrchestrator(contexts, store, &fakeRetry{}, &fakeResultCache{})

	txn := cleanTransaction()
	txn.CreatedAt = now
	lat, lon := 19.0760, 72.8777
	txn.Latitude = &lat
	txn.Longitude = &lon

	a, err := o.Assess(context.Background(), txn)
	require.NoError(t, err)

	assert.Equal(t, 1.0, a.FinalScore)
	assert.Equal(t, models.ActionBlock, a.Action)
	assert.Contains(t, a.Flags, FlagImpossibleTravel)
}

func TestAssessDormantBurstToNewReceiver(t *testing.T) {
	now := time.Now()
	contexts := cleanContexts()
	lastTxn := now.Add(-10 * 24 * time.Hour)
	contexts.payer.LastTxnAt = &lastTxn
	contexts.payer.RecentTxnTimes = []time.Time{
		now.Add(-time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-3 * time.Minute),
	}
	contexts.receiver.IsNewForThisPayer = true
	contexts.receiver.PayerReceiverTxnCount = 0

	o := newTestOrchestrator(contexts, &fakeStore{}, &fakeRetry{}, &fakeResultCache{})

	txn := cleanTransaction()
	txn.CreatedAt = now
	txn.AmountPaise = models.PaiseFromRupees(15000)

	a, err := o.Assess(context.Background(), txn)
	require.NoError(t, err)

	assert.Contains(t, a.Flags, FlagVelocitySpike)
	assert.Contains(t, a.Flags, FlagNewReceiverHighAmount)
	assert.Contains(t, a.Flags, FlagAmountAnomaly)
	assert.Equal(t, models.ActionBlock, a.Action)
	assert.GreaterOrEqual(t, a.FinalScore, 0.80)
}

func TestAssessIdempotentReplayFromCache(t *testing.T) {
	contexts := cleanContexts()
	store := &fakeStore{}
	cache := &fakeResultCache{}
	o := newTestOrchestrator(contexts, store, &fakeRetry{}, cache)

	txn := cleanTransaction()
	txn.IdempotencyKey = "req-42"

	first, err := o.Assess(context.Background(), txn)
	require.NoError(t, err)
	require.Len(t, store.created, 1)

	replayTxn := cleanTransaction()
	replayTxn.IdempotencyKey = "req-42"
	second, err := o.Assess(context.Background(), replayTxn)
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.FinalScore, second.FinalScore)
	// No second persist happened
	assert.Len(t, store.created, 1)
}

func TestAssessIdempotentReplayFromStore(t *testing.T) {
	contexts := cleanContexts()
	prior := cleanTransaction()
	prior.ID = uuid.New()
	prior.Assessment = &models.RiskAssessment{
		TransactionID: prior.ID,
		FinalScore:    0.42,
		Level:         models.LevelModerate,
		Action:        models.ActionWarn,
	}
	store := &fakeStore{prior: prior}
	o := newTestOrchestrator(contexts, store, &fakeRetry{}, &fakeResultCache{})

	txn := cleanTransaction()
	txn.IdempotencyKey = "req-seen-before"

	a, err := o.Assess(context.Background(), txn)
	require.NoError(t, err)
	assert.Equal(t, prior.ID, a.TransactionID)
	assert.Equal(t, 0.42, a.FinalScore)
	assert.Empty(t, store.created)
}

func TestAssessPersistFailureDefersToRetryStream(t *testing.T) {
	contexts := cleanContexts()
	store := &fakeStore{createErr: errors.New("connection refused")}
	retry := &fakeRetry{}
	o := newTestOrchestrator(contexts, store, retry, &fakeResultCache{})

	a, err := o.Assess(context.Background(), cleanTransaction())
	require.NoError(t, err)
	assert.NotNil(t, a)

	require.Len(t, retry.published, 1)
	assert.Equal(t, a.TransactionID, retry.published[0].Transaction.ID)
	assert.NotNil(t, retry.published[0].Event)
}

func TestAssessFailsClosedOnStoreUnavailable(t *testing.T) {
	contexts := cleanContexts()
	contexts.payerErr = profile.ErrStoreUnavailable
	o := newTestOrchestrator(contexts, &fakeStore{}, &fakeRetry{}, &fakeResultCache{})

	_, err := o.Assess(context.Background(), cleanTransaction())
	assert.ErrorIs(t, err, ErrAssessmentFailed)
}

func TestAssessTimeout(t *testing.T) {
	contexts := cleanContexts()
	o := newTestOrchestrator(contexts, &fakeStore{}, &fakeRetry{}, &fakeResultCache{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Millisecond))
	defer cancel()

	_, err := o.Assess(ctx, cleanTransaction())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAssessCallerCancellationIsNotATimeout(t *testing.T) {
	contexts := cleanContexts()
	o := newTestOrchestrator(contexts, &fakeStore{}, &fakeRetry{}, &fakeResultCache{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Assess(ctx, cleanTransaction())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestAssessDegradedAssessmentRecordsMetadata(t *testing.T) {
	contexts := cleanContexts()
	store := &fakeStore{}
	o := newTestOrchestrator(contexts, store, &fakeRetry{}, &fakeResultCache{})

	_, err := o.Assess(context.Background(), cleanTransaction())
	require.NoError(t, err)

	// The scorer has no artifact, so the heuristic answered
	require.Len(t, store.events, 1)
	require.NotNil(t, store.events[0].Metadata)
	assert.Equal(t, FallbackModelVersion, store.events[0].Metadata["model_version"])
}
