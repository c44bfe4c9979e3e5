package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/configs"
	"github.com/finsecure/payrisk/internal/metrics"
	"github.com/finsecure/payrisk/internal/models"
	"github.com/finsecure/payrisk/internal/queue"
	"github.com/finsecure/payrisk/internal/repositories"
)

// ErrStoreUnavailable is returned when the store cannot serve a context
// read within its deadline. The caller falls back to degraded scoring.
var ErrStoreUnavailable = errors.New("context store unavailable")

// Engine assembles payer and receiver contexts with a cache-aside read
// path. Cache failures degrade to store reads; store failures surface as
// ErrStoreUnavailable.
type Engine struct {
	cache        *queue.CacheClient
	payers       *repositories.PayerRepository
	transactions *repositories.TransactionRepository
	reputations  *repositories.ReputationRepository
	ttl          configs.CacheConfig
	deadline     configs.DeadlineConfig
}

// NewEngine creates a new context engine
func NewEngine(
	cache *queue.CacheClient,
	payers *repositories.PayerRepository,
	transactions *repositories.TransactionRepository,
	reputations *repositories.ReputationRepository,
	ttl configs.CacheConfig,
	deadline configs.DeadlineConfig,
) *Engine {
	return &Engine{
		cache:        cache,
		payers:       payers,
		transactions: transactions,
		reputations:  reputations,
		ttl:          ttl,
		deadline:     deadline,
	}
}

func payerContextKey(id uuid.UUID) string     { return "payer:ctx:" + id.String() }
func payerDevicesKey(id uuid.UUID) string     { return "payer:devices:" + id.String() }
func receiverContextKey(receiver string) string { return "recv:ctx:" + receiver }
func blacklistKey(receiver string) string       { return "recv:bl:" + receiver }

// cacheGet runs a cache read under the cache hop deadline. Any failure,
// including timeout, reads as a miss.
func (e *Engine) cacheGet(ctx context.Context, key string, dest interface{}) bool {
	cctx, cancel := context.WithTimeout(ctx, e.deadline.Cache)
	defer cancel()

	err := e.cache.Get(cctx, key, dest)
	if err != nil {
		if !errors.Is(err, queue.ErrCacheMiss) {
			log.Debug().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		}
		metrics.CacheMisses.WithLabelValues(keyClass(key)).Inc()
		return false
	}
	metrics.CacheHits.WithLabelValues(keyClass(key)).Inc()
	return true
}

// cacheSet is fire-and-forget: a failed population never fails the
// assessment.
func (e *Engine) cacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	cctx, cancel := context.WithTimeout(ctx, e.deadline.Cache)
	defer cancel()

	if err := e.cache.Set(cctx, key, value, ttl); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache population failed")
	}
}

func keyClass(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

// PayerContext returns the payer's behavioral profile as of now. The bulk
// of the profile is cached; the known-device set rides a much shorter TTL
// so a just-added device is seen within seconds.
func (e *Engine) PayerContext(ctx context.Context, payerID uuid.UUID, now time.Time) (*models.PayerContext, error) {
	pc := &models.PayerContext{}
	if e.cacheGet(ctx, payerContextKey(payerID), pc) {
		if devices, ok := e.freshDevices(ctx, payerID); ok {
			pc.KnownDevices = devices
		}
		return pc, nil
	}

	sctx, cancel := context.WithTimeout(ctx, e.deadline.StoreRead)
	defer cancel()

	payer, err := e.payers.GetByID(sctx, payerID)
	if err != nil {
		if errors.Is(err, repositories.ErrPayerNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	agg, err := e.transactions.GetPayerAggregates(sctx, payerID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	pc = &models.PayerContext{
		PayerID:          payer.ID,
		Tier:             payer.Tier(),
		TrustScore:       payer.TrustScore,
		AccountAgeDays:   now.Sub(payer.CreatedAt).Hours() / 24,
		AvgAmount7d:      agg.AvgPaise7d / 100,
		AvgAmount30d:     agg.AvgPaise30d / 100,
		MaxAmount7d:      float64(agg.MaxPaise7d) / 100,
		TxnCount1h:       agg.TxnCount1h,
		TxnCount24h:      agg.TxnCount24h,
		LastTxnAt:        agg.LastTxnAt,
		NightTxnRatio:    agg.NightTxnRatio,
		KnownDevices:     payer.KnownDevices,
		LastLocation:     agg.LastLocation,
		FailedTxnCount7d: agg.FailedTxnCount7d,
		RecentTxnTimes:   agg.RecentTxnTimes,
	}

	e.cacheSet(ctx, payerContextKey(payerID), pc, e.ttl.PayerTTL)
	e.cacheSet(ctx, payerDevicesKey(payerID), pc.KnownDevices, e.ttl.BlacklistTTL)

	return pc, nil
}

// freshDevices serves the device set from its short-TTL key, falling back
// to a store read. Returns ok=false when neither source answers in time;
// the caller keeps the stale cached set.
func (e *Engine) freshDevices(ctx context.Context, payerID uuid.UUID) ([]string, bool) {
	var devices []string
	if e.cacheGet(ctx, payerDevicesKey(payerID), &devices) {
		return devices, true
	}

	sctx, cancel := context.WithTimeout(ctx, e.deadline.StoreRead)
	defer cancel()

	devices, err := e.payers.GetKnownDevices(sctx, payerID)
	if err != nil {
		log.Debug().Err(err).Str("payer_id", payerID.String()).Msg("Fresh device read failed")
		return nil, false
	}

	e.cacheSet(ctx, payerDevicesKey(payerID), devices, e.ttl.BlacklistTTL)
	return devices, true
}

// cachedReputation is the receiver-global slice of ReceiverContext that is
// safe to share across payers.
type cachedReputation struct {
	ReputationScore   float64 `json:"reputation_score"`
	TotalTransactions int64   `json:"total_transactions"`
	FraudCount        int64   `json:"fraud_count"`
}

// ReceiverContext returns the receiver's reputation combined with the
// payer's history against it. Only the global reputation slice is cached;
// the payer-receiver pairing is always computed fresh.
func (e *Engine) ReceiverContext(ctx context.Context, payerID uuid.UUID, receiver string) (*models.ReceiverContext, error) {
	var rep cachedReputation
	hit := e.cacheGet(ctx, receiverContextKey(receiver), &rep)

	sctx, cancel := context.WithTimeout(ctx, e.deadline.StoreRead)
	defer cancel()

	if !hit {
		stored, err := e.reputations.Get(sctx, receiver)
		switch {
		case errors.Is(err, repositories.ErrReputationNotFound):
			rep = cachedReputation{ReputationScore: models.ComputeReputation(0, 0)}
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		default:
			rep = cachedReputation{
				ReputationScore:   stored.ReputationScore,
				TotalTransactions: stored.TotalTransactions,
				FraudCount:        stored.FraudCount,
			}
		}
		e.cacheSet(ctx, receiverContextKey(receiver), rep, e.ttl.ReceiverTTL)
	}

	pairCount, err := e.transactions.CountPayerToReceiver(sctx, payerID, receiver)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &models.ReceiverContext{
		Receiver:              receiver,
		ReputationScore:       rep.ReputationScore,
		TotalTransactions:     rep.TotalTransactions,
		FraudCount:            rep.FraudCount,
		IsNewForThisPayer:     pairCount == 0,
		PayerReceiverTxnCount: pairCount,
	}, nil
}

// IsBlacklisted checks the receiver blacklist behind a short-TTL cache so
// operator additions take effect within seconds.
func (e *Engine) IsBlacklisted(ctx context.Context, receiver string) (bool, error) {
	var blacklisted bool
	if e.cacheGet(ctx, blacklistKey(receiver), &blacklisted) {
		return blacklisted, nil
	}

	sctx, cancel := context.WithTimeout(ctx, e.deadline.StoreRead)
	defer cancel()

	blacklisted, err := e.reputations.IsBlacklisted(sctx, receiver)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.cacheSet(ctx, blacklistKey(receiver), blacklisted, e.ttl.BlacklistTTL)
	return blacklisted, nil
}

// InvalidatePayer drops the payer's cached context after a trust update.
func (e *Engine) InvalidatePayer(ctx context.Context, payerID uuid.UUID) {
	cctx, cancel := context.WithTimeout(ctx, e.deadline.Cache)
	defer cancel()

	if err := e.cache.Delete(cctx, payerContextKey(payerID), payerDevicesKey(payerID)); err != nil {
		log.Debug().Err(err).Str("payer_id", payerID.String()).Msg("Payer cache invalidation failed")
	}
}

// InvalidateReceiver drops the receiver's cached reputation after an
// outcome changes it.
func (e *Engine) InvalidateReceiver(ctx context.Context, receiver string) {
	cctx, cancel := context.WithTimeout(ctx, e.deadline.Cache)
	defer cancel()

	if err := e.cache.Delete(cctx, receiverContextKey(receiver), blacklistKey(receiver)); err != nil {
		log.Debug().Err(err).Str("receiver", receiver).Msg("Receiver cache invalidation failed")
	}
}
