package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/internal/models"
	"github.com/finsecure/payrisk/internal/repositories"
)

// BacktestService replays stored assessments through the current ruleset
// and model without side effects, for offline catalog tuning.
type BacktestService struct {
	contexts   ContextProvider
	txRepo     *repositories.TransactionRepository
	ruleEngine *RuleEngine
	mlScorer   *MLScorer
	decision   *DecisionEngine
}

// NewBacktestService creates a new backtest service
func NewBacktestService(
	contexts ContextProvider,
	txRepo *repositories.TransactionRepository,
	ruleEngine *RuleEngine,
	mlScorer *MLScorer,
	decision *DecisionEngine,
) *BacktestService {
	return &BacktestService{
		contexts:   contexts,
		txRepo:     txRepo,
		ruleEngine: ruleEngine,
		mlScorer:   mlScorer,
		decision:   decision,
	}
}

// BacktestRequest selects the replay window.
type BacktestRequest struct {
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	SampleSize int       `json:"sample_size,omitempty"`
}

// BacktestResult summarizes a replay run against the live scores.
type BacktestResult struct {
	TotalTransactions  int            `json:"total_transactions"`
	ProcessedCount     int            `json:"processed_count"`
	FailedCount        int            `json:"failed_count"`
	AverageScore       float64        `json:"average_score"`
	ActionDistribution map[string]int `json:"action_distribution"`
	UpgradedRisk       int            `json:"upgraded_risk"`
	DowngradedRisk     int            `json:"downgraded_risk"`
	ProcessingTimeMs   int64          `json:"processing_time_ms"`
	RulesetVersion     string         `json:"ruleset_version"`
}

const defaultBacktestSample = 1000

// Run replays the window's assessed transactions. Contexts are assembled
// as of now, not as of the original assessment, so results drift with
// history; the comparison is directional, not exact.
func (s *BacktestService) Run(ctx context.Context, req *BacktestRequest) (*BacktestResult, error) {
	start := time.Now()

	if req.SampleSize <= 0 {
		req.SampleSize = defaultBacktestSample
	}

	transactions, err := s.txRepo.GetAssessedBetween(ctx, req.StartDate, req.EndDate, req.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}

	result := &BacktestResult{
		TotalTransactions:  len(transactions),
		ActionDistribution: make(map[string]int),
		RulesetVersion:     s.ruleEngine.RulesetVersion(),
	}

	var totalScore float64
	for _, txn := range transactions {
		assessment, err := s.replayOne(ctx, txn)
		if err != nil {
			result.FailedCount++
			continue
		}

		result.ProcessedCount++
		totalScore += assessment.FinalScore
		result.ActionDistribution[assessment.Action]++

		if txn.Assessment != nil {
			if assessment.FinalScore > txn.Assessment.FinalScore {
				result.UpgradedRisk++
			} else if assessment.FinalScore < txn.Assessment.FinalScore {
				result.DowngradedRisk++
			}
		}
	}

	if result.ProcessedCount > 0 {
		result.AverageScore = totalScore / float64(result.ProcessedCount)
	}
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	log.Info().
		Int("total", result.TotalTransactions).
		Int("processed", result.ProcessedCount).
		Int("failed", result.FailedCount).
		Int64("processing_ms", result.ProcessingTimeMs).
		Msg("Backtest completed")

	return result, nil
}

func (s *BacktestService) replayOne(ctx context.Context, txn *models.Transaction) (*models.RiskAssessment, error) {
	payerCtx, err := s.contexts.PayerContext(ctx, txn.PayerID, txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	receiverCtx, err := s.contexts.ReceiverContext(ctx, txn.PayerID, txn.Receiver)
	if err != nil {
		return nil, err
	}
	blacklisted, err := s.contexts.IsBlacklisted(ctx, txn.Receiver)
	if err != nil {
		return nil, err
	}

	rules := s.ruleEngine.Evaluate(RuleInput{
		Transaction:         txn,
		Payer:               payerCtx,
		Receiver:            receiverCtx,
		OperatorBlacklisted: blacklisted,
	})

	features := BuildFeatures(txn, payerCtx, receiverCtx)

	var ml MLResult
	if rules.HardBlock {
		ml = MLResult{ModelVersion: s.mlScorer.ModelVersion()}
	} else {
		ml = s.mlScorer.Score(ctx, features, receiverCtx, hasFlag(rules.Flags, FlagDeviceChange))
	}

	return s.decision.Decide(payerCtx.Tier, rules, ml.Score), nil
}
