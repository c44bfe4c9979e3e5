package scoring

import (
	"sort"

	"github.com/finsecure/payrisk/internal/models"
)

// DecisionEngine combines rule and ML subscores into the final score,
// action and explanation.
type DecisionEngine struct {
	thresholdModerate float64
	thresholdHigh     float64
	thresholdVeryHigh float64
}

// NewDecisionEngine creates a new decision engine
func NewDecisionEngine(thresholdModerate, thresholdHigh, thresholdVeryHigh float64) *DecisionEngine {
	return &DecisionEngine{
		thresholdModerate: thresholdModerate,
		thresholdHigh:     thresholdHigh,
		thresholdVeryHigh: thresholdVeryHigh,
	}
}

// Per-tier {rule, ml} blend weights. The blend is tier-dependent: trusted
// payers lean on the model, new payers on the rules.
var blendWeights = map[string][2]float64{
	models.TierBronze: {0.6, 0.4},
	models.TierSilver: {0.5, 0.5},
	models.TierGold:   {0.4, 0.6},
}

// Additive score bumps applied per triggered flag before the tier
// multiplier.
var flagBumps = map[string]float64{
	FlagImpossibleTravel: 0.30,
	FlagVelocitySpike:    0.15,
	FlagDeviceChange:     0.10,
}

var tierMultipliers = map[string]float64{
	models.TierBronze: 1.05,
	models.TierSilver: 1.0,
	models.TierGold:   0.9,
}

// Rule-to-dimension tagging for the explanatory subscore breakdown.
var behaviorRules = map[string]bool{
	FlagVelocitySpike:    true,
	FlagDeviceChange:     true,
	FlagHighFailedTxn:    true,
	FlagImpossibleTravel: true,
	FlagSuspiciousTravel: true,
}

var amountRules = map[string]bool{
	FlagNewReceiverHighAmount: true,
	FlagAmountAnomaly:         true,
}

var receiverRules = map[string]bool{
	FlagBlacklisted: true,
}

var recommendationTable = map[string][]string{
	FlagVelocitySpike:         {"Pause before sending more payments from this account"},
	FlagBlacklisted:           {"Do not proceed; this receiver has a history of fraud reports"},
	FlagNewReceiverHighAmount: {"Verify the receiver's identity before sending a large first payment"},
	FlagAmountAnomaly:         {"Confirm the amount; it is far above this account's usual spending"},
	FlagDeviceChange:          {"Confirm this payment was initiated from your new device"},
	FlagHighFailedTxn:         {"Review recent failed payments before retrying"},
	FlagImpossibleTravel:      {"Account may be compromised; verify recent activity and rotate credentials"},
	FlagSuspiciousTravel:      {"Verify the payment location matches your travel"},
}

// Decide produces the final assessment from the rule outcome and ML
// subscore. Hard blocks and the two critical flags force a 1.0 BLOCK
// regardless of the arithmetic.
func (d *DecisionEngine) Decide(tier string, rules *RuleOutcome, mlScore float64) *models.RiskAssessment {
	// An unrecognized tier (e.g. a stale cached context) falls back to
	// SILVER for both the blend and the multiplier; it must never zero
	// the score.
	weights, ok := blendWeights[tier]
	if !ok {
		weights = blendWeights[models.TierSilver]
	}
	multiplier, ok := tierMultipliers[tier]
	if !ok {
		multiplier = tierMultipliers[models.TierSilver]
	}

	final := weights[0]*rules.RuleScore + weights[1]*mlScore

	for _, flag := range rules.Flags {
		final += flagBumps[flag]
	}
	final = clamp01(final)

	final = clamp01(final * multiplier)

	forced := rules.HardBlock || hasFlag(rules.Flags, FlagBlacklisted) || hasFlag(rules.Flags, FlagImpossibleTravel)
	if forced {
		final = 1.0
	}

	level, action := d.mapScore(final)
	if forced {
		level, action = models.LevelVeryHigh, models.ActionBlock
	}

	return &models.RiskAssessment{
		FinalScore:      final,
		Level:           level,
		Action:          action,
		Subscores:       d.subscores(rules, mlScore),
		Flags:           rules.Flags,
		Factors:         d.factors(rules),
		Recommendations: d.recommendations(rules),
	}
}

// mapScore buckets the final score; each interval is half-open on the
// right, so exactly 0.30 is already MODERATE.
func (d *DecisionEngine) mapScore(final float64) (string, string) {
	switch {
	case final >= d.thresholdVeryHigh:
		return models.LevelVeryHigh, models.ActionBlock
	case final >= d.thresholdHigh:
		return models.LevelHigh, models.ActionOTPRequired
	case final >= d.thresholdModerate:
		return models.LevelModerate, models.ActionWarn
	default:
		return models.LevelLow, models.ActionAllow
	}
}

// subscores builds the explanatory per-dimension breakdown. The parts are
// clamped sums over the rules tagged to each dimension and are not
// required to add up to the final score.
func (d *DecisionEngine) subscores(rules *RuleOutcome, mlScore float64) models.Subscores {
	var behavior, amount, receiver float64
	for _, r := range rules.Results {
		if !r.Triggered {
			continue
		}
		switch {
		case behaviorRules[r.Code]:
			behavior += r.Score
		case amountRules[r.Code]:
			amount += r.Score
		case receiverRules[r.Code]:
			receiver += r.Score
		}
	}

	return models.Subscores{
		Behavior: clamp01(behavior),
		Amount:   clamp01(amount),
		Receiver: clamp01(receiver),
		ML:       clamp01(mlScore),
	}
}

const maxFactors = 5

// factors maps triggered rules to human-readable signals, severity first,
// catalog order breaking ties, capped at five.
func (d *DecisionEngine) factors(rules *RuleOutcome) []models.Factor {
	type ranked struct {
		factor models.Factor
		rank   int
		order  int
	}

	var triggered []ranked
	for i, r := range rules.Results {
		if !r.Triggered {
			continue
		}
		triggered = append(triggered, ranked{
			factor: models.Factor{Code: r.Code, Severity: r.Severity, Message: r.Message},
			rank:   models.SeverityRank(r.Severity),
			order:  i,
		})
	}

	sort.SliceStable(triggered, func(i, j int) bool {
		if triggered[i].rank != triggered[j].rank {
			return triggered[i].rank > triggered[j].rank
		}
		return triggered[i].order < triggered[j].order
	})

	if len(triggered) > maxFactors {
		triggered = triggered[:maxFactors]
	}

	factors := make([]models.Factor, len(triggered))
	for i, t := range triggered {
		factors[i] = t.factor
	}
	return factors
}

func (d *DecisionEngine) recommendations(rules *RuleOutcome) []string {
	var recs []string
	for _, flag := range rules.Flags {
		recs = append(recs, recommendationTable[flag]...)
	}
	return recs
}

func hasFlag(flags []string, code string) bool {
	for _, f := range flags {
		if f == code {
			return true
		}
	}
	return false
}
