package scoring

import (
	"math"
	"time"

	"github.com/finsecure/payrisk/internal/metrics"
	"github.com/finsecure/payrisk/internal/models"
)

// RuleInput is everything a rule may inspect. Rules are pure over it;
// missing optional inputs make a rule not trigger, never error.
type RuleInput struct {
	Transaction         *models.Transaction
	Payer               *models.PayerContext
	Receiver            *models.ReceiverContext
	OperatorBlacklisted bool
}

// RuleResult is the outcome of one catalog rule.
type RuleResult struct {
	Code      string  `json:"code"`
	Triggered bool    `json:"triggered"`
	Severity  string  `json:"severity"`
	Score     float64 `json:"score"`
	Message   string  `json:"message"`
}

// RuleOutcome aggregates a full catalog pass.
type RuleOutcome struct {
	Results   []RuleResult
	RuleScore float64
	Flags     []string
	HardBlock bool
}

// Rule is one catalog entry. Evaluate returns whether it triggered and the
// score contribution; a rule with variable impact reports it per call.
type Rule struct {
	Code      string
	Severity  string
	HardBlock bool
	Message   string
	Evaluate  func(in RuleInput) (bool, float64)
}

// Rule code constants
const (
	FlagVelocitySpike         = "VELOCITY_SPIKE"
	FlagBlacklisted           = "BLACKLISTED"
	FlagNewReceiverHighAmount = "NEW_RECEIVER_HIGH_AMOUNT"
	FlagAmountAnomaly         = "AMOUNT_ANOMALY"
	FlagDeviceChange          = "DEVICE_CHANGE"
	FlagHighFailedTxn         = "HIGH_FAILED_TXN"
	FlagImpossibleTravel      = "IMPOSSIBLE_TRAVEL"
	FlagSuspiciousTravel      = "SUSPICIOUS_TRAVEL"
	FlagMLDegraded            = "ML_DEGRADED"
)

// RuleEngine evaluates the fixed rule catalog in order. The catalog and
// thresholds are versioned; the version string rides on every audit record.
type RuleEngine struct {
	rules          []Rule
	rulesetVersion string
	supersonicKmh  float64
	suspiciousKmh  float64
}

// NewRuleEngine creates a new rule engine
func NewRuleEngine(rulesetVersion string, supersonicKmh, suspiciousKmh float64) *RuleEngine {
	e := &RuleEngine{
		rulesetVersion: rulesetVersion,
		supersonicKmh:  supersonicKmh,
		suspiciousKmh:  suspiciousKmh,
	}
	e.initializeRules()
	return e
}

// RulesetVersion returns the catalog version identifier.
func (e *RuleEngine) RulesetVersion() string {
	return e.rulesetVersion
}

func (e *RuleEngine) initializeRules() {
	e.rules = []Rule{
		{
			Code:     FlagVelocitySpike,
			Severity: models.SeverityHigh,
			Message:  "Unusual burst of transactions",
			Evaluate: func(in RuleInput) (bool, float64) {
				now := in.Transaction.CreatedAt
				txn5min := in.Payer.TxnCountWithin(now, 5*time.Minute)
				switch {
				case in.Payer.DaysSinceLastTxn(now) > 7 && txn5min >= 3:
					// Dormant account waking up with a burst
					return true, 0.35
				case txn5min >= 5:
					return true, 0.30
				case in.Payer.TxnCount1h >= 15:
					return true, 0.25
				}
				return false, 0
			},
		},
		{
			Code:      FlagBlacklisted,
			Severity:  models.SeverityCritical,
			HardBlock: true,
			Message:   "Receiver on fraud blacklist",
			Evaluate: func(in RuleInput) (bool, float64) {
				if in.OperatorBlacklisted {
					return true, 1.00
				}
				r := in.Receiver
				if r.FraudCount >= 7 && r.TotalTransactions >= 10 && r.FraudRatio() > 0.70 {
					return true, 1.00
				}
				return false, 0
			},
		},
		{
			Code:     FlagNewReceiverHighAmount,
			Severity: models.SeverityHigh,
			Message:  "Large first payment to an unknown receiver",
			Evaluate: func(in RuleInput) (bool, float64) {
				if in.Receiver.IsNewForThisPayer && in.Transaction.Amount() > 3*in.Payer.AvgAmount30d {
					return true, 0.30
				}
				return false, 0
			},
		},
		{
			Code:     FlagAmountAnomaly,
			Severity: models.SeverityMedium,
			Message:  "Amount far above this payer's usual spending",
			Evaluate: func(in RuleInput) (bool, float64) {
				amount := in.Transaction.Amount()
				if amount > 5*in.Payer.AvgAmount30d {
					return true, 0.25
				}
				if in.Payer.MaxAmount7d > 0 && amount > 1.5*in.Payer.MaxAmount7d {
					return true, 0.10
				}
				return false, 0
			},
		},
		{
			Code:     FlagDeviceChange,
			Severity: models.SeverityMedium,
			Message:  "Payment from an unrecognized device",
			Evaluate: func(in RuleInput) (bool, float64) {
				// An empty set means a first-ever transaction, not a change
				if len(in.Payer.KnownDevices) == 0 {
					return false, 0
				}
				if !in.Payer.KnowsDevice(in.Transaction.DeviceFingerprint) {
					return true, 0.15
				}
				return false, 0
			},
		},
		{
			Code:     FlagHighFailedTxn,
			Severity: models.SeverityMedium,
			Message:  "Several recent failed transactions",
			Evaluate: func(in RuleInput) (bool, float64) {
				switch {
				case in.Payer.FailedTxnCount7d >= 5:
					return true, 0.20
				case in.Payer.FailedTxnCount7d >= 3:
					return true, 0.10
				}
				return false, 0
			},
		},
		{
			Code:     FlagImpossibleTravel,
			Severity: models.SeverityCritical,
			Message:  "Location physically unreachable since last transaction",
			Evaluate: func(in RuleInput) (bool, float64) {
				speed, ok := e.travelSpeedKmh(in)
				if ok && speed > e.supersonicKmh {
					return true, 0.45
				}
				return false, 0
			},
		},
		{
			Code:     FlagSuspiciousTravel,
			Severity: models.SeverityMedium,
			Message:  "Implausibly fast movement since last transaction",
			Evaluate: func(in RuleInput) (bool, float64) {
				speed, ok := e.travelSpeedKmh(in)
				if ok && speed > e.suspiciousKmh && speed <= e.supersonicKmh {
					return true, 0.20
				}
				return false, 0
			},
		},
	}
}

// travelSpeedKmh returns the implied speed between the last known location
// and the current transaction. ok=false when either location or a positive
// elapsed time is missing.
func (e *RuleEngine) travelSpeedKmh(in RuleInput) (float64, bool) {
	if !in.Transaction.HasLocation() || in.Payer.LastLocation == nil {
		return 0, false
	}
	elapsed := in.Transaction.CreatedAt.Sub(in.Payer.LastLocation.At).Hours()
	if elapsed <= 0 {
		return 0, false
	}
	distance := haversineKm(
		in.Payer.LastLocation.Latitude, in.Payer.LastLocation.Longitude,
		*in.Transaction.Latitude, *in.Transaction.Longitude,
	)
	return distance / elapsed, true
}

// Evaluate runs the catalog in order. A hard-block rule stops evaluation;
// nothing downstream can change a BLOCK.
func (e *RuleEngine) Evaluate(in RuleInput) *RuleOutcome {
	out := &RuleOutcome{}

	for _, rule := range e.rules {
		triggered, score := rule.Evaluate(in)
		out.Results = append(out.Results, RuleResult{
			Code:      rule.Code,
			Triggered: triggered,
			Severity:  rule.Severity,
			Score:     score,
			Message:   rule.Message,
		})

		if !triggered {
			continue
		}

		out.RuleScore += score
		out.Flags = append(out.Flags, rule.Code)
		metrics.RuleTriggers.WithLabelValues(rule.Code).Inc()

		if rule.HardBlock {
			out.HardBlock = true
			break
		}
	}

	out.RuleScore = clamp01(out.RuleScore)
	return out
}

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
