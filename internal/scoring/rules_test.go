package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsecure/payrisk/internal/models"
)

func newTestRuleEngine() *RuleEngine {
	return NewRuleEngine("ruleset-v1", 900, 300)
}

func baseRuleInput(now time.Time) RuleInput {
	lastTxn := now.Add(-24 * time.Hour)
	return RuleInput{
		Transaction: &models.Transaction{
			AmountPaise:       50_000, // 500 rupees
			DeviceFingerprint: "device-a",
			CreatedAt:         now,
		},
		Payer: &models.PayerContext{
			Tier:         models.TierSilver,
			AvgAmount7d:  500,
			AvgAmount30d: 500,
			MaxAmount7d:  1000,
			LastTxnAt:    &lastTxn,
			KnownDevices: []string{"device-a"},
		},
		Receiver: &models.ReceiverContext{
			Receiver:        "9876543210",
			ReputationScore: 0.9,
		},
	}
}

func TestEvaluateCleanTransaction(t *testing.T) {
	e := newTestRuleEngine()
	out := e.Evaluate(baseRuleInput(time.Now()))

	assert.Zero(t, out.RuleScore)
	assert.Empty(t, out.Flags)
	assert.False(t, out.HardBlock)
	assert.Len(t, out.Results, 8)
}

func TestVelocitySpikeDormantBurst(t *testing.T) {
	e := newTestRuleEngine()
	now := time.Now()
	in := baseRuleInput(now)

	lastTxn := now.Add(-10 * 24 * time.Hour)
	in.Payer.LastTxnAt = &lastTxn
	in.Payer.RecentTxnTimes = []time.Time{
		now.Add(-1 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-4 * time.Minute),
	}

	out := e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagVelocitySpike)
	assert.InDelta(t, 0.35, out.RuleScore, 1e-9)
}

func TestVelocitySpikeBurstWithoutDormancy(t *testing.T) {
	e := newTestRuleEngine()
	now := time.Now()
	in := baseRuleInput(now)

	// Three in five minutes is only suspicious after dormancy
	in.Payer.RecentTxnTimes = []time.Time{
		now.Add(-1 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-4 * time.Minute),
	}
	out := e.Evaluate(in)
	assert.NotContains(t, out.Flags, FlagVelocitySpike)

	in.Payer.RecentTxnTimes = []time.Time{
		now.Add(-1 * time.Minute),
		now.Add(-90 * time.Second),
		now.Add(-2 * time.Minute),
		now.Add(-3 * time.Minute),
		now.Add(-4 * time.Minute),
	}
	out = e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagVelocitySpike)
}

func TestVelocitySpikeSustainedHourlyRate(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())
	in.Payer.TxnCount1h = 15

	out := e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagVelocitySpike)
	assert.InDelta(t, 0.25, out.RuleScore, 1e-9)
}

func TestBlacklistedByReputation(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())
	in.Receiver.FraudCount = 8
	in.Receiver.TotalTransactions = 10

	out := e.Evaluate(in)
	require.Contains(t, out.Flags, FlagBlacklisted)
	assert.True(t, out.HardBlock)
	assert.InDelta(t, 1.0, out.RuleScore, 1e-9)
}

func TestBlacklistedThresholdsAreConjunctive(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())

	// High ratio but too few fraud reports
	in.Receiver.FraudCount = 6
	in.Receiver.TotalTransactions = 10
	out := e.Evaluate(in)
	assert.NotContains(t, out.Flags, FlagBlacklisted)

	// Exactly 0.70 does not cross the strict ratio bound
	in.Receiver.FraudCount = 7
	in.Receiver.TotalTransactions = 10
	out = e.Evaluate(in)
	assert.NotContains(t, out.Flags, FlagBlacklisted)
}

func TestBlacklistedByOperator(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())
	in.OperatorBlacklisted = true

	out := e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagBlacklisted)
	assert.True(t, out.HardBlock)
}

func TestHardBlockStopsEvaluation(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())
	in.OperatorBlacklisted = true
	in.Transaction.DeviceFingerprint = "device-unknown"

	out := e.Evaluate(in)
	assert.True(t, out.HardBlock)
	// The catalog stops at the blacklist rule; device change never runs
	assert.NotContains(t, out.Flags, FlagDeviceChange)
	assert.Len(t, out.Results, 2)
}

func TestNewReceiverHighAmountStrictBound(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())
	in.Receiver.IsNewForThisPayer = true

	// Exactly 3x the 30-day average does not trigger
	in.Transaction.AmountPaise = models.PaiseFromRupees(1500)
	out := e.Evaluate(in)
	assert.NotContains(t, out.Flags, FlagNewReceiverHighAmount)

	in.Transaction.AmountPaise = models.PaiseFromRupees(1501)
	out = e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagNewReceiverHighAmount)
}

func TestAmountAnomalyTiers(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())

	// avg30=500, max7=1000: 2600 > 5x avg
	in.Transaction.AmountPaise = models.PaiseFromRupees(2600)
	out := e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagAmountAnomaly)
	assert.InDelta(t, 0.25, out.RuleScore, 1e-9)

	// 1600 is below 5x avg but above 1.5x the recent max
	in.Transaction.AmountPaise = models.PaiseFromRupees(1600)
	out = e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagAmountAnomaly)
	assert.InDelta(t, 0.10, out.RuleScore, 1e-9)
}

func TestAmountAnomalyNoRecentMax(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())
	in.Payer.MaxAmount7d = 0
	in.Transaction.AmountPaise = models.PaiseFromRupees(1600)

	out := e.Evaluate(in)
	assert.NotContains(t, out.Flags, FlagAmountAnomaly)
}

func TestDeviceChange(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())
	in.Transaction.DeviceFingerprint = "device-new"

	out := e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagDeviceChange)
}

func TestDeviceChangeEmptyKnownSet(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())
	in.Payer.KnownDevices = nil
	in.Transaction.DeviceFingerprint = "device-new"

	out := e.Evaluate(in)
	assert.NotContains(t, out.Flags, FlagDeviceChange)
}

func TestHighFailedTxnTiers(t *testing.T) {
	e := newTestRuleEngine()
	in := baseRuleInput(time.Now())

	in.Payer.FailedTxnCount7d = 2
	assert.NotContains(t, e.Evaluate(in).Flags, FlagHighFailedTxn)

	in.Payer.FailedTxnCount7d = 3
	out := e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagHighFailedTxn)
	assert.InDelta(t, 0.10, out.RuleScore, 1e-9)

	in.Payer.FailedTxnCount7d = 5
	out = e.Evaluate(in)
	assert.InDelta(t, 0.20, out.RuleScore, 1e-9)
}

func TestImpossibleTravel(t *testing.T) {
	e := newTestRuleEngine()
	now := time.Now()
	in := baseRuleInput(now)

	// Chennai to Mumbai (~1030 km) in 30 minutes
	lat, lon := 19.0760, 72.8777
	in.Transaction.Latitude = &lat
	in.Transaction.Longitude = &lon
	in.Payer.LastLocation = &models.GeoPoint{
		Latitude:  13.0827,
		Longitude: 80.2707,
		At:        now.Add(-30 * time.Minute),
	}

	out := e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagImpossibleTravel)
	assert.NotContains(t, out.Flags, FlagSuspiciousTravel)
}

func TestSuspiciousTravel(t *testing.T) {
	e := newTestRuleEngine()
	now := time.Now()
	in := baseRuleInput(now)

	// Same leg over 2.5 hours: ~410 km/h, fast but subsonic
	lat, lon := 19.0760, 72.8777
	in.Transaction.Latitude = &lat
	in.Transaction.Longitude = &lon
	in.Payer.LastLocation = &models.GeoPoint{
		Latitude:  13.0827,
		Longitude: 80.2707,
		At:        now.Add(-150 * time.Minute),
	}

	out := e.Evaluate(in)
	assert.Contains(t, out.Flags, FlagSuspiciousTravel)
	assert.NotContains(t, out.Flags, FlagImpossibleTravel)
}

func TestTravelRulesSkipWithoutLocation(t *testing.T) {
	e := newTestRuleEngine()
	now := time.Now()

	in := baseRuleInput(now)
	in.Payer.LastLocation = &models.GeoPoint{Latitude: 13.0827, Longitude: 80.2707, At: now.Add(-time.Hour)}
	out := e.Evaluate(in)
	assert.NotContains(t, out.Flags, FlagImpossibleTravel)
	assert.NotContains(t, out.Flags, FlagSuspiciousTravel)

	in = baseRuleInput(now)
	lat, lon := 19.0760, 72.8777
	in.Transaction.Latitude = &lat
	in.Transaction.Longitude = &lon
	out = e.Evaluate(in)
	assert.NotContains(t, out.Flags, FlagImpossibleTravel)
}

func TestTravelRulesSkipNonPositiveElapsed(t *testing.T) {
	e := newTestRuleEngine()
	now := time.Now()
	in := baseRuleInput(now)

	lat, lon := 19.0760, 72.8777
	in.Transaction.Latitude = &lat
	in.Transaction.Longitude = &lon
	in.Payer.LastLocation = &models.GeoPoint{Latitude: 13.0827, Longitude: 80.2707, At: now}

	out := e.Evaluate(in)
	assert.NotContains(t, out.Flags, FlagImpossibleTravel)
	assert.NotContains(t, out.Flags, FlagSuspiciousTravel)
}

func TestRuleScoreClamped(t *testing.T) {
	e := newTestRuleEngine()
	now := time.Now()
	in := baseRuleInput(now)

	// Stack every additive rule well past 1.0
	lastTxn := now.Add(-10 * 24 * time.Hour)
	in.Payer.LastTxnAt = &lastTxn
	in.Payer.RecentTxnTimes = []time.Time{now.Add(-time.Minute), now.Add(-2 * time.Minute), now.Add(-3 * time.Minute)}
	in.Payer.FailedTxnCount7d = 6
	in.Receiver.IsNewForThisPayer = true
	in.Transaction.AmountPaise = models.PaiseFromRupees(50000)
	in.Transaction.DeviceFingerprint = "device-new"
	lat, lon := 19.0760, 72.8777
	in.Transaction.Latitude = &lat
	in.Transaction.Longitude = &lon
	in.Payer.LastLocation = &models.GeoPoint{Latitude: 13.0827, Longitude: 80.2707, At: now.Add(-30 * time.Minute)}

	out := e.Evaluate(in)
	assert.Equal(t, 1.0, out.RuleScore)
}

func TestHaversineKnownDistance(t *testing.T) {
	// Chennai to Mumbai is roughly 1030 km great-circle
	d := haversineKm(13.0827, 80.2707, 19.0760, 72.8777)
	assert.InDelta(t, 1030, d, 20)
}
