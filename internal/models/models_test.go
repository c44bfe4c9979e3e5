package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTierForScore(t *testing.T) {
	assert.Equal(t, TierBronze, TierForScore(0))
	assert.Equal(t, TierBronze, TierForScore(30))
	assert.Equal(t, TierSilver, TierForScore(31))
	assert.Equal(t, TierSilver, TierForScore(70))
	assert.Equal(t, TierGold, TierForScore(71))
	assert.Equal(t, TierGold, TierForScore(100))
}

func TestPaiseFromRupees(t *testing.T) {
	assert.Equal(t, int64(125050), PaiseFromRupees(1250.50))
	assert.Equal(t, int64(0), PaiseFromRupees(0))
	// 19.99 is not exactly representable; rounding absorbs the error
	assert.Equal(t, int64(1999), PaiseFromRupees(19.99))
}

func TestNormalizeReceiver(t *testing.T) {
	assert.Equal(t, "fraudster@upi", NormalizeReceiver("  Fraudster@UPI "))
	assert.Equal(t, "", NormalizeReceiver("   "))
}

func TestComputeReputation(t *testing.T) {
	assert.Equal(t, 0.5, ComputeReputation(0, 0))
	assert.Equal(t, 1.0, ComputeReputation(0, 10))
	assert.InDelta(t, 0.3, ComputeReputation(7, 10), 1e-9)
}

func TestRecordOutcomeFraudBeforeAnySuccess(t *testing.T) {
	rep := &ReceiverReputation{}
	rep.RecordOutcome(OutcomeFraudReported)

	assert.Equal(t, int64(1), rep.FraudCount)
	assert.Equal(t, int64(1), rep.TotalTransactions)
	assert.Equal(t, 0.0, rep.ReputationScore)
	assert.Equal(t, 1.0, rep.FraudRatio())
}

func TestRecordOutcomeChargebackFirst(t *testing.T) {
	rep := &ReceiverReputation{}
	rep.RecordOutcome(OutcomeChargeback)

	assert.Equal(t, int64(1), rep.FraudCount)
	assert.Equal(t, int64(1), rep.ChargebackCount)
	assert.Equal(t, int64(1), rep.TotalTransactions)
	assert.Equal(t, 0.0, rep.ReputationScore)
}

func TestRecordOutcomeSequence(t *testing.T) {
	rep := &ReceiverReputation{}
	for i := 0; i < 9; i++ {
		rep.RecordOutcome(OutcomeSuccess)
	}
	rep.RecordOutcome(OutcomeFailed)
	rep.RecordOutcome(OutcomeFraudReported)

	assert.Equal(t, int64(10), rep.TotalTransactions)
	assert.Equal(t, int64(9), rep.SuccessfulTransactions)
	assert.Equal(t, int64(1), rep.FraudCount)
	assert.InDelta(t, 0.9, rep.ReputationScore, 1e-9)
	assert.True(t, rep.FraudCount <= rep.TotalTransactions)
}

func TestRecordOutcomeIgnoresNonCounterOutcomes(t *testing.T) {
	rep := &ReceiverReputation{TotalTransactions: 4, SuccessfulTransactions: 4, ReputationScore: 1.0}
	rep.RecordOutcome(OutcomeOTPFailed)
	rep.RecordOutcome(OutcomeKYCVerified)

	assert.Equal(t, int64(4), rep.TotalTransactions)
	assert.Equal(t, 1.0, rep.ReputationScore)
}

func TestDaysSinceLastTxn(t *testing.T) {
	now := time.Now()

	c := &PayerContext{}
	assert.True(t, math.IsInf(c.DaysSinceLastTxn(now), 1))

	last := now.Add(-36 * time.Hour)
	c.LastTxnAt = &last
	assert.InDelta(t, 1.5, c.DaysSinceLastTxn(now), 1e-9)
}

func TestTxnCountWithin(t *testing.T) {
	now := time.Now()
	c := &PayerContext{
		TxnCount1h: 9,
		RecentTxnTimes: []time.Time{
			now.Add(-1 * time.Minute),
			now.Add(-4 * time.Minute),
			now.Add(-20 * time.Minute),
		},
	}

	assert.Equal(t, 2, c.TxnCountWithin(now, 5*time.Minute))
	assert.Equal(t, 3, c.TxnCountWithin(now, 30*time.Minute))
	// Beyond the carried history the hourly counter answers
	assert.Equal(t, 9, c.TxnCountWithin(now, time.Hour))
}

func TestKnowsDevice(t *testing.T) {
	c := &PayerContext{KnownDevices: []string{"a", "b"}}
	assert.True(t, c.KnowsDevice("b"))
	assert.False(t, c.KnowsDevice("c"))
}

func TestTransactionAmount(t *testing.T) {
	txn := &Transaction{AmountPaise: 125050}
	assert.InDelta(t, 1250.50, txn.Amount(), 1e-9)
}

func TestHasLocation(t *testing.T) {
	txn := &Transaction{}
	assert.False(t, txn.HasLocation())

	lat := 13.0827
	txn.Latitude = &lat
	assert.False(t, txn.HasLocation())

	lon := 80.2707
	txn.Longitude = &lon
	assert.True(t, txn.HasLocation())
}

func TestValidOutcome(t *testing.T) {
	for _, o := range []string{OutcomeSuccess, OutcomeFailed, OutcomeFraudReported, OutcomeChargeback, OutcomeOTPFailed, OutcomeKYCVerified} {
		assert.True(t, ValidOutcome(o))
	}
	assert.False(t, ValidOutcome("REFUNDED"))
}
