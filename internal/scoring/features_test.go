package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsecure/payrisk/internal/models"
)

func TestBuildFeaturesVector(t *testing.T) {
	// 14:00 UTC, 1500 rupees to a new VPA receiver
	createdAt := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	lastTxn := createdAt.Add(-48 * time.Hour)

	txn := &models.Transaction{
		AmountPaise:  models.PaiseFromRupees(1500),
		ReceiverType: models.ReceiverVPA,
		PaymentMode:  models.ModeQR,
		CreatedAt:    createdAt,
	}
	pc := &models.PayerContext{
		AvgAmount7d:   400,
		AvgAmount30d:  499,
		MaxAmount7d:   800,
		TxnCount1h:    2,
		TxnCount24h:   6,
		LastTxnAt:     &lastTxn,
		NightTxnRatio: 0.1,
	}
	rc := &models.ReceiverContext{
		IsNewForThisPayer: true,
		ReputationScore:   0.8,
	}

	f := BuildFeatures(txn, pc, rc)
	require.Len(t, f, FeatureCount)

	assert.Equal(t, 1500.0, f[0])
	assert.Equal(t, float64(models.PaymentModeIndex(models.ModeQR)), f[1])
	assert.Equal(t, float64(models.ReceiverTypeIndex(models.ReceiverVPA)), f[2])
	assert.Equal(t, 1.0, f[3])
	assert.Equal(t, 400.0, f[4])
	assert.Equal(t, 499.0, f[5])
	assert.Equal(t, 800.0, f[6])
	assert.Equal(t, 2.0, f[7])
	assert.Equal(t, 6.0, f[8])
	assert.InDelta(t, 2.0, f[9], 1e-9)
	assert.InDelta(t, 0.1, f[10], 1e-9)
	assert.Zero(t, f[11])
	assert.Zero(t, f[12])            // 14:00 is not night
	assert.Equal(t, 1.0, f[13])      // 1500 is a round amount
	assert.Zero(t, f[14])            // 2 txns in the hour
	assert.InDelta(t, 3.0, f[15], 1e-9) // 1500 / (499+1)
	assert.Equal(t, 1.0, f[16])      // exceeds the 7d max
	assert.InDelta(t, math.Log1p(1500), f[17], 1e-9)
	assert.InDelta(t, math.Sin(2*math.Pi*14/24), f[18], 1e-9)
	assert.InDelta(t, math.Cos(2*math.Pi*14/24), f[19], 1e-9)
	assert.InDelta(t, 3.0, f[20], 1e-9)
	assert.Zero(t, f[21]) // reputation 0.8 is not risky
}

func TestBuildFeaturesNoPriorTransaction(t *testing.T) {
	txn := &models.Transaction{
		AmountPaise: models.PaiseFromRupees(100),
		CreatedAt:   time.Now(),
	}
	f := BuildFeatures(txn, &models.PayerContext{}, &models.ReceiverContext{})

	assert.Equal(t, float64(noPriorTxnSentinel), f[9])
}

func TestBuildFeaturesNightHour(t *testing.T) {
	for _, hour := range []int{23, 0, 5} {
		txn := &models.Transaction{
			CreatedAt: time.Date(2026, 8, 20, hour, 30, 0, 0, time.UTC),
		}
		f := BuildFeatures(txn, &models.PayerContext{}, &models.ReceiverContext{})
		assert.Equal(t, 1.0, f[12], "hour %d", hour)
	}

	txn := &models.Transaction{
		CreatedAt: time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC),
	}
	f := BuildFeatures(txn, &models.PayerContext{}, &models.ReceiverContext{})
	assert.Zero(t, f[12])
}

func TestBuildFeaturesRiskProfile(t *testing.T) {
	txn := &models.Transaction{CreatedAt: time.Now()}

	f := BuildFeatures(txn, &models.PayerContext{}, &models.ReceiverContext{ReputationScore: 0.3})
	assert.Equal(t, 1.0, f[21])

	f = BuildFeatures(txn, &models.PayerContext{}, &models.ReceiverContext{ReputationScore: 0.5})
	assert.Zero(t, f[21])
}

func TestBuildFeaturesVelocityCheck(t *testing.T) {
	txn := &models.Transaction{CreatedAt: time.Now()}

	f := BuildFeatures(txn, &models.PayerContext{TxnCount1h: 6}, &models.ReceiverContext{})
	assert.Equal(t, 1.0, f[14])

	f = BuildFeatures(txn, &models.PayerContext{TxnCount1h: 5}, &models.ReceiverContext{})
	assert.Zero(t, f[14])
}
