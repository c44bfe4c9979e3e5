package scoring

import (
	"math"

	"github.com/finsecure/payrisk/internal/models"
)

// FeatureCount is the fixed width of the model input vector. The artifact
// is trained against this exact order; never reorder or renumber.
const FeatureCount = 22

// noPriorTxnSentinel stands in for +Inf days-since-last-transaction, which
// neither JSON nor the model artifact can represent.
const noPriorTxnSentinel = 9999

// FeatureNames lists the vector slots in model order, for audit records
// and offline analysis.
var FeatureNames = [FeatureCount]string{
	"amount",
	"payment_mode",
	"receiver_type",
	"is_new_receiver",
	"avg_amount_7d",
	"avg_amount_30d",
	"max_amount_7d",
	"txn_count_1h",
	"txn_count_24h",
	"days_since_last_txn",
	"night_txn_ratio",
	"location_mismatch",
	"is_night",
	"is_round_amount",
	"velocity_check",
	"deviation_from_sender_avg",
	"exceeds_recent_max",
	"amount_log",
	"hour_sin",
	"hour_cos",
	"ratio_30d",
	"risk_profile",
}

// BuildFeatures engineers the model input vector from the transaction and
// its contexts. Slots 1 (payment_mode), 2 (receiver_type) and 21
// (risk_profile) are integer-valued categoricals.
func BuildFeatures(txn *models.Transaction, pc *models.PayerContext, rc *models.ReceiverContext) []float64 {
	amount := txn.Amount()
	hour := txn.CreatedAt.UTC().Hour()

	f := make([]float64, FeatureCount)
	f[0] = amount
	f[1] = float64(models.PaymentModeIndex(txn.PaymentMode))
	f[2] = float64(models.ReceiverTypeIndex(txn.ReceiverType))
	f[3] = boolFeature(rc.IsNewForThisPayer)
	f[4] = pc.AvgAmount7d
	f[5] = pc.AvgAmount30d
	f[6] = pc.MaxAmount7d
	f[7] = float64(pc.TxnCount1h)
	f[8] = float64(pc.TxnCount24h)
	f[9] = daysSinceFeature(pc, txn)
	f[10] = pc.NightTxnRatio
	f[11] = 0 // location_mismatch, reserved
	f[12] = boolFeature(isNightHour(hour))
	f[13] = boolFeature(math.Mod(amount, 100) == 0)
	f[14] = boolFeature(pc.TxnCount1h > 5)
	f[15] = amount / (pc.AvgAmount30d + 1)
	f[16] = boolFeature(pc.MaxAmount7d > 0 && amount > pc.MaxAmount7d)
	f[17] = math.Log1p(amount)
	f[18] = math.Sin(2 * math.Pi * float64(hour) / 24)
	f[19] = math.Cos(2 * math.Pi * float64(hour) / 24)
	f[20] = amount / (pc.AvgAmount30d + 1)
	f[21] = boolFeature(rc.ReputationScore < 0.5)

	return f
}

func daysSinceFeature(pc *models.PayerContext, txn *models.Transaction) float64 {
	days := pc.DaysSinceLastTxn(txn.CreatedAt)
	if math.IsInf(days, 1) || days > noPriorTxnSentinel {
		return noPriorTxnSentinel
	}
	return days
}

// isNightHour reports whether the hour falls in the 23:00-05:59 band.
func isNightHour(hour int) bool {
	return hour >= 23 || hour <= 5
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
