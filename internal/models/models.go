package models

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payer is the authenticated party initiating payments. Trust score and the
// known-device set are mutated only by the trust updater and the assessment
// persist path respectively.
type Payer struct {
	ID           uuid.UUID `json:"id"`
	TrustScore   int       `json:"trust_score"` // 0-100
	KnownDevices []string  `json:"known_devices"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tier returns the trust bucket for the payer's current score.
func (p *Payer) Tier() string {
	return TierForScore(p.TrustScore)
}

// Tier enum values
const (
	TierBronze = "BRONZE"
	TierSilver = "SILVER"
	TierGold   = "GOLD"
)

// TierForScore buckets a trust score: BRONZE [0,30], SILVER [31,70], GOLD [71,100].
func TierForScore(score int) string {
	switch {
	case score >= 71:
		return TierGold
	case score >= 31:
		return TierSilver
	default:
		return TierBronze
	}
}

// Transaction represents a proposed payment and, once assessed, carries the
// snapshot of its risk assessment.
type Transaction struct {
	ID                uuid.UUID       `json:"id"`
	PayerID           uuid.UUID       `json:"payer_id"`
	Receiver          string          `json:"receiver"` // normalized lowercase
	ReceiverType      string          `json:"receiver_type"`
	AmountPaise       int64           `json:"amount_paise"`
	DeviceFingerprint string          `json:"device_fingerprint"`
	Latitude          *float64        `json:"latitude,omitempty"`
	Longitude         *float64        `json:"longitude,omitempty"`
	PaymentMode       string          `json:"payment_mode"`
	Status            string          `json:"status"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Assessment        *RiskAssessment `json:"assessment,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Amount returns the transaction amount in rupees. Feature math and rule
// thresholds operate on this value; storage stays fixed-point.
func (t *Transaction) Amount() float64 {
	return float64(t.AmountPaise) / 100
}

// HasLocation reports whether the transaction carries a geolocation.
func (t *Transaction) HasLocation() bool {
	return t.Latitude != nil && t.Longitude != nil
}

// PaiseFromRupees converts a 2-decimal amount to paise, rounding to the
// nearest paisa to absorb float representation error.
func PaiseFromRupees(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// NormalizeReceiver canonicalizes a receiver handle.
func NormalizeReceiver(receiver string) string {
	return strings.ToLower(strings.TrimSpace(receiver))
}

// TransactionStatus enum values
const (
	StatusPendingAssessment = "PENDING_ASSESSMENT"
	StatusAssessed          = "ASSESSED"
	StatusExecuted          = "EXECUTED"
	StatusBlocked           = "BLOCKED"
	StatusCancelled         = "CANCELLED"
)

// PaymentMode enum values
const (
	ModeQR     = "QR"
	ModeMobile = "MOBILE"
	ModeUPIApp = "UPI_APP"
)

// PaymentModeIndex maps a payment mode to its categorical feature encoding.
func PaymentModeIndex(mode string) int {
	switch mode {
	case ModeQR:
		return 0
	case ModeMobile:
		return 1
	default:
		return 2
	}
}

// ReceiverType enum values
const (
	ReceiverPhone = "PHONE"
	ReceiverVPA   = "VPA"
)

// ReceiverTypeIndex maps a receiver type to its categorical feature encoding.
func ReceiverTypeIndex(rt string) int {
	if rt == ReceiverPhone {
		return 0
	}
	return 1
}

// RiskAssessment is the immutable outcome of one assessment, tied 1:1 to a
// transaction.
type RiskAssessment struct {
	TransactionID   uuid.UUID `json:"transaction_id"`
	FinalScore      float64   `json:"final_score"` // [0,1]
	Level           string    `json:"level"`
	Action          string    `json:"action"`
	Subscores       Subscores `json:"subscores"`
	Flags           []string  `json:"flags"`
	Factors         []Factor  `json:"factors"`
	Recommendations []string  `json:"recommendations"`
	ModelVersion    string    `json:"model_version"`
	RulesetVersion  string    `json:"ruleset_version"`
	ProcessingMs    int64     `json:"processing_ms"`
}

// Subscores is the explanatory per-dimension breakdown. The parts are not
// required to sum to the final score.
type Subscores struct {
	Behavior float64 `json:"behavior"`
	Amount   float64 `json:"amount"`
	Receiver float64 `json:"receiver"`
	ML       float64 `json:"ml"`
}

// Factor is a human-readable triggered risk signal.
type Factor struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// RiskLevel enum values
const (
	LevelLow      = "LOW"
	LevelModerate = "MODERATE"
	LevelHigh     = "HIGH"
	LevelVeryHigh = "VERY_HIGH"
)

// Action enum values
const (
	ActionAllow       = "ALLOW"
	ActionWarn        = "WARN"
	ActionOTPRequired = "OTP_REQUIRED"
	ActionBlock       = "BLOCK"
)

// Severity enum values, ordered
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// SeverityRank orders severities for factor sorting; higher is more severe.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// ReceiverReputation aggregates outcome history for a receiver handle.
type ReceiverReputation struct {
	Receiver               string    `json:"receiver"`
	TotalTransactions      int64     `json:"total_transactions"`
	FraudCount             int64     `json:"fraud_count"`
	ChargebackCount        int64     `json:"chargeback_count"`
	SuccessfulTransactions int64     `json:"successful_transactions"`
	ReputationScore        float64   `json:"reputation_score"`
	FirstSeen              time.Time `json:"first_seen"`
	LastUpdated            time.Time `json:"last_updated"`
}

// ComputeReputation returns 1 - fraud/total, or the 0.5 neutral prior for an
// unseen receiver.
func ComputeReputation(fraudCount, totalTransactions int64) float64 {
	if totalTransactions <= 0 {
		return 0.5
	}
	return 1 - float64(fraudCount)/float64(totalTransactions)
}

// RecordOutcome folds one payment outcome into the counters and recomputes
// the score. SUCCESS and FAILED grow the denominator; FRAUD_REPORTED and
// CHARGEBACK grow only the fraud-side counters, except that the total is
// floored at the fraud count so a fraud report arriving before any other
// outcome still drags the score below neutral.
func (r *ReceiverReputation) RecordOutcome(outcome string) {
	switch outcome {
	case OutcomeSuccess:
		r.TotalTransactions++
		r.SuccessfulTransactions++
	case OutcomeFailed:
		r.TotalTransactions++
	case OutcomeFraudReported:
		r.FraudCount++
	case OutcomeChargeback:
		r.FraudCount++
		r.ChargebackCount++
	default:
		return
	}
	if r.TotalTransactions < r.FraudCount {
		r.TotalTransactions = r.FraudCount
	}
	r.ReputationScore = ComputeReputation(r.FraudCount, r.TotalTransactions)
}

// FraudRatio returns fraud/total, 0 for an unseen receiver.
func (r *ReceiverReputation) FraudRatio() float64 {
	if r.TotalTransactions <= 0 {
		return 0
	}
	return float64(r.FraudCount) / float64(r.TotalTransactions)
}

// RiskEvent is the append-only audit record written alongside every
// assessment.
type RiskEvent struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	PayerID       uuid.UUID `json:"payer_id"`
	Flags         []string  `json:"flags"`
	RuleScore     float64   `json:"rule_score"`
	MLScore       float64   `json:"ml_score"`
	FinalScore    float64   `json:"final_score"`
	Action        string    `json:"action"`
	Features      []float64 `json:"features"`
	Metadata      JSONB     `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// GeoPoint is a located moment from the payer's transaction history.
type GeoPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	At        time.Time `json:"at"`
}

// PayerContext is the behavioral profile assembled per assessment. Amounts
// are in rupees; windows are relative to the assessment time.
type PayerContext struct {
	PayerID          uuid.UUID   `json:"payer_id"`
	Tier             string      `json:"tier"`
	TrustScore       int         `json:"trust_score"`
	AccountAgeDays   float64     `json:"account_age_days"`
	AvgAmount7d      float64     `json:"avg_amount_7d"`
	AvgAmount30d     float64     `json:"avg_amount_30d"`
	MaxAmount7d      float64     `json:"max_amount_7d"`
	TxnCount1h       int         `json:"txn_count_1h"`
	TxnCount24h      int         `json:"txn_count_24h"`
	LastTxnAt        *time.Time  `json:"last_txn_at,omitempty"`
	NightTxnRatio    float64     `json:"night_txn_ratio"`
	KnownDevices     []string    `json:"known_devices"`
	LastLocation     *GeoPoint   `json:"last_location,omitempty"`
	FailedTxnCount7d int         `json:"failed_txn_count_7d"`
	RecentTxnTimes   []time.Time `json:"recent_txn_times"` // last hour, newest first
}

// DaysSinceLastTxn returns the age of the payer's previous transaction in
// days, +Inf when there is none.
func (c *PayerContext) DaysSinceLastTxn(now time.Time) float64 {
	if c.LastTxnAt == nil {
		return math.Inf(1)
	}
	return now.Sub(*c.LastTxnAt).Hours() / 24
}

// TxnCountWithin counts recent transactions inside the given window ending
// at now. Only the last hour of history is carried, so windows beyond that
// fall back to TxnCount1h.
func (c *PayerContext) TxnCountWithin(now time.Time, window time.Duration) int {
	if window >= time.Hour {
		return c.TxnCount1h
	}
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range c.RecentTxnTimes {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// KnowsDevice reports whether the fingerprint is in the payer's known set.
func (c *PayerContext) KnowsDevice(fingerprint string) bool {
	for _, d := range c.KnownDevices {
		if d == fingerprint {
			return true
		}
	}
	return false
}

// ReceiverContext combines the receiver's global reputation with
// payer-specific history. The payer-specific fields are computed per call
// and never cached globally.
type ReceiverContext struct {
	Receiver              string  `json:"receiver"`
	ReputationScore       float64 `json:"reputation_score"`
	TotalTransactions     int64   `json:"total_transactions"`
	FraudCount            int64   `json:"fraud_count"`
	IsNewForThisPayer     bool    `json:"is_new_for_this_payer"`
	PayerReceiverTxnCount int     `json:"payer_receiver_txn_count"`
}

// FraudRatio returns fraud/total, 0 for an unseen receiver.
func (c *ReceiverContext) FraudRatio() float64 {
	if c.TotalTransactions <= 0 {
		return 0
	}
	return float64(c.FraudCount) / float64(c.TotalTransactions)
}

// PaymentOutcome enum values reported by the payment executor.
const (
	OutcomeSuccess       = "SUCCESS"
	OutcomeFailed        = "FAILED"
	OutcomeFraudReported = "FRAUD_REPORTED"
	OutcomeChargeback    = "CHARGEBACK"
	OutcomeOTPFailed     = "OTP_FAILED"
	OutcomeKYCVerified   = "KYC_VERIFIED"
)

// ValidOutcome reports whether the outcome code is known.
func ValidOutcome(outcome string) bool {
	switch outcome {
	case OutcomeSuccess, OutcomeFailed, OutcomeFraudReported,
		OutcomeChargeback, OutcomeOTPFailed, OutcomeKYCVerified:
		return true
	}
	return false
}

// OutcomeEvent is the executor's notification of a payment outcome,
// delivered over Kafka or the outcome webhook.
type OutcomeEvent struct {
	TransactionID string    `json:"transaction_id"`
	Outcome       string    `json:"outcome"`
	Timestamp     time.Time `json:"timestamp"`
}

// RetryEvent carries a transaction and its risk event through the deferred
// persistence stream when the synchronous write fails.
type RetryEvent struct {
	Transaction *Transaction `json:"transaction"`
	Event       *RiskEvent   `json:"event"`
	RetryCount  int          `json:"retry_count"`
}

// JSONB is a helper type for PostgreSQL JSONB columns.
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}
