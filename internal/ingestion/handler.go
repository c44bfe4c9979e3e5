package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/internal/models"
	"github.com/finsecure/payrisk/internal/scoring"
)

// ErrInvalidRequest marks a request that fails validation before any
// scoring work.
var ErrInvalidRequest = errors.New("invalid assessment request")

// maxClockSkew bounds how far a client timestamp may drift from the
// server clock.
const maxClockSkew = 5 * time.Minute

// AssessmentRequest is the ingress record for one proposed payment.
type AssessmentRequest struct {
	PayerID           string   `json:"payer_id" binding:"required"`
	Amount            float64  `json:"amount"`
	Receiver          string   `json:"receiver" binding:"required"`
	ReceiverType      string   `json:"receiver_type" binding:"omitempty,oneof=PHONE VPA"`
	DeviceFingerprint string   `json:"device_fingerprint" binding:"required"`
	TimestampUTC      string   `json:"timestamp_utc" binding:"required"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	PaymentMode       string   `json:"payment_mode" binding:"required,oneof=QR MOBILE UPI_APP"`
	IdempotencyKey    string   `json:"idempotency_key,omitempty"`
}

// AssessmentResponse is the egress record returned to the caller.
type AssessmentResponse struct {
	TransactionID   string           `json:"transaction_id"`
	FinalScore      float64          `json:"final_score"`
	Level           string           `json:"level"`
	Action          string           `json:"action"`
	Subscores       models.Subscores `json:"subscores"`
	Flags           []string         `json:"flags"`
	Factors         []string         `json:"factors"`
	Recommendations []string         `json:"recommendations"`
	ModelVersion    string           `json:"model_version"`
	RulesetVersion  string           `json:"ruleset_version"`
	ProcessingMs    int64            `json:"processing_ms"`
}

// Service validates incoming assessment requests and drives the
// orchestrator.
type Service struct {
	orchestrator *scoring.Orchestrator
}

// NewService creates a new ingestion service
func NewService(orchestrator *scoring.Orchestrator) *Service {
	return &Service{orchestrator: orchestrator}
}

// Assess validates the request, builds the transaction and runs the full
// assessment.
func (s *Service) Assess(ctx context.Context, req *AssessmentRequest) (*AssessmentResponse, error) {
	txn, err := s.buildTransaction(req)
	if err != nil {
		return nil, err
	}

	assessment, err := s.orchestrator.Assess(ctx, txn)
	if err != nil {
		return nil, err
	}

	return shapeResponse(assessment), nil
}

func (s *Service) buildTransaction(req *AssessmentRequest) (*models.Transaction, error) {
	payerID, err := uuid.Parse(req.PayerID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid payer_id", ErrInvalidRequest)
	}

	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrInvalidRequest)
	}

	receiver := models.NormalizeReceiver(req.Receiver)
	if receiver == "" {
		return nil, fmt.Errorf("%w: receiver must be non-empty", ErrInvalidRequest)
	}

	ts, err := time.Parse(time.RFC3339, req.TimestampUTC)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp_utc must be RFC 3339", ErrInvalidRequest)
	}
	ts = ts.UTC()
	if skew := time.Since(ts); skew > maxClockSkew || skew < -maxClockSkew {
		return nil, fmt.Errorf("%w: timestamp_utc outside the accepted clock skew", ErrInvalidRequest)
	}

	// A lone coordinate is unusable for the geo rules
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return nil, fmt.Errorf("%w: latitude and longitude must be provided together", ErrInvalidRequest)
	}

	receiverType := req.ReceiverType
	if receiverType == "" {
		receiverType = inferReceiverType(receiver)
	}

	return &models.Transaction{
		PayerID:           payerID,
		Receiver:          receiver,
		ReceiverType:      receiverType,
		AmountPaise:       models.PaiseFromRupees(req.Amount),
		DeviceFingerprint: req.DeviceFingerprint,
		Latitude:          req.Latitude,
		Longitude:         req.Longitude,
		PaymentMode:       req.PaymentMode,
		Status:            models.StatusPendingAssessment,
		IdempotencyKey:    req.IdempotencyKey,
		CreatedAt:         ts,
	}, nil
}

func inferReceiverType(receiver string) string {
	if strings.Contains(receiver, "@") {
		return models.ReceiverVPA
	}
	return models.ReceiverPhone
}

func shapeResponse(a *models.RiskAssessment) *AssessmentResponse {
	factors := make([]string, len(a.Factors))
	for i, f := range a.Factors {
		factors[i] = f.Message
	}

	resp := &AssessmentResponse{
		TransactionID:   a.TransactionID.String(),
		FinalScore:      a.FinalScore,
		Level:           a.Level,
		Action:          a.Action,
		Subscores:       a.Subscores,
		Flags:           a.Flags,
		Factors:         factors,
		Recommendations: a.Recommendations,
		ModelVersion:    a.ModelVersion,
		RulesetVersion:  a.RulesetVersion,
		ProcessingMs:    a.ProcessingMs,
	}
	if resp.Flags == nil {
		resp.Flags = []string{}
	}
	if resp.Recommendations == nil {
		resp.Recommendations = []string{}
	}
	return resp
}

// LogRejection records a rejected request for boundary diagnostics.
func LogRejection(req *AssessmentRequest, err error) {
	log.Debug().
		Err(err).
		Str("payer_id", req.PayerID).
		Str("receiver", req.Receiver).
		Msg("Assessment request rejected")
}
