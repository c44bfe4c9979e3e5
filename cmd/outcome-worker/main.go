package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/configs"
	"github.com/finsecure/payrisk/internal/models"
	"github.com/finsecure/payrisk/internal/profile"
	"github.com/finsecure/payrisk/internal/queue"
	"github.com/finsecure/payrisk/internal/repositories"
	"github.com/finsecure/payrisk/internal/trust"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()

	setupLogging(cfg.Server.Environment)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.OutcomeTopic).
		Str("group", cfg.Kafka.GroupID).
		Msg("Starting outcome worker")

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis cache")
	}
	defer cacheClient.Close()

	payerRepo := repositories.NewPayerRepository(db)
	eventRepo := repositories.NewRiskEventRepository(db)
	txRepo := repositories.NewTransactionRepository(db, payerRepo, eventRepo, cfg.Scoring.KnownDeviceSetMax)
	reputationRepo := repositories.NewReputationRepository(db)

	contextEngine := profile.NewEngine(cacheClient, payerRepo, txRepo, reputationRepo, cfg.Cache, cfg.Deadline)
	updater := trust.NewUpdater(db, payerRepo, txRepo, reputationRepo, contextEngine)

	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Version = sarama.V3_0_0_0

	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID, saramaConfig)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Kafka after retries")
	}
	defer consumerGroup.Close()

	ctx, cancel := context.WithCancel(context.Background())

	handler := &outcomeHandler{updater: updater}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down outcome worker...")
		cancel()
	}()

	for {
		if err := consumerGroup.Consume(ctx, []string{cfg.Kafka.OutcomeTopic}, handler); err != nil {
			log.Error().Err(err).Msg("Consumer group error")
		}
		if ctx.Err() != nil {
			break
		}
	}

	log.Info().Msg("Outcome worker exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// outcomeHandler applies executor outcome events to payer trust and
// receiver reputation.
type outcomeHandler struct {
	updater *trust.Updater
}

func (h *outcomeHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Consumer group session started")
	return nil
}

func (h *outcomeHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Consumer group session ended")
	return nil
}

func (h *outcomeHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.handleMessage(session.Context(), message.Value); err != nil {
			log.Error().
				Err(err).
				Str("topic", message.Topic).
				Int64("offset", message.Offset).
				Msg("Failed to process outcome event")
		}
		// Malformed and not-found events are logged and skipped; retrying
		// them would wedge the partition.
		session.MarkMessage(message, "")
	}
	return nil
}

func (h *outcomeHandler) handleMessage(ctx context.Context, value []byte) error {
	var event models.OutcomeEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return err
	}

	txID, err := uuid.Parse(event.TransactionID)
	if err != nil {
		return err
	}

	if err := h.updater.Apply(ctx, txID, event.Outcome); err != nil {
		return err
	}

	log.Debug().
		Str("transaction_id", event.TransactionID).
		Str("outcome", event.Outcome).
		Msg("Outcome applied")
	return nil
}
