package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/configs"
	"github.com/finsecure/payrisk/internal/queue"
	"github.com/finsecure/payrisk/internal/repositories"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()

	setupLogging(cfg.Server.Environment)

	log.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("batch_size", cfg.Worker.BatchSize).
		Msg("Starting retry worker")

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	retryStream, err := queue.NewRetryStream(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis retry stream")
	}
	defer retryStream.Close()

	payerRepo := repositories.NewPayerRepository(db)
	eventRepo := repositories.NewRiskEventRepository(db)
	txRepo := repositories.NewTransactionRepository(db, payerRepo, eventRepo, cfg.Scoring.KnownDeviceSetMax)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down retry worker...")
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runConsumer(ctx, cfg, retryStream, txRepo, fmt.Sprintf("retry-worker-%d", id))
		}(i)
	}

	wg.Wait()
	log.Info().Msg("Retry worker exited")
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

// runConsumer drains the deferred persistence stream until the context is
// cancelled.
func runConsumer(
	ctx context.Context,
	cfg *configs.Config,
	stream *queue.RetryStream,
	txRepo *repositories.TransactionRepository,
	consumerName string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := stream.Consume(ctx, consumerName, int64(cfg.Worker.BatchSize), cfg.Worker.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to read retry stream")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			processMessage(ctx, stream, txRepo, msg)
		}
	}
}

// processMessage replays one deferred persist. A successful write, a
// duplicate, or a dead-lettered event all acknowledge the message; a
// transient failure requeues it with an incremented attempt count.
func processMessage(
	ctx context.Context,
	stream *queue.RetryStream,
	txRepo *repositories.TransactionRepository,
	msg queue.StreamMessage,
) {
	event := msg.Event

	err := txRepo.CreateAssessed(ctx, event.Transaction, event.Event)
	if err == nil || errors.Is(err, repositories.ErrDuplicateTransaction) {
		if ackErr := stream.Acknowledge(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("message_id", msg.ID).Msg("Failed to acknowledge message")
		}
		if err == nil {
			log.Info().
				Str("transaction_id", event.Transaction.ID.String()).
				Int("retry_count", event.RetryCount).
				Msg("Deferred persist replayed")
		}
		return
	}

	event.RetryCount++
	if event.RetryCount >= stream.MaxRetries() {
		if dlErr := stream.SendToDeadLetter(ctx, event, err); dlErr != nil {
			log.Error().Err(dlErr).Str("message_id", msg.ID).Msg("Failed to dead-letter event")
			return
		}
	} else {
		if _, pubErr := stream.Publish(ctx, event); pubErr != nil {
			log.Error().Err(pubErr).Str("message_id", msg.ID).Msg("Failed to requeue event")
			return
		}
		log.Warn().
			Err(err).
			Str("transaction_id", event.Transaction.ID.String()).
			Int("retry_count", event.RetryCount).
			Msg("Deferred persist failed, requeued")
	}

	if ackErr := stream.Acknowledge(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("message_id", msg.ID).Msg("Failed to acknowledge message")
	}
}
