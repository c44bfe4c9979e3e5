package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/configs"
	"github.com/finsecure/payrisk/internal/analytics"
	"github.com/finsecure/payrisk/internal/auth"
	"github.com/finsecure/payrisk/internal/ingestion"
	"github.com/finsecure/payrisk/internal/models"
	"github.com/finsecure/payrisk/internal/profile"
	"github.com/finsecure/payrisk/internal/queue"
	"github.com/finsecure/payrisk/internal/repositories"
	"github.com/finsecure/payrisk/internal/scoring"
	"github.com/finsecure/payrisk/internal/trust"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting payment risk API server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	retryStream, err := queue.NewRetryStream(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis retry stream")
	}
	defer retryStream.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis cache")
	}
	defer cacheClient.Close()

	// Initialize repositories
	payerRepo := repositories.NewPayerRepository(db)
	eventRepo := repositories.NewRiskEventRepository(db)
	txRepo := repositories.NewTransactionRepository(db, payerRepo, eventRepo, cfg.Scoring.KnownDeviceSetMax)
	reputationRepo := repositories.NewReputationRepository(db)

	// Initialize engines
	contextEngine := profile.NewEngine(cacheClient, payerRepo, txRepo, reputationRepo, cfg.Cache, cfg.Deadline)
	ruleEngine := scoring.NewRuleEngine(cfg.Scoring.RulesetVersion, cfg.Scoring.SupersonicKmh, cfg.Scoring.SuspiciousKmh)
	mlScorer := scoring.NewMLScorer(cfg.Scoring.ModelPath)
	decisionEngine := scoring.NewDecisionEngine(cfg.Scoring.ThresholdModerate, cfg.Scoring.ThresholdHigh, cfg.Scoring.ThresholdVeryHigh)
	orchestrator := scoring.NewOrchestrator(
		contextEngine, txRepo, retryStream, cacheClient,
		ruleEngine, mlScorer, decisionEngine,
		cfg.Deadline, cfg.Cache.IdempotencyTTL,
	)

	// Initialize services
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
	ingestionService := ingestion.NewService(orchestrator)
	trustUpdater := trust.NewUpdater(db, payerRepo, txRepo, reputationRepo, contextEngine)
	analyticsService := analytics.NewService(eventRepo, cacheClient)
	backtestService := scoring.NewBacktestService(contextEngine, txRepo, ruleEngine, mlScorer, decisionEngine)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := NewRateLimiter(100, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter))

	setupRoutes(router, cfg, jwtManager, ingestionService, trustUpdater, analyticsService, backtestService, payerRepo, txRepo, eventRepo, reputationRepo, contextEngine, db)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
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

func setupRoutes(
	router *gin.Engine,
	cfg *configs.Config,
	jwtManager *auth.JWTManager,
	ingestionService *ingestion.Service,
	trustUpdater *trust.Updater,
	analyticsService *analytics.Service,
	backtestService *scoring.BacktestService,
	payerRepo *repositories.PayerRepository,
	txRepo *repositories.TransactionRepository,
	eventRepo *repositories.RiskEventRepository,
	reputationRepo *repositories.ReputationRepository,
	contextEngine *profile.Engine,
	db *repositories.Database,
) {
	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		stats := db.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
			"db_conns": gin.H{
				"total": stats.TotalConns(),
				"idle":  stats.IdleConns(),
			},
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// Outcome webhook: the payment executor authenticates with its shared
	// key, not a service token.
	v1.POST("/outcomes", auth.APIKeyMiddleware(cfg.Auth.ExecutorKeyHash), outcomeHandler(trustUpdater))

	protected := v1.Group("")
	protected.Use(auth.ServiceAuthMiddleware(jwtManager))

	// Assessment routes
	assessRoutes := protected.Group("/assessments")
	{
		assessRoutes.POST("", assessHandler(ingestionService))
	}

	// Transaction routes
	txRoutes := protected.Group("/transactions")
	{
		txRoutes.GET("/:id", getTransactionHandler(txRepo))
		txRoutes.GET("/:id/event", getRiskEventHandler(eventRepo))
	}

	// Payer routes
	payerRoutes := protected.Group("/payers")
	{
		payerRoutes.POST("", createPayerHandler(payerRepo))
		payerRoutes.GET("/:id", getPayerHandler(payerRepo))
	}

	// Receiver routes
	protected.GET("/receivers/:receiver/reputation", getReputationHandler(reputationRepo))

	// Blacklist management is admin only
	receiverRoutes := protected.Group("/receivers")
	receiverRoutes.Use(auth.RoleMiddleware("admin"))
	{
		receiverRoutes.POST("/:receiver/blacklist", blacklistHandler(reputationRepo, contextEngine))
		receiverRoutes.DELETE("/:receiver/blacklist", unblacklistHandler(reputationRepo, contextEngine))
	}

	// Analytics routes
	analyticsRoutes := protected.Group("/analytics")
	{
		analyticsRoutes.GET("/actions", getActionDistributionHandler(analyticsService))
		analyticsRoutes.GET("/flags/top", getTopFlagsHandler(analyticsService))
	}

	// Backtest routes (admin only)
	backtestRoutes := protected.Group("/backtest")
	backtestRoutes.Use(auth.RoleMiddleware("admin", "analyst"))
	{
		backtestRoutes.POST("/run", runBacktestHandler(backtestService))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, X-API-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter implements a simple in-memory rate limiter using token bucket algorithm
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastSeen: now}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed / (rl.window / time.Duration(rl.rate)))
	v.tokens += refill
	if v.tokens > rl.rate {
		v.tokens = rl.rate
	}
	v.lastSeen = now

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

func rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handlers

func assessHandler(svc *ingestion.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.AssessmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := svc.Assess(c.Request.Context(), &req)
		if err != nil {
			ingestion.LogRejection(&req, err)
			switch {
			case errors.Is(err, ingestion.ErrInvalidRequest):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, repositories.ErrPayerNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "payer not found"})
			case errors.Is(err, scoring.ErrTimeout):
				c.JSON(http.StatusGatewayTimeout, gin.H{"error": "assessment deadline exceeded"})
			case errors.Is(err, scoring.ErrAssessmentFailed):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "assessment failed"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func outcomeHandler(updater *trust.Updater) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			TransactionID string `json:"transaction_id" binding:"required"`
			Outcome       string `json:"outcome" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		txID, err := uuid.Parse(req.TransactionID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction_id"})
			return
		}

		if err := updater.Apply(c.Request.Context(), txID, req.Outcome); err != nil {
			switch {
			case errors.Is(err, trust.ErrUnknownOutcome):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, repositories.ErrTransactionNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "applied"})
	}
}

func getTransactionHandler(txRepo *repositories.TransactionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction_id"})
			return
		}

		txn, err := txRepo.GetByID(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, txn)
	}
}

func getRiskEventHandler(eventRepo *repositories.RiskEventRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction_id"})
			return
		}

		event, err := eventRepo.GetByTransactionID(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, event)
	}
}

func createPayerHandler(payerRepo *repositories.PayerRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			TrustScore *int `json:"trust_score"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// New payers start in the middle of SILVER
		trustScore := 50
		if req.TrustScore != nil {
			if *req.TrustScore < 0 || *req.TrustScore > 100 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "trust_score must be in [0,100]"})
				return
			}
			trustScore = *req.TrustScore
		}

		payer := &models.Payer{TrustScore: trustScore}
		if err := payerRepo.Create(c.Request.Context(), payer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, payer)
	}
}

func getPayerHandler(payerRepo *repositories.PayerRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payer_id"})
			return
		}

		payer, err := payerRepo.GetByID(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":          payer.ID,
			"trust_score": payer.TrustScore,
			"tier":        payer.Tier(),
			"created_at":  payer.CreatedAt,
		})
	}
}

func getReputationHandler(reputationRepo *repositories.ReputationRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		receiver := models.NormalizeReceiver(c.Param("receiver"))
		if receiver == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "receiver is required"})
			return
		}

		rep, err := reputationRepo.Get(c.Request.Context(), receiver)
		if err != nil {
			if errors.Is(err, repositories.ErrReputationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "receiver not seen yet"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, rep)
	}
}

func blacklistHandler(reputationRepo *repositories.ReputationRepository, contextEngine *profile.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		receiver := models.NormalizeReceiver(c.Param("receiver"))

		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := reputationRepo.Blacklist(c.Request.Context(), receiver, req.Reason); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		contextEngine.InvalidateReceiver(c.Request.Context(), receiver)
		c.JSON(http.StatusOK, gin.H{"receiver": receiver, "blacklisted": true})
	}
}

func unblacklistHandler(reputationRepo *repositories.ReputationRepository, contextEngine *profile.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		receiver := models.NormalizeReceiver(c.Param("receiver"))

		if err := reputationRepo.Unblacklist(c.Request.Context(), receiver); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		contextEngine.InvalidateReceiver(c.Request.Context(), receiver)
		c.JSON(http.StatusOK, gin.H{"receiver": receiver, "blacklisted": false})
	}
}

func getActionDistributionHandler(svc *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 7)

		summary, err := svc.GetActionDistribution(c.Request.Context(), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

func getTopFlagsHandler(svc *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 7)
		limit := getIntParam(c, "limit", 10)

		summary, err := svc.GetTopFlags(c.Request.Context(), days, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

func runBacktestHandler(backtestService *scoring.BacktestService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scoring.BacktestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if req.StartDate.IsZero() {
			req.StartDate = time.Now().AddDate(0, 0, -30)
		}
		if req.EndDate.IsZero() {
			req.EndDate = time.Now()
		}

		result, err := backtestService.Run(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// Helper functions

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}
