package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sigmamail/internal/action"
	"sigmamail/internal/ai"
	"sigmamail/internal/api"
	"sigmamail/internal/config"
	"sigmamail/internal/feedback"
	"sigmamail/internal/llm"
	"sigmamail/internal/repository"
	"sigmamail/internal/service"
	"sigmamail/internal/telemetry"
	"sigmamail/pkg/circuitbreaker"
	pkgconfig "sigmamail/pkg/config"
	"sigmamail/pkg/db"
	"sigmamail/pkg/logger"
	redisclient "sigmamail/pkg/redis"
)

func main() {
	cfg, err := config.Load(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}
	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// Init Redis
	rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	// Init Repositories
	emailRepo := repository.NewEmailRepository(dbConn)
	triageRepo := repository.NewTriageRepository(dbConn)
	ruleRepo := repository.NewFeedbackRuleRepository(dbConn)

	// Init AI
	cache := ai.NewResultCache(rdb)
	recorder := telemetry.NewRecorder(rdb, cfg.AI.TelemetryKeep, cfg.AI.TelemetryTimeout, log)
	llmClient := llm.NewClient(cfg.LLM, circuitbreaker.New("gemini", cfg.Breaker, log), log)
	orch := ai.NewOrchestrator(cfg.AI, llmClient, cache, recorder, log)
	defer orch.Flush()
	actions := action.NewOrchestrator(cfg.Action, action.NewWhenParser(), log)

	// Init Services
	feedbackStore := feedback.NewStore(ruleRepo, emailRepo, cfg.Feedback, log)
	feedbackService := service.NewFeedbackService(emailRepo, emailRepo, feedbackStore, cache, log)
	assistant := service.NewAssistantService(emailRepo, triageRepo, orch, actions, log)

	// Router
	router := api.NewRouter(
		api.NewEmailHandler(feedbackService, assistant, log),
		api.NewAIHandler(assistant, recorder, log),
		cfg.JWT.Secret,
		dbConn,
		log,
	)

	srv := &http.Server{Addr: cfg.Server.Port, Handler: router.Engine}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Server shutdown failed", zap.Error(err))
		}
	}()

	log.Info("Starting API server", zap.String("port", cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server start failed", zap.Error(err))
	}
}
