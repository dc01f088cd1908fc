package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	mqcontracts "sigmamail/contracts/mq"
	"sigmamail/internal/action"
	"sigmamail/internal/ai"
	"sigmamail/internal/classification"
	"sigmamail/internal/config"
	"sigmamail/internal/embedding"
	"sigmamail/internal/feedback"
	"sigmamail/internal/llm"
	"sigmamail/internal/mqhandler"
	"sigmamail/internal/repository"
	"sigmamail/internal/service"
	"sigmamail/internal/telemetry"
	"sigmamail/pkg/circuitbreaker"
	pkgconfig "sigmamail/pkg/config"
	"sigmamail/pkg/db"
	"sigmamail/pkg/logger"
	"sigmamail/pkg/mq"
	"sigmamail/pkg/outbox"
	redisclient "sigmamail/pkg/redis"
	"sigmamail/pkg/util"
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

	log.Info("Starting worker...", zap.String("env", cfg.Env))

	// Redis
	rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	// DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	// MQ publisher: outbox 事件和 DLQ
	publisher, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
	if err != nil {
		log.Fatal("MQ publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	// repositories
	emailRepo := repository.NewEmailRepository(dbConn)
	triageRepo := repository.NewTriageRepository(dbConn)
	seedRepo := repository.NewSeedRepository(dbConn)
	ruleRepo := repository.NewFeedbackRuleRepository(dbConn)
	outboxRepo := outbox.NewRepository(dbConn)

	// classification
	embedder := embedding.NewClient(cfg.Embedding, circuitbreaker.New("embedding", cfg.Breaker, log), log)
	feedbackStore := feedback.NewStore(ruleRepo, emailRepo, cfg.Feedback, log)
	seedCache := classification.NewEmbeddingCache(seedRepo, cfg.Classifier.SemanticCacheTTL, cfg.Classifier.MinVectorSize, log)
	engine := classification.NewEngine(cfg.Classifier, seedCache, embedder, feedbackStore, log)

	// action + AI
	actions := action.NewOrchestrator(cfg.Action, action.NewWhenParser(), log)
	llmClient := llm.NewClient(cfg.LLM, circuitbreaker.New("gemini", cfg.Breaker, log), log)
	recorder := telemetry.NewRecorder(rdb, cfg.AI.TelemetryKeep, cfg.AI.TelemetryTimeout, log)
	orch := ai.NewOrchestrator(cfg.AI, llmClient, ai.NewResultCache(rdb), recorder, log)
	defer orch.Flush()

	// services
	triage := service.NewTriageService(dbConn, emailRepo, triageRepo, outboxRepo, engine, actions, orch, log)
	reevaluation := service.NewReevaluationService(dbConn, emailRepo, triageRepo, outboxRepo, actions,
		cfg.Worker.ReevaluationInterval, cfg.Worker.ReevaluationBatch, log)

	// handler
	handler := mqhandler.NewEmailReceivedTriageHandler(
		triage,
		emailRepo,
		util.NewDeduper(rdb, cfg.Worker.DedupTTL, log),
		util.NewRetryCounter(rdb, cfg.Worker.DedupTTL),
		publisher,
		cfg.Worker.MaxRetries,
		log,
	)

	log.Info("Init consumer", zap.String("queue", cfg.Worker.Queue))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, cfg.Worker.Queue, mqcontracts.RoutingKeyEmailReceived, cfg.MQ.Prefetch, log)
	if err != nil {
		log.Fatal("Consumer init failed", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(handler.HandleEmailReceived)

	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).WithInterval(cfg.Worker.OutboxInterval)
	go dispatcher.Start(ctx)

	go func() {
		if err := reevaluation.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Reevaluation loop exited", zap.Error(err))
		}
	}()

	log.Info("Worker running")
	if err := consumer.StartConsuming(ctx); err != nil {
		log.Error("Consumer stopped", zap.Error(err))
	}
	log.Info("Worker shutting down")
}
