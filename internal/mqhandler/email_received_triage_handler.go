package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "sigmamail/contracts/mq"
	"sigmamail/internal/model"
	"sigmamail/pkg/logger"
	"sigmamail/pkg/util"
)

const handlerName = "triage"

// Processor 由 service.TriageService 实现
type Processor interface {
	Process(ctx context.Context, userID int, emailID string) (*model.TriageRecord, error)
}

// EmailUpserter 由 repository.EmailRepository 实现
type EmailUpserter interface {
	Upsert(ctx context.Context, e *model.Email) error
}

// DeadLetterPublisher 由 mq.Publisher 实现
type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, errorType, originalError string) error
}

type EmailReceivedTriageHandler struct {
	processor    Processor
	emails       EmailUpserter
	deduper      *util.Deduper
	retryCounter *util.RetryCounter
	dlq          DeadLetterPublisher
	maxRetries   int64
	logger       *zap.Logger
}

func NewEmailReceivedTriageHandler(
	processor Processor,
	emails EmailUpserter,
	deduper *util.Deduper,
	retryCounter *util.RetryCounter,
	dlq DeadLetterPublisher,
	maxRetries int64,
	log *zap.Logger,
) *EmailReceivedTriageHandler {
	return &EmailReceivedTriageHandler{
		processor:    processor,
		emails:       emails,
		deduper:      deduper,
		retryCounter: retryCounter,
		dlq:          dlq,
		maxRetries:   maxRetries,
		logger:       logger.OrNop(log),
	}
}

// HandleEmailReceived 返回 error 表示需要 nack 重新入队；
// 格式错误、不可重试或超过重试上限的消息转 DLQ 后 ack
func (h *EmailReceivedTriageHandler) HandleEmailReceived(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontracts.EmailReceivedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Failed to unmarshal email received payload (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		return h.deadLetter(ctx, log, raw, "json_decode_error", err)
	}
	if p.Email != nil {
		if p.EmailID == "" {
			p.EmailID = p.Email.ID
		}
		if p.UserID == 0 {
			p.UserID = p.Email.UserID
		}
	}
	if p.EmailID == "" || p.UserID == 0 {
		log.Error("Email received payload without email_id or user_id", zap.String("raw_payload", string(raw)))
		return h.deadLetter(ctx, log, raw, "invalid_payload", fmt.Errorf("missing email_id or user_id"))
	}

	log = log.With(zap.String("email_id", p.EmailID), zap.Int("user_id", p.UserID))

	if p.Email != nil {
		p.Email.ID = p.EmailID
		p.Email.UserID = p.UserID
		if err := h.emails.Upsert(ctx, p.Email); err != nil {
			return h.handleError(ctx, log, raw, "", 0, err)
		}
	}

	// Redis 去重：同一封邮件只分拣一次
	if !h.deduper.AcquireOnce(ctx, handlerName, p.EmailID) {
		return nil
	}

	retryKey := util.FormatRetryKey(handlerName, p.EmailID)
	retryCount, err := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if err != nil {
		log.Warn("Failed to get retry count, continuing anyway", zap.Error(err))
		retryCount = 1
	}

	if _, err := h.processor.Process(ctx, p.UserID, p.EmailID); err != nil {
		h.deduper.Release(ctx, handlerName, p.EmailID)
		return h.handleError(ctx, log, raw, retryKey, retryCount, err)
	}

	if err := h.retryCounter.Reset(ctx, retryKey); err != nil {
		log.Warn("Failed to reset retry count", zap.Error(err))
	}
	return nil
}

func (h *EmailReceivedTriageHandler) handleError(ctx context.Context, log *zap.Logger, raw []byte, retryKey string, retryCount int64, err error) error {
	isRetryable, errType := util.IsRetryableError(err)
	log.Error("Failed to triage email",
		zap.String("error_type", errType),
		zap.Bool("retryable", isRetryable),
		zap.Int64("retry_count", retryCount),
		zap.Error(err),
	)

	reset := func() {
		if retryKey == "" {
			return
		}
		if err := h.retryCounter.Reset(ctx, retryKey); err != nil {
			log.Warn("Failed to reset retry count", zap.Error(err))
		}
	}

	switch {
	case errType == "email_not_found":
		// 邮件已被删除，没有重试的意义
		reset()
		return nil
	case !isRetryable:
		reset()
		return h.deadLetter(ctx, log, raw, errType, err)
	case retryKey != "" && !util.ShouldRetry(retryCount, h.maxRetries, isRetryable):
		log.Warn("Max retries exceeded, sending to DLQ", zap.Int64("max_retries", h.maxRetries))
		reset()
		return h.deadLetter(ctx, log, raw, "max_retries_exceeded", err)
	default:
		return err
	}
}

// deadLetter 转 DLQ 成功后 ack；DLQ 不可用时 nack 保留消息
func (h *EmailReceivedTriageHandler) deadLetter(ctx context.Context, log *zap.Logger, raw []byte, errType string, cause error) error {
	if h.dlq == nil {
		log.Warn("No DLQ configured, dropping message", zap.String("error_type", errType))
		return nil
	}
	if err := h.dlq.PublishToDLQ(ctx, mqcontracts.RoutingKeyEmailReceived, raw, errType, cause.Error()); err != nil {
		log.Error("Failed to publish to DLQ", zap.String("error_type", errType), zap.Error(err))
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
