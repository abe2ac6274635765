package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/seovimalraj/cnc-quote-backend/config"
	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunHandlerName keys the durable idempotency record for run-job deliveries.
const RunHandlerName = "PricingRecalcRun"

// DefaultMaxDeliveryAttempts bounds broker redelivery of one job before the
// run is written off as failed.
const DefaultMaxDeliveryAttempts = 5

// Consumer ties broker deliveries to the worker behind a durable idempotency
// record, so at-least-once delivery never reprocesses a finished run.
type Consumer struct {
	DB                  *gorm.DB
	Logger              *logrus.Logger
	Worker              *Worker
	MaxDeliveryAttempts int
}

func NewConsumer(db *gorm.DB, logger *logrus.Logger, worker *Worker) *Consumer {
	return &Consumer{
		DB:                  db,
		Logger:              logger,
		Worker:              worker,
		MaxDeliveryAttempts: DefaultMaxDeliveryAttempts,
	}
}

// Run blocks receiving run jobs from the subscription until ctx is canceled.
func (c *Consumer) Run(ctx context.Context, sub *pubsub.Subscription) error {
	return sub.Receive(ctx, func(msgCtx context.Context, m *pubsub.Message) {
		attempt := 0
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		if c.HandleJob(msgCtx, m.Data, m.ID) {
			m.Ack()
			return
		}
		if c.MaxDeliveryAttempts > 0 && attempt >= c.MaxDeliveryAttempts {
			// Transient failures have exhausted their redelivery budget;
			// the run gets a top-level error instead of looping forever.
			c.FailRunAfterRetries(msgCtx, m.Data, attempt)
			m.Ack()
			return
		}
		m.Nack()
	})
}

// FailRunAfterRetries marks a still-active run failed once its delivery
// attempts are spent.
func (c *Consumer) FailRunAfterRetries(ctx context.Context, data []byte, attempt int) {
	var msg config.RecalcJobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	errMsg := fmt.Sprintf("delivery attempts exhausted after %d tries", attempt)
	now := time.Now().UTC()
	res := c.DB.WithContext(ctx).Model(&models.PricingRecalcRun{}).
		Where("id = ? AND org_id = ? AND status IN ?", msg.RunId, msg.OrgId,
			[]models.RecalcRunStatus{models.RecalcRunStatusQueued, models.RecalcRunStatusRunning}).
		Updates(map[string]interface{}{
			"status":      models.RecalcRunStatusFailed,
			"error":       &errMsg,
			"finished_at": &now,
		})
	if res.Error != nil {
		c.logError(msg, "", "fail run after retries", res.Error)
		return
	}
	if res.RowsAffected > 0 && c.Logger != nil {
		c.Logger.WithFields(logrus.Fields{
			"module":  "RecalcConsumer",
			"org_id":  msg.OrgId,
			"run_id":  msg.RunId,
			"attempt": attempt,
		}).Error("run failed: " + errMsg)
	}
}

// HandleJob processes one delivery and reports whether to ack it. Malformed
// or unroutable messages are acked (poison); transient failures are nacked
// for redelivery.
func (c *Consumer) HandleJob(ctx context.Context, data []byte, messageId string) bool {
	var msg config.RecalcJobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logDrop(messageId, "unmarshal job message", err)
		return true
	}
	if msg.OrgId == "" || msg.RunId == "" {
		c.logDrop(messageId, "job message missing org_id/run_id", nil)
		return true
	}

	skip, err := BeginIdempotency(c.DB.WithContext(ctx), msg.OrgId, RunHandlerName, messageId)
	if errors.Is(err, ErrIdempotencyInProgress) {
		return false
	}
	if err != nil {
		c.logError(msg, messageId, "begin idempotency", err)
		return false
	}
	if skip {
		return true
	}

	summary, err := c.Worker.Process(ctx, msg)
	switch {
	case err == nil:
		if markErr := MarkIdempotencySucceeded(c.DB.WithContext(ctx), msg.OrgId, RunHandlerName, messageId); markErr != nil {
			c.logError(msg, messageId, "mark idempotency succeeded", markErr)
		}
		if c.Logger != nil && summary != nil {
			c.Logger.WithFields(logrus.Fields{
				"module":     "RecalcConsumer",
				"org_id":     msg.OrgId,
				"run_id":     msg.RunId,
				"message_id": messageId,
				"status":     summary.Status,
			}).Info("run job processed")
		}
		return true

	case errors.Is(err, ErrRunNotFound) || IsValidationError(err):
		// Unroutable forever: ack so the broker stops redelivering.
		_ = MarkIdempotencyFailed(c.DB.WithContext(ctx), msg.OrgId, RunHandlerName, messageId, err)
		c.logError(msg, messageId, "drop unroutable job", err)
		return true

	case errors.Is(err, ErrRunBusy):
		// Another instance holds the run lock; the redelivery will land
		// after its lease or find the run terminal.
		_ = MarkIdempotencyFailed(c.DB.WithContext(ctx), msg.OrgId, RunHandlerName, messageId, err)
		return false

	default:
		_ = MarkIdempotencyFailed(c.DB.WithContext(ctx), msg.OrgId, RunHandlerName, messageId, err)
		c.logError(msg, messageId, "process run job", err)
		return false
	}
}

func (c *Consumer) logDrop(messageId, context string, err error) {
	if c.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"module":     "RecalcConsumer",
		"context":    context,
		"message_id": messageId,
	}
	if err != nil {
		c.Logger.WithFields(fields).Error(err.Error())
		return
	}
	c.Logger.WithFields(fields).Error("dropping message")
}

func (c *Consumer) logError(msg config.RecalcJobMessage, messageId, context string, err error) {
	if c.Logger == nil || err == nil {
		return
	}
	c.Logger.WithFields(logrus.Fields{
		"module":     "RecalcConsumer",
		"context":    context,
		"org_id":     msg.OrgId,
		"run_id":     msg.RunId,
		"message_id": messageId,
	}).Error(err.Error())
}
