package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/seovimalraj/cnc-quote-backend/config"
	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/seovimalraj/cnc-quote-backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecalcDirectProcessor drives stuck runs without Pub/Sub. It is a safety
// net: broker settings may exist but delivery/permissions can be
// misconfigured, leaving runs parked in queued forever. Processing is
// protected by run-status CAS and item-claim leases, so at-least-once
// execution is safe.
//
// To disable in production, explicitly set RECALC_DIRECT_PROCESSING=false.
type RecalcDirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Worker    *workflow.Worker
	BatchSize int
	Interval  time.Duration
	MinAge    time.Duration
}

func NewRecalcDirectProcessor(db *gorm.DB, logger *logrus.Logger, worker *workflow.Worker) *RecalcDirectProcessor {
	return &RecalcDirectProcessor{
		DB:        db,
		Logger:    logger,
		Worker:    worker,
		BatchSize: 10,
		Interval:  15 * time.Second,
		MinAge:    2 * time.Minute,
	}
}

func shouldRunDirectRecalcProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("RECALC_DIRECT_PROCESSING")))
	if val == "true" {
		return true
	}
	if val == "false" {
		return false
	}
	return true
}

func (p *RecalcDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil || p.Worker == nil {
		return
	}
	if !shouldRunDirectRecalcProcessor() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *RecalcDirectProcessor) processOnce(ctx context.Context) {
	// Queued runs older than MinAge have likely lost their delivery; running
	// runs whose items are all past lease belong to a crashed worker. Both
	// are safe to re-drive.
	cutoff := time.Now().UTC().Add(-p.MinAge)

	var stuck []models.PricingRecalcRun
	err := p.DB.WithContext(ctx).
		Where("(status = ? AND created_at <= ?) OR (status = ? AND started_at <= ?)",
			models.RecalcRunStatusQueued, cutoff,
			models.RecalcRunStatusRunning, cutoff).
		Order("created_at ASC").
		Limit(p.BatchSize).
		Find(&stuck).Error
	if err != nil {
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field": "RecalcDirectProcessor",
			}).Error("scan stuck runs failed: " + err.Error())
		}
		return
	}

	for _, run := range stuck {
		select {
		case <-ctx.Done():
			return
		default:
		}
		requestedBy := ""
		if run.RequestedBy != nil {
			requestedBy = *run.RequestedBy
		}
		_, err := p.Worker.Process(ctx, config.RecalcJobMessage{
			Version:     1,
			TraceId:     "direct:" + run.ID,
			OrgId:       run.OrgId,
			RunId:       run.ID,
			RequestedBy: requestedBy,
			DryRun:      run.DryRun,
		})
		if err != nil && !errors.Is(err, workflow.ErrRunBusy) {
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":  "RecalcDirectProcessor",
					"org_id": run.OrgId,
					"run_id": run.ID,
				}).Error("direct processing failed: " + err.Error())
			}
		}
	}
}
