package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/seovimalraj/cnc-quote-backend/config"
	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/seovimalraj/cnc-quote-backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EnqueueFunc publishes a recalc job on the broker and returns the
// broker-assigned message id. Production wires config.PublishRecalcJob.
type EnqueueFunc func(ctx context.Context, jobKey string, msg config.RecalcJobMessage) (string, error)

// CreateRunParams is the caller's request to start a recalculation run.
type CreateRunParams struct {
	OrgId       string              `validate:"required"`
	Reason      models.RecalcReason `validate:"required"`
	RequestedBy string
	Scope       *models.RecalcScope
	DryRun      bool
	TraceId     string
}

// Coordinator creates and validates runs, freezes their scope into item rows,
// and enqueues exactly one job per run.
type Coordinator struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Enqueue  EnqueueFunc
	Validate *validator.Validate
}

func NewCoordinator(db *gorm.DB, logger *logrus.Logger, enqueue EnqueueFunc) *Coordinator {
	return &Coordinator{
		DB:       db,
		Logger:   logger,
		Enqueue:  enqueue,
		Validate: validator.New(),
	}
}

type scopedItem struct {
	ID      string
	QuoteId string
}

// CreateRun resolves the scope into a concrete, ordered item list, persists
// the run and one item row per pair in a single transaction, and enqueues one
// job. An empty scope resolution is not an error: the run is created directly
// in succeeded with zero counts and no job is enqueued.
func (c *Coordinator) CreateRun(ctx context.Context, p CreateRunParams) (*models.PricingRecalcRun, error) {
	if err := c.Validate.Struct(p); err != nil {
		return nil, NewValidationError("", err.Error())
	}
	if !p.Reason.Valid() {
		return nil, NewValidationError("reason", fmt.Sprintf("unknown reason %q", p.Reason))
	}

	scope := p.Scope
	if scope == nil {
		scope = &models.RecalcScope{}
	}
	if scope.CreatedFrom != nil && scope.CreatedTo != nil && scope.CreatedFrom.After(*scope.CreatedTo) {
		return nil, NewValidationError("scope", "created_from is after created_to")
	}

	// Cross-tenant scope is always rejected, never silently filtered.
	if len(scope.TargetQuoteIds) > 0 {
		var foreign int64
		err := c.DB.WithContext(ctx).Model(&models.Quote{}).
			Where("id IN ? AND org_id <> ?", scope.TargetQuoteIds, p.OrgId).
			Count(&foreign).Error
		if err != nil {
			return nil, err
		}
		if foreign > 0 {
			return nil, NewValidationError("scope.target_quote_ids", "references quotes outside the organization")
		}
	}

	// Pin the published pricing-config version for the run's lifetime.
	version, err := models.ActivePricingVersion(c.DB.WithContext(ctx), p.OrgId)
	if errors.Is(err, models.ErrNoPublishedPricingConfig) {
		return nil, NewValidationError("org_id", "no published pricing config for org")
	}
	if err != nil {
		return nil, err
	}

	// Synchronous resolution freezes the run's membership: quotes created or
	// deleted afterwards never change an in-flight run.
	resolved, err := c.resolveScope(ctx, p.OrgId, scope)
	if err != nil {
		return nil, err
	}

	traceId := p.TraceId
	if traceId == "" {
		traceId = uuid.NewString()
	}
	scopeJSON, err := utils.MarshalToJSON(scope)
	if err != nil {
		return nil, err
	}

	run := &models.PricingRecalcRun{
		OrgId:       p.OrgId,
		Reason:      p.Reason,
		RequestedBy: optString(p.RequestedBy),
		Status:      models.RecalcRunStatusQueued,
		DryRun:      p.DryRun,
		Version:     version,
		ScopeJSON:   scopeJSON,
		TotalCount:  len(resolved),
	}
	if len(resolved) == 0 {
		now := time.Now().UTC()
		run.Status = models.RecalcRunStatusSucceeded
		run.FinishedAt = &now
	}

	err = c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(resolved) == 0 {
			return nil
		}
		items := make([]models.PricingRecalcItem, 0, len(resolved))
		for _, r := range resolved {
			items = append(items, models.PricingRecalcItem{
				RunId:       run.ID,
				OrgId:       p.OrgId,
				QuoteId:     r.QuoteId,
				QuoteItemId: r.ID,
				Status:      models.RecalcItemStatusQueued,
			})
		}
		return tx.CreateInBatches(items, 500).Error
	})
	if err != nil {
		return nil, err
	}

	if len(resolved) == 0 {
		return run, nil
	}

	jobKey := fmt.Sprintf("recalc:%s:%s", p.OrgId, scope.Hash())
	msgId, err := c.Enqueue(ctx, jobKey, config.RecalcJobMessage{
		Version:     1,
		TraceId:     traceId,
		OrgId:       p.OrgId,
		RunId:       run.ID,
		RequestedBy: p.RequestedBy,
		DryRun:      p.DryRun,
	})
	if err != nil {
		// The run exists but will never be delivered; surface the infra
		// failure on the run row and to the caller.
		errMsg := "enqueue failed: " + err.Error()
		now := time.Now().UTC()
		_ = c.DB.WithContext(ctx).Model(&models.PricingRecalcRun{}).
			Where("id = ?", run.ID).
			Updates(map[string]interface{}{
				"status":      models.RecalcRunStatusFailed,
				"error":       &errMsg,
				"finished_at": &now,
			}).Error
		return nil, fmt.Errorf("enqueue recalc job for run %s: %w", run.ID, err)
	}

	if c.Logger != nil {
		c.Logger.WithFields(logrus.Fields{
			"module":   "Coordinator",
			"org_id":   p.OrgId,
			"run_id":   run.ID,
			"reason":   p.Reason,
			"dry_run":  p.DryRun,
			"total":    run.TotalCount,
			"job_key":  jobKey,
			"msg_id":   msgId,
			"trace_id": traceId,
		}).Info("recalc run enqueued")
	}
	return run, nil
}

// PreviewScope returns the number of quote items the scope would resolve to
// right now, without creating a run.
func (c *Coordinator) PreviewScope(ctx context.Context, orgId string, scope *models.RecalcScope) (int, error) {
	if scope == nil {
		scope = &models.RecalcScope{}
	}
	resolved, err := c.resolveScope(ctx, orgId, scope)
	if err != nil {
		return 0, err
	}
	return len(resolved), nil
}

func (c *Coordinator) resolveScope(ctx context.Context, orgId string, scope *models.RecalcScope) ([]scopedItem, error) {
	q := c.DB.WithContext(ctx).
		Table("quote_items").
		Select("quote_items.id AS id, quote_items.quote_id AS quote_id").
		Joins("JOIN quotes ON quotes.id = quote_items.quote_id").
		Where("quotes.org_id = ? AND quotes.status = ?", orgId, models.QuoteStatusActive)

	if len(scope.TargetQuoteIds) > 0 {
		q = q.Where("quote_items.quote_id IN ?", scope.TargetQuoteIds)
	}
	if len(scope.Materials) > 0 {
		q = q.Where("quote_items.material IN ?", scope.Materials)
	}
	if len(scope.Processes) > 0 {
		q = q.Where("quote_items.process IN ?", scope.Processes)
	}
	if len(scope.MachineGroups) > 0 {
		q = q.Where("quote_items.machine_group IN ?", scope.MachineGroups)
	}
	if scope.CreatedFrom != nil {
		q = q.Where("quote_items.created_at >= ?", *scope.CreatedFrom)
	}
	if scope.CreatedTo != nil {
		q = q.Where("quote_items.created_at <= ?", *scope.CreatedTo)
	}

	var rows []scopedItem
	err := q.Order("quote_items.created_at ASC, quote_items.id ASC").Scan(&rows).Error
	return rows, err
}

// GetRun loads a run scoped to the org.
func (c *Coordinator) GetRun(ctx context.Context, orgId, runId string) (*models.PricingRecalcRun, error) {
	var run models.PricingRecalcRun
	err := c.DB.WithContext(ctx).
		Where("id = ? AND org_id = ?", runId, orgId).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the org's most recent runs, newest first.
func (c *Coordinator) ListRuns(ctx context.Context, orgId string, limit int) ([]models.PricingRecalcRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var runs []models.PricingRecalcRun
	err := c.DB.WithContext(ctx).
		Where("org_id = ?", orgId).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// ListItems returns a run's items ordered by creation, optionally filtered by
// status. A partial/failed run exposes enough per-item detail here for an
// operator to re-trigger only the failed subset.
func (c *Coordinator) ListItems(ctx context.Context, orgId, runId string, status models.RecalcItemStatus) ([]models.PricingRecalcItem, error) {
	if _, err := c.GetRun(ctx, orgId, runId); err != nil {
		return nil, err
	}
	q := c.DB.WithContext(ctx).Where("run_id = ?", runId)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var items []models.PricingRecalcItem
	err := q.Order("created_at ASC, id ASC").Find(&items).Error
	return items, err
}

// CancelRun raises the run's cancellation flag. The worker observes it before
// each item claim; in-flight items finish normally. Canceling an already
// terminal run is a no-op.
func (c *Coordinator) CancelRun(ctx context.Context, orgId, runId string) error {
	res := c.DB.WithContext(ctx).Model(&models.PricingRecalcRun{}).
		Where("id = ? AND org_id = ? AND status IN ?", runId, orgId,
			[]models.RecalcRunStatus{models.RecalcRunStatusQueued, models.RecalcRunStatusRunning}).
		Update("cancel_requested", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := c.GetRun(ctx, orgId, runId); err != nil {
			return err
		}
	}
	return nil
}
