package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/seovimalraj/cnc-quote-backend/config"
	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// ErrCircuitTripped annotates a run stopped early by the failure-rate
// breaker. The run still finalizes normally (remaining items skipped).
var ErrCircuitTripped = errors.New("circuit_breaker_tripped")

const maxAttemptsError = "max attempts exceeded"

// RunOutcomeSummary is the worker's report for one run delivery.
type RunOutcomeSummary struct {
	RunId        string                 `json:"run_id"`
	Status       models.RecalcRunStatus `json:"status"`
	TotalCount   int                    `json:"total_count"`
	SuccessCount int                    `json:"success_count"`
	FailedCount  int                    `json:"failed_count"`
	SkippedCount int                    `json:"skipped_count"`
	DryRun       bool                   `json:"dry_run"`
}

// Worker executes one run's frozen item list: claims items via conditional
// updates, reprices each against the pinned config version, isolates per-item
// failures, and keeps the run counters and progress broadcasts current.
type Worker struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Engine   PricingEngine
	Progress *ProgressPublisher
	Audit    *AuditSink
	Locker   *redislock.Client
	Settings config.RecalcSettings
}

func NewWorker(db *gorm.DB, logger *logrus.Logger, engine PricingEngine, progress *ProgressPublisher, audit *AuditSink, locker *redislock.Client, settings config.RecalcSettings) *Worker {
	return &Worker{
		DB:       db,
		Logger:   logger,
		Engine:   engine,
		Progress: progress,
		Audit:    audit,
		Locker:   locker,
		Settings: settings,
	}
}

// runCounters tracks in-memory terminal tallies for progress broadcasts.
// The database rows, not these, are the source of truth at finalization.
type runCounters struct {
	mu      sync.Mutex
	success int
	failed  int
	skipped int
	total   int
}

func (c *runCounters) add(status models.RecalcItemStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch status {
	case models.RecalcItemStatusSucceeded:
		c.success++
	case models.RecalcItemStatusFailed:
		c.failed++
	case models.RecalcItemStatusSkipped:
		c.skipped++
	}
}

func (c *runCounters) snapshot() (success, failed, skipped, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.success, c.failed, c.skipped, c.total
}

// circuitBreaker watches the failure rate over a sliding window of attempted
// items (skips excluded). Once the window is full and the rate reaches the
// threshold it stays tripped for the rest of the run.
type circuitBreaker struct {
	mu        sync.Mutex
	window    int
	threshold float64
	results   []bool
	idx       int
	filled    int
	tripped   bool
}

func newCircuitBreaker(window int, threshold float64) *circuitBreaker {
	if window <= 0 {
		window = 50
	}
	return &circuitBreaker{
		window:    window,
		threshold: threshold,
		results:   make([]bool, window),
	}
}

func (b *circuitBreaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[b.idx] = failed
	b.idx = (b.idx + 1) % b.window
	if b.filled < b.window {
		b.filled++
	}
	if b.filled < b.window || b.threshold <= 0 {
		return
	}
	failures := 0
	for _, f := range b.results {
		if f {
			failures++
		}
	}
	if float64(failures)/float64(b.window) >= b.threshold {
		b.tripped = true
	}
}

func (b *circuitBreaker) isTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Process handles one delivery of a run job. Redeliveries of an already
// terminal run are no-ops returning the stored outcome. The returned error is
// nil for every terminal outcome (including partial and failed); a non-nil
// error means delivery should be retried.
func (w *Worker) Process(ctx context.Context, msg config.RecalcJobMessage) (*RunOutcomeSummary, error) {
	ctx, span := otel.Tracer("recalc-worker").Start(ctx, "recalc.process_run")
	span.SetAttributes(
		attribute.String("org_id", msg.OrgId),
		attribute.String("run_id", msg.RunId),
		attribute.Bool("dry_run", msg.DryRun),
	)
	defer span.End()

	var run models.PricingRecalcRun
	err := w.DB.WithContext(ctx).
		Where("id = ? AND org_id = ?", msg.RunId, msg.OrgId).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	if run.Status.Terminal() {
		// At-least-once delivery: the run already finished on a previous
		// delivery, acknowledge without touching anything.
		return summaryOf(&run), nil
	}

	lock, err := AcquireRunLock(ctx, w.Locker, run.ID, w.Settings.RunLockTTL)
	if err != nil {
		return nil, err
	}
	defer ReleaseRunLock(ctx, lock)

	jobId := w.jobIdOf(&run)

	now := time.Now().UTC()
	res := w.DB.WithContext(ctx).Model(&models.PricingRecalcRun{}).
		Where("id = ? AND status = ?", run.ID, models.RecalcRunStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.RecalcRunStatusRunning,
			"started_at": &now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	// Zero rows means the run was already running (crashed delivery); stale
	// item claims are recovered below via the lease window.
	run.Status = models.RecalcRunStatusRunning

	counters := &runCounters{total: run.TotalCount}
	counters.success, counters.failed, counters.skipped = w.countTerminalItems(ctx, run.ID)

	w.publishProgress(ctx, &run, jobId, msg.TraceId, "started", counters, "", nil)

	var pending []models.PricingRecalcItem
	err = w.DB.WithContext(ctx).
		Where("run_id = ? AND status IN ?", run.ID,
			[]models.RecalcItemStatus{models.RecalcItemStatusQueued, models.RecalcItemStatusProcessing}).
		Order("created_at ASC, id ASC").
		Find(&pending).Error
	if err != nil {
		return nil, err
	}

	breaker := newCircuitBreaker(w.Settings.CircuitWindow, w.Settings.CircuitThreshold)
	canceled := w.processItems(ctx, &run, msg, jobId, pending, counters, breaker)

	return w.finalize(ctx, &run, msg, jobId, counters, breaker, canceled)
}

func (w *Worker) processItems(ctx context.Context, run *models.PricingRecalcRun, msg config.RecalcJobMessage, jobId string, pending []models.PricingRecalcItem, counters *runCounters, breaker *circuitBreaker) (canceled bool) {
	concurrency := w.Settings.ItemConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		cancelMu   sync.Mutex
		cancelSeen bool
	)
	markCanceled := func() {
		cancelMu.Lock()
		cancelSeen = true
		cancelMu.Unlock()
	}
	isCanceled := func() bool {
		cancelMu.Lock()
		defer cancelMu.Unlock()
		return cancelSeen
	}

	work := make(chan models.PricingRecalcItem)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if breaker.isTripped() || isCanceled() {
					continue
				}
				// Cancellation is observed before each claim; in-flight
				// items always finish normally.
				if w.cancelRequested(ctx, run.ID) {
					markCanceled()
					continue
				}
				w.processOne(ctx, run, msg, jobId, item, counters, breaker)
			}
		}()
	}
	for _, item := range pending {
		work <- item
	}
	close(work)
	wg.Wait()
	return isCanceled()
}

// processOne claims and reprices a single item. Every claimed item reaches a
// terminal status; failures are isolated to the item.
func (w *Worker) processOne(ctx context.Context, run *models.PricingRecalcRun, msg config.RecalcJobMessage, jobId string, item models.PricingRecalcItem, counters *runCounters, breaker *circuitBreaker) {
	staleBefore := time.Now().UTC().Add(-w.Settings.ItemLease)
	now := time.Now().UTC()
	claim := w.DB.WithContext(ctx).Model(&models.PricingRecalcItem{}).
		Where("id = ? AND (status = ? OR (status = ? AND started_at <= ?))",
			item.ID, models.RecalcItemStatusQueued, models.RecalcItemStatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":     models.RecalcItemStatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": &now,
		})
	if claim.Error != nil {
		w.logItemError(run, item.ID, "claim item", claim.Error)
		return
	}
	if claim.RowsAffected == 0 {
		// Held by another worker within its lease, or already terminal.
		return
	}

	var claimed models.PricingRecalcItem
	if err := w.DB.WithContext(ctx).First(&claimed, "id = ?", item.ID).Error; err != nil {
		w.logItemError(run, item.ID, "reload claimed item", err)
		return
	}

	if w.Settings.MaxItemAttempts > 0 && claimed.Attempts > w.Settings.MaxItemAttempts {
		w.finishItem(ctx, run, &claimed, models.RecalcItemStatusFailed, nil, maxAttemptsError)
		counters.add(models.RecalcItemStatusFailed)
		breaker.record(true)
		w.publishItemProgress(ctx, run, msg, jobId, counters)
		return
	}

	status, delta, errMsg := w.repriceItem(ctx, run, msg, &claimed)
	w.finishItem(ctx, run, &claimed, status, delta, errMsg)
	counters.add(status)
	if status != models.RecalcItemStatusSkipped {
		breaker.record(status == models.RecalcItemStatusFailed)
	}
	w.publishItemProgress(ctx, run, msg, jobId, counters)
}

// repriceItem prices one quote item against the run's pinned version and
// applies the result. It never writes item terminal state; the caller does.
func (w *Worker) repriceItem(ctx context.Context, run *models.PricingRecalcRun, msg config.RecalcJobMessage, item *models.PricingRecalcItem) (models.RecalcItemStatus, *decimal.Decimal, string) {
	var quoteItem models.QuoteItem
	err := w.DB.WithContext(ctx).First(&quoteItem, "id = ?", item.QuoteItemId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Deleted since the scope was frozen: skip, never fail.
		return models.RecalcItemStatusSkipped, nil, ""
	}
	if err != nil {
		return models.RecalcItemStatusFailed, nil, "load quote item: " + err.Error()
	}

	var quote models.Quote
	err = w.DB.WithContext(ctx).First(&quote, "id = ?", item.QuoteId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && quote.Status != models.QuoteStatusActive) {
		// Quote deleted or locked since the scope was frozen.
		return models.RecalcItemStatusSkipped, nil, ""
	}
	if err != nil {
		return models.RecalcItemStatusFailed, nil, "load quote: " + err.Error()
	}

	priceCtx := ctx
	if w.Settings.PricingTimeout > 0 {
		var cancel context.CancelFunc
		priceCtx, cancel = context.WithTimeout(ctx, w.Settings.PricingTimeout)
		defer cancel()
	}
	result, err := w.Engine.CalculatePrice(priceCtx, &quoteItem, run.Version)
	if err != nil {
		return models.RecalcItemStatusFailed, nil, "pricing: " + err.Error()
	}

	var prior map[string]interface{}
	if quoteItem.PricedSnapshot != "" {
		if err := json.Unmarshal([]byte(quoteItem.PricedSnapshot), &prior); err != nil {
			prior = nil
		}
	}
	diff := SnapshotDiff(prior, result.Snapshot)
	delta := result.Total.Sub(quoteItem.Total)

	// The audit trail records the computed diff for every item, dry runs
	// included; only the quote mutation is withheld on a dry run.
	w.Audit.Log(ctx, AuditEntry{
		Action:       "pricing.recalc.item",
		ResourceType: "quote_item",
		ResourceId:   quoteItem.ID,
		Before:       prior,
		After: map[string]interface{}{
			"snapshot":    result.Snapshot,
			"diff":        diff,
			"delta_total": delta.String(),
			"dry_run":     run.DryRun,
		},
		Ctx: AuditContext{
			OrgId:   run.OrgId,
			UserId:  msg.RequestedBy,
			TraceId: msg.TraceId,
		},
	})

	if !run.DryRun {
		snapshotJSON, err := json.Marshal(result.Snapshot)
		if err != nil {
			return models.RecalcItemStatusFailed, nil, "marshal snapshot: " + err.Error()
		}
		err = w.DB.WithContext(ctx).Model(&models.QuoteItem{}).
			Where("id = ?", quoteItem.ID).
			Updates(map[string]interface{}{
				"total":           result.Total,
				"priced_snapshot": string(snapshotJSON),
				"pricing_version": run.Version,
			}).Error
		if err != nil {
			return models.RecalcItemStatusFailed, nil, "persist price: " + err.Error()
		}
	}
	return models.RecalcItemStatusSucceeded, &delta, ""
}

// finishItem moves a claimed item to a terminal status and bumps the run's
// counter for it. Guarded on status=processing so a reclaimed duplicate can
// never double-count.
func (w *Worker) finishItem(ctx context.Context, run *models.PricingRecalcRun, item *models.PricingRecalcItem, status models.RecalcItemStatus, delta *decimal.Decimal, errMsg string) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": &now,
		"error":       nil,
	}
	if status == models.RecalcItemStatusFailed && errMsg != "" {
		updates["error"] = &errMsg
	}
	if delta != nil {
		updates["delta_total"] = delta
	}
	res := w.DB.WithContext(ctx).Model(&models.PricingRecalcItem{}).
		Where("id = ? AND status = ?", item.ID, models.RecalcItemStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		w.logItemError(run, item.ID, "finish item", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	counterCol := ""
	switch status {
	case models.RecalcItemStatusSucceeded:
		counterCol = "success_count"
	case models.RecalcItemStatusFailed:
		counterCol = "failed_count"
	case models.RecalcItemStatusSkipped:
		counterCol = "skipped_count"
	}
	if counterCol != "" {
		err := w.DB.WithContext(ctx).Model(&models.PricingRecalcRun{}).
			Where("id = ?", run.ID).
			UpdateColumn(counterCol, gorm.Expr(counterCol+" + 1")).Error
		if err != nil {
			w.logItemError(run, item.ID, "bump run counter", err)
		}
	}
}

// finalize settles the run: skips the rest on cancel or a tripped breaker,
// recounts terminal items from rows, derives the final status, and emits the
// terminal progress event.
func (w *Worker) finalize(ctx context.Context, run *models.PricingRecalcRun, msg config.RecalcJobMessage, jobId string, counters *runCounters, breaker *circuitBreaker, canceled bool) (*RunOutcomeSummary, error) {
	var runErr *string
	if canceled || breaker.isTripped() {
		skippedNow, err := w.skipRemaining(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		counters.mu.Lock()
		counters.skipped += skippedNow
		counters.mu.Unlock()
		if breaker.isTripped() && !canceled {
			reason := ErrCircuitTripped.Error()
			runErr = &reason
		}
	}

	// Items still leased by another worker block finalization; returning an
	// error nacks the delivery so a later one settles the run once the
	// leases resolve.
	var nonTerminal int64
	err := w.DB.WithContext(ctx).Model(&models.PricingRecalcItem{}).
		Where("run_id = ? AND status IN ?", run.ID,
			[]models.RecalcItemStatus{models.RecalcItemStatusQueued, models.RecalcItemStatusProcessing}).
		Count(&nonTerminal).Error
	if err != nil {
		return nil, err
	}
	if nonTerminal > 0 {
		return nil, fmt.Errorf("run %s has %d unsettled items, deferring finalization", run.ID, nonTerminal)
	}

	// Terminal counts come from item rows, not the incremental counters:
	// the invariant success+failed+skipped == total must hold exactly.
	success, failed, skipped := w.countTerminalItems(ctx, run.ID)

	finalStatus := models.FinalRunStatus(success, failed, skipped)
	if canceled {
		finalStatus = models.RecalcRunStatusCanceled
	}

	now := time.Now().UTC()
	res := w.DB.WithContext(ctx).Model(&models.PricingRecalcRun{}).
		Where("id = ? AND status = ?", run.ID, models.RecalcRunStatusRunning).
		Updates(map[string]interface{}{
			"status":        finalStatus,
			"success_count": success,
			"failed_count":  failed,
			"skipped_count": skipped,
			"finished_at":   &now,
			"error":         runErr,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	run.Status = finalStatus
	run.SuccessCount = success
	run.FailedCount = failed
	run.SkippedCount = skipped
	run.FinishedAt = &now
	run.Error = runErr

	summary := summaryOf(run)
	errText := ""
	if runErr != nil {
		errText = *runErr
	}
	counters.mu.Lock()
	counters.success, counters.failed, counters.skipped = success, failed, skipped
	counters.mu.Unlock()
	w.publishProgress(ctx, run, jobId, msg.TraceId, string(finalStatus), counters, errText, summary)

	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"module":  "RecalcWorker",
			"org_id":  run.OrgId,
			"run_id":  run.ID,
			"status":  finalStatus,
			"success": success,
			"failed":  failed,
			"skipped": skipped,
			"total":   run.TotalCount,
			"dry_run": run.DryRun,
		}).Info("recalc run finished")
	}
	return summary, nil
}

// skipRemaining marks every still-queued item skipped, plus any claim whose
// lease has lapsed (a crashed worker's leftovers).
func (w *Worker) skipRemaining(ctx context.Context, runId string) (int, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-w.Settings.ItemLease)
	res := w.DB.WithContext(ctx).Model(&models.PricingRecalcItem{}).
		Where("run_id = ? AND (status = ? OR (status = ? AND started_at <= ?))",
			runId, models.RecalcItemStatusQueued, models.RecalcItemStatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":      models.RecalcItemStatusSkipped,
			"finished_at": &now,
		})
	return int(res.RowsAffected), res.Error
}

func (w *Worker) countTerminalItems(ctx context.Context, runId string) (success, failed, skipped int) {
	type row struct {
		Status models.RecalcItemStatus
		N      int
	}
	var rows []row
	err := w.DB.WithContext(ctx).Model(&models.PricingRecalcItem{}).
		Select("status, COUNT(*) AS n").
		Where("run_id = ?", runId).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		w.logItemError(&models.PricingRecalcRun{ID: runId}, "", "count terminal items", err)
		return 0, 0, 0
	}
	for _, r := range rows {
		switch r.Status {
		case models.RecalcItemStatusSucceeded:
			success = r.N
		case models.RecalcItemStatusFailed:
			failed = r.N
		case models.RecalcItemStatusSkipped:
			skipped = r.N
		}
	}
	return success, failed, skipped
}

func (w *Worker) cancelRequested(ctx context.Context, runId string) bool {
	var run models.PricingRecalcRun
	err := w.DB.WithContext(ctx).Select("cancel_requested").
		Where("id = ?", runId).
		First(&run).Error
	if err != nil {
		return false
	}
	return run.CancelRequested
}

// jobIdOf reconstructs the dispatch key recalc:{orgId}:{scopeHash} used as
// the progress channel's job id.
func (w *Worker) jobIdOf(run *models.PricingRecalcRun) string {
	scope, err := run.Scope()
	if err != nil {
		scope = &models.RecalcScope{}
	}
	return fmt.Sprintf("recalc:%s:%s", run.OrgId, scope.Hash())
}

func (w *Worker) publishItemProgress(ctx context.Context, run *models.PricingRecalcRun, msg config.RecalcJobMessage, jobId string, counters *runCounters) {
	w.publishProgress(ctx, run, jobId, msg.TraceId, "progress", counters, "", nil)
}

func (w *Worker) publishProgress(ctx context.Context, run *models.PricingRecalcRun, jobId, traceId, status string, counters *runCounters, errText string, result interface{}) {
	if w.Progress == nil {
		return
	}
	success, failed, skipped, total := counters.snapshot()
	terminal := success + failed + skipped
	percent := 100
	if total > 0 {
		// Round half up.
		percent = (terminal*100 + total/2) / total
	}
	var message string
	switch status {
	case "started":
		message = fmt.Sprintf("Repricing %d quote items", total)
	case "progress":
		message = fmt.Sprintf("Repriced %d/%d quote items", terminal, total)
	default:
		message = fmt.Sprintf("Run %s: %d succeeded, %d failed, %d skipped", status, success, failed, skipped)
	}
	w.Progress.Publish(ctx, run.OrgId, ProgressPayload{
		JobId:    jobId,
		Status:   status,
		Progress: percent,
		Message:  message,
		TraceId:  traceId,
		Error:    errText,
		Result:   result,
		Meta: map[string]interface{}{
			"run_id":  run.ID,
			"success": success,
			"failed":  failed,
			"skipped": skipped,
			"total":   total,
			"dry_run": run.DryRun,
		},
	})
}

func (w *Worker) logItemError(run *models.PricingRecalcRun, itemId, context string, err error) {
	if w.Logger == nil || err == nil {
		return
	}
	w.Logger.WithFields(logrus.Fields{
		"module":  "RecalcWorker",
		"context": context,
		"run_id":  run.ID,
		"item_id": itemId,
	}).Error(err.Error())
}

func summaryOf(run *models.PricingRecalcRun) *RunOutcomeSummary {
	return &RunOutcomeSummary{
		RunId:        run.ID,
		Status:       run.Status,
		TotalCount:   run.TotalCount,
		SuccessCount: run.SuccessCount,
		FailedCount:  run.FailedCount,
		SkippedCount: run.SkippedCount,
		DryRun:       run.DryRun,
	}
}
