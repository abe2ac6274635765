package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/seovimalraj/cnc-quote-backend/config"
	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func createTestRun(t *testing.T, db *gorm.DB, orgId string, scope *models.RecalcScope, dryRun bool) (*models.PricingRecalcRun, config.RecalcJobMessage) {
	t.Helper()
	coord := NewCoordinator(db, newTestLogger(), (&capturingEnqueue{}).fn)
	run, err := coord.CreateRun(context.Background(), CreateRunParams{
		OrgId:   orgId,
		Reason:  models.RecalcReasonManual,
		Scope:   scope,
		DryRun:  dryRun,
		TraceId: "trace-test",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run, config.RecalcJobMessage{
		Version: 1,
		TraceId: "trace-test",
		OrgId:   orgId,
		RunId:   run.ID,
		DryRun:  dryRun,
	}
}

func assertCountInvariant(t *testing.T, run *models.PricingRecalcRun) {
	t.Helper()
	if run.SuccessCount+run.FailedCount+run.SkippedCount != run.TotalCount {
		t.Fatalf("count invariant violated: %d+%d+%d != %d",
			run.SuccessCount, run.FailedCount, run.SkippedCount, run.TotalCount)
	}
}

func TestWorkerPartialRunIsolatesFailures(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v2")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "100")
	poison := seedQuoteItem(t, db, quote, "titanium", "cnc-milling", "200")
	seedQuoteItem(t, db, quote, "aluminum", "cnc-turning", "50")

	run, msg := createTestRun(t, db, "org-1", nil, false)

	engine := &fakeEngine{fn: func(item *models.QuoteItem) (*PriceResult, error) {
		if item.Material == "titanium" {
			return nil, errors.New("unsupported alloy")
		}
		return &PriceResult{
			Total:    decimal.NewFromInt(150),
			Snapshot: map[string]interface{}{"total": 150},
		}, nil
	}}
	worker := newTestWorker(t, db, engine, testSettings())

	summary, err := worker.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if summary.Status != models.RecalcRunStatusPartial {
		t.Fatalf("status = %s, want partial", summary.Status)
	}
	if summary.SuccessCount != 2 || summary.FailedCount != 1 || summary.SkippedCount != 0 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/0",
			summary.SuccessCount, summary.FailedCount, summary.SkippedCount)
	}

	var reloaded models.PricingRecalcRun
	if err := db.First(&reloaded, "id = ?", run.ID).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	assertCountInvariant(t, &reloaded)
	if reloaded.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	// The failing item records its error; the others got repriced.
	var failedItem models.PricingRecalcItem
	if err := db.First(&failedItem, "run_id = ? AND quote_item_id = ?", run.ID, poison.ID).Error; err != nil {
		t.Fatalf("load failed item: %v", err)
	}
	if failedItem.Status != models.RecalcItemStatusFailed {
		t.Fatalf("poison item status = %s, want failed", failedItem.Status)
	}
	if failedItem.Error == nil || !strings.Contains(*failedItem.Error, "unsupported alloy") {
		t.Fatalf("poison item error = %v", failedItem.Error)
	}

	var repriced models.QuoteItem
	db.First(&repriced, "id <> ? AND quote_id = ?", poison.ID, quote.ID)
	if !repriced.Total.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("repriced total = %s, want 150", repriced.Total)
	}
	if repriced.PricingVersion != "v2" {
		t.Fatalf("pricing version = %s, want v2", repriced.PricingVersion)
	}
	var untouched models.QuoteItem
	db.First(&untouched, "id = ?", poison.ID)
	if !untouched.Total.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("failed item's quote must be untouched, total = %s", untouched.Total)
	}

	// One audit entry per successfully priced item.
	var audits int64
	db.Model(&models.AuditLog{}).Where("action = ?", "pricing.recalc.item").Count(&audits)
	if audits != 2 {
		t.Fatalf("audit entries = %d, want 2", audits)
	}
}

func TestWorkerDryRunComputesWithoutMutating(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v2")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	item := seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "100")

	run, msg := createTestRun(t, db, "org-1", nil, true)

	engine := &fakeEngine{fn: func(_ *models.QuoteItem) (*PriceResult, error) {
		return &PriceResult{
			Total:    decimal.NewFromInt(130),
			Snapshot: map[string]interface{}{"total": 130},
		}, nil
	}}
	worker := newTestWorker(t, db, engine, testSettings())

	summary, err := worker.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Status != models.RecalcRunStatusSucceeded || !summary.DryRun {
		t.Fatalf("summary = %+v", summary)
	}

	// Quote item untouched.
	var reloaded models.QuoteItem
	db.First(&reloaded, "id = ?", item.ID)
	if !reloaded.Total.Equal(decimal.NewFromInt(100)) || reloaded.PricingVersion != "" {
		t.Fatalf("dry run mutated quote item: total=%s version=%q", reloaded.Total, reloaded.PricingVersion)
	}

	// Delta and audit entry still computed.
	var recalcItem models.PricingRecalcItem
	db.First(&recalcItem, "run_id = ?", run.ID)
	if recalcItem.DeltaTotal == nil || !recalcItem.DeltaTotal.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("delta = %v, want 30", recalcItem.DeltaTotal)
	}
	var audits int64
	db.Model(&models.AuditLog{}).Count(&audits)
	if audits != 1 {
		t.Fatalf("audit entries = %d, want 1", audits)
	}
}

func TestWorkerRedeliveryOfTerminalRunIsNoOp(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "100")

	_, msg := createTestRun(t, db, "org-1", nil, false)

	engine := &fakeEngine{}
	worker := newTestWorker(t, db, engine, testSettings())

	first, err := worker.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	callsAfterFirst := engine.callCount()

	second, err := worker.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if engine.callCount() != callsAfterFirst {
		t.Fatal("redelivery must not reprice items")
	}
	if second.Status != first.Status || second.SuccessCount != first.SuccessCount {
		t.Fatalf("redelivery summary differs: %+v vs %+v", second, first)
	}
}

func TestWorkerReclaimsStaleProcessingItem(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v2")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	item := seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "100")

	run, msg := createTestRun(t, db, "org-1", nil, false)

	// A previous delivery crashed mid-claim: the item is stuck in
	// processing with a lease that lapsed long ago.
	staleStart := time.Now().UTC().Add(-10 * time.Minute)
	db.Model(&models.PricingRecalcItem{}).Where("run_id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":     models.RecalcItemStatusProcessing,
			"attempts":   1,
			"started_at": &staleStart,
		})
	db.Model(&models.PricingRecalcRun{}).Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":     models.RecalcRunStatusRunning,
			"started_at": &staleStart,
		})

	engine := &fakeEngine{}
	worker := newTestWorker(t, db, engine, testSettings())

	summary, err := worker.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Status != models.RecalcRunStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", summary.Status)
	}
	if engine.callCount() != 1 {
		t.Fatalf("engine called %d times, want 1 (stale claim reclaimed)", engine.callCount())
	}

	var recalcItem models.PricingRecalcItem
	db.First(&recalcItem, "run_id = ?", run.ID)
	if recalcItem.Status != models.RecalcItemStatusSucceeded {
		t.Fatalf("item status = %s, want succeeded", recalcItem.Status)
	}
	if recalcItem.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (reclaim bumped the counter)", recalcItem.Attempts)
	}
	var repriced models.QuoteItem
	db.First(&repriced, "id = ?", item.ID)
	if repriced.PricingVersion != "v2" {
		t.Fatalf("pricing version = %s, want v2", repriced.PricingVersion)
	}
}

func TestWorkerDefersFinalizationWhileLeaseIsLive(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "100")

	run, msg := createTestRun(t, db, "org-1", nil, false)

	// Another worker holds a live lease on the only item.
	freshStart := time.Now().UTC()
	db.Model(&models.PricingRecalcItem{}).Where("run_id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":     models.RecalcItemStatusProcessing,
			"attempts":   1,
			"started_at": &freshStart,
		})

	engine := &fakeEngine{}
	worker := newTestWorker(t, db, engine, testSettings())

	_, err := worker.Process(context.Background(), msg)
	if err == nil || !strings.Contains(err.Error(), "deferring finalization") {
		t.Fatalf("expected deferral error, got %v", err)
	}
	if engine.callCount() != 0 {
		t.Fatalf("engine called %d times, a live lease must not be stolen", engine.callCount())
	}

	// The run stays open for a later delivery to settle.
	var reloaded models.PricingRecalcRun
	db.First(&reloaded, "id = ?", run.ID)
	if reloaded.Status != models.RecalcRunStatusRunning {
		t.Fatalf("run status = %s, want running", reloaded.Status)
	}
	if reloaded.FinishedAt != nil {
		t.Fatal("finished_at must stay unset while items are leased")
	}
	var itemRow models.PricingRecalcItem
	db.First(&itemRow, "run_id = ?", run.ID)
	if itemRow.Status != models.RecalcItemStatusProcessing || itemRow.Attempts != 1 {
		t.Fatalf("leased item was disturbed: status=%s attempts=%d", itemRow.Status, itemRow.Attempts)
	}
}

func TestWorkerCancellationSkipsRemaining(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	for i := 0; i < 4; i++ {
		seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "10")
	}

	run, msg := createTestRun(t, db, "org-1", nil, false)
	db.Model(&models.PricingRecalcRun{}).Where("id = ?", run.ID).
		Update("cancel_requested", true)

	engine := &fakeEngine{}
	worker := newTestWorker(t, db, engine, testSettings())

	summary, err := worker.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Status != models.RecalcRunStatusCanceled {
		t.Fatalf("status = %s, want canceled", summary.Status)
	}
	if summary.SkippedCount != 4 || summary.SuccessCount != 0 {
		t.Fatalf("counts = %+v, want all skipped", summary)
	}
	if engine.callCount() != 0 {
		t.Fatalf("engine called %d times after cancellation", engine.callCount())
	}

	var reloaded models.PricingRecalcRun
	db.First(&reloaded, "id = ?", run.ID)
	assertCountInvariant(t, &reloaded)
}

func TestWorkerMaxAttemptsExceeded(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "10")

	run, msg := createTestRun(t, db, "org-1", nil, false)
	// Simulate three prior crashed claims.
	db.Model(&models.PricingRecalcItem{}).Where("run_id = ?", run.ID).
		Update("attempts", 3)

	engine := &fakeEngine{}
	settings := testSettings()
	settings.MaxItemAttempts = 3
	worker := newTestWorker(t, db, engine, settings)

	summary, err := worker.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Status != models.RecalcRunStatusFailed {
		t.Fatalf("status = %s, want failed", summary.Status)
	}
	if engine.callCount() != 0 {
		t.Fatal("engine must not be called past the attempt cap")
	}

	var item models.PricingRecalcItem
	db.First(&item, "run_id = ?", run.ID)
	if item.Status != models.RecalcItemStatusFailed {
		t.Fatalf("item status = %s, want failed", item.Status)
	}
	if item.Error == nil || *item.Error != "max attempts exceeded" {
		t.Fatalf("item error = %v", item.Error)
	}
}

func TestWorkerSkipsDeletedQuoteItems(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	keep := seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "10")
	gone := seedQuoteItem(t, db, quote, "aluminum", "cnc-turning", "20")

	run, msg := createTestRun(t, db, "org-1", nil, false)

	// The quote item disappears after the scope was frozen.
	db.Delete(&models.QuoteItem{}, "id = ?", gone.ID)

	worker := newTestWorker(t, db, &fakeEngine{}, testSettings())
	summary, err := worker.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Status != models.RecalcRunStatusPartial {
		t.Fatalf("status = %s, want partial", summary.Status)
	}
	if summary.SuccessCount != 1 || summary.SkippedCount != 1 {
		t.Fatalf("counts = %+v, want 1 success / 1 skipped", summary)
	}

	var keptItem models.PricingRecalcItem
	db.First(&keptItem, "run_id = ? AND quote_item_id = ?", run.ID, keep.ID)
	if keptItem.Status != models.RecalcItemStatusSucceeded {
		t.Fatalf("surviving item status = %s", keptItem.Status)
	}
}

func TestWorkerCircuitBreakerStopsRunEarly(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	for i := 0; i < 8; i++ {
		seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "10")
	}

	run, msg := createTestRun(t, db, "org-1", nil, false)

	engine := &fakeEngine{fn: func(_ *models.QuoteItem) (*PriceResult, error) {
		return nil, errors.New("engine down")
	}}
	settings := testSettings()
	settings.ItemConcurrency = 1
	settings.CircuitWindow = 4
	settings.CircuitThreshold = 0.5
	worker := newTestWorker(t, db, engine, settings)

	summary, err := worker.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The breaker trips after the window fills with failures; the rest of
	// the run is skipped instead of hammering a dead engine.
	if engine.callCount() >= 8 {
		t.Fatalf("engine called %d times, breaker never tripped", engine.callCount())
	}
	if summary.FailedCount == 0 || summary.SkippedCount == 0 {
		t.Fatalf("counts = %+v, want failures and skips", summary)
	}
	if summary.Status != models.RecalcRunStatusPartial {
		t.Fatalf("status = %s, want partial", summary.Status)
	}

	var reloaded models.PricingRecalcRun
	db.First(&reloaded, "id = ?", run.ID)
	assertCountInvariant(t, &reloaded)
	if reloaded.Error == nil || *reloaded.Error != "circuit_breaker_tripped" {
		t.Fatalf("run error = %v", reloaded.Error)
	}
}

func TestWorkerRunNotFound(t *testing.T) {
	db := newTestDB(t)
	worker := newTestWorker(t, db, &fakeEngine{}, testSettings())
	_, err := worker.Process(context.Background(), config.RecalcJobMessage{
		Version: 1, OrgId: "org-1", RunId: "missing",
	})
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
