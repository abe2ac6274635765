package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/seovimalraj/cnc-quote-backend/config"
	"github.com/seovimalraj/cnc-quote-backend/models"
	"gorm.io/gorm"
)

func newTestConsumer(t *testing.T, db *gorm.DB, engine PricingEngine) *Consumer {
	t.Helper()
	return NewConsumer(db, newTestLogger(), newTestWorker(t, db, engine, testSettings()))
}

func marshalJob(t *testing.T, msg config.RecalcJobMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return data
}

func TestHandleJobProcessesAndRecordsIdempotency(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "10")

	_, msg := createTestRun(t, db, "org-1", nil, false)
	consumer := newTestConsumer(t, db, &fakeEngine{})

	if !consumer.HandleJob(context.Background(), marshalJob(t, msg), "m-1") {
		t.Fatal("expected ack")
	}

	var key models.IdempotencyKey
	err := db.Where("org_id = ? AND handler_name = ? AND message_id = ?",
		"org-1", RunHandlerName, "m-1").First(&key).Error
	if err != nil {
		t.Fatalf("idempotency row: %v", err)
	}
	if key.Status != models.IdempotencyStatusSucceeded {
		t.Fatalf("idempotency status = %s, want SUCCEEDED", key.Status)
	}
}

func TestHandleJobDuplicateDeliverySkips(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "10")

	_, msg := createTestRun(t, db, "org-1", nil, false)
	engine := &fakeEngine{}
	consumer := newTestConsumer(t, db, engine)

	if !consumer.HandleJob(context.Background(), marshalJob(t, msg), "m-1") {
		t.Fatal("first delivery: expected ack")
	}
	calls := engine.callCount()

	if !consumer.HandleJob(context.Background(), marshalJob(t, msg), "m-1") {
		t.Fatal("duplicate delivery: expected ack")
	}
	if engine.callCount() != calls {
		t.Fatal("duplicate delivery must not reprocess")
	}
}

func TestHandleJobPoisonMessagesAreAcked(t *testing.T) {
	db := newTestDB(t)
	consumer := newTestConsumer(t, db, &fakeEngine{})

	if !consumer.HandleJob(context.Background(), []byte("{not json"), "m-1") {
		t.Fatal("malformed payload must be acked")
	}
	if !consumer.HandleJob(context.Background(), []byte(`{"version":1}`), "m-2") {
		t.Fatal("payload without ids must be acked")
	}

	// Run that does not exist: permanent, ack.
	missing := marshalJob(t, config.RecalcJobMessage{Version: 1, OrgId: "org-1", RunId: "missing"})
	if !consumer.HandleJob(context.Background(), missing, "m-3") {
		t.Fatal("missing run must be acked")
	}
	var key models.IdempotencyKey
	if err := db.Where("message_id = ?", "m-3").First(&key).Error; err != nil {
		t.Fatalf("idempotency row: %v", err)
	}
	if key.Status != models.IdempotencyStatusFailed {
		t.Fatalf("idempotency status = %s, want FAILED", key.Status)
	}
}

func TestHandleJobInFlightDuplicateIsNacked(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "10")
	_, msg := createTestRun(t, db, "org-1", nil, false)

	// Another worker started this delivery moments ago.
	started := models.IdempotencyKey{
		OrgId:       "org-1",
		HandlerName: RunHandlerName,
		MessageId:   "m-1",
		Status:      models.IdempotencyStatusStarted,
	}
	if err := db.Create(&started).Error; err != nil {
		t.Fatalf("seed idempotency: %v", err)
	}

	engine := &fakeEngine{}
	consumer := newTestConsumer(t, db, engine)
	if consumer.HandleJob(context.Background(), marshalJob(t, msg), "m-1") {
		t.Fatal("in-flight duplicate must be nacked")
	}
	if engine.callCount() != 0 {
		t.Fatal("in-flight duplicate must not process")
	}
}

func TestFailRunAfterRetries(t *testing.T) {
	db := newTestDB(t)
	seedPricingConfig(t, db, "org-1", "v1")
	quote := seedQuote(t, db, "org-1", models.QuoteStatusActive)
	seedQuoteItem(t, db, quote, "aluminum", "cnc-milling", "10")
	run, msg := createTestRun(t, db, "org-1", nil, false)

	consumer := newTestConsumer(t, db, &fakeEngine{})
	consumer.FailRunAfterRetries(context.Background(), marshalJob(t, msg), 5)

	var reloaded models.PricingRecalcRun
	if err := db.First(&reloaded, "id = ?", run.ID).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if reloaded.Status != models.RecalcRunStatusFailed {
		t.Fatalf("status = %s, want failed", reloaded.Status)
	}
	if reloaded.Error == nil || reloaded.FinishedAt == nil {
		t.Fatalf("error/finished_at not set: %+v", reloaded)
	}

	// A terminal run is left alone.
	db.Model(&models.PricingRecalcRun{}).Where("id = ?", run.ID).
		Update("status", models.RecalcRunStatusSucceeded)
	consumer.FailRunAfterRetries(context.Background(), marshalJob(t, msg), 6)
	db.First(&reloaded, "id = ?", run.ID)
	if reloaded.Status != models.RecalcRunStatusSucceeded {
		t.Fatalf("terminal run was overwritten: %s", reloaded.Status)
	}
}

func TestBeginIdempotencyReclaimsStaleStart(t *testing.T) {
	db := newTestDB(t)

	stale := models.IdempotencyKey{
		OrgId:       "org-1",
		HandlerName: RunHandlerName,
		MessageId:   "m-1",
		Status:      models.IdempotencyStatusStarted,
	}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Age the row past the staleness window.
	if err := db.Exec("UPDATE idempotency_keys SET updated_at = datetime('now', '-10 minutes') WHERE id = ?", stale.ID).Error; err != nil {
		t.Fatalf("age row: %v", err)
	}

	skip, err := BeginIdempotency(db, "org-1", RunHandlerName, "m-1")
	if err != nil {
		t.Fatalf("BeginIdempotency: %v", err)
	}
	if skip {
		t.Fatal("stale STARTED must be reclaimed, not skipped")
	}
}
