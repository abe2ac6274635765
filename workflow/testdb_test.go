package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seovimalraj/cnc-quote-backend/config"
	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	// In-memory sqlite needs a single connection so every session sees the
	// same database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.AutoMigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(new(strings.Builder))
	return logger
}

func seedPricingConfig(t *testing.T, db *gorm.DB, orgId, version string) {
	t.Helper()
	now := time.Now().UTC()
	cfg := models.PricingConfig{
		OrgId:       orgId,
		Version:     version,
		Status:      models.PricingConfigStatusPublished,
		PublishedAt: &now,
	}
	if err := db.Create(&cfg).Error; err != nil {
		t.Fatalf("seed pricing config: %v", err)
	}
}

func seedQuote(t *testing.T, db *gorm.DB, orgId string, status models.QuoteStatus) *models.Quote {
	t.Helper()
	q := &models.Quote{OrgId: orgId, Status: status}
	if err := db.Create(q).Error; err != nil {
		t.Fatalf("seed quote: %v", err)
	}
	return q
}

func seedQuoteItem(t *testing.T, db *gorm.DB, quote *models.Quote, material, process string, total string) *models.QuoteItem {
	t.Helper()
	amount, err := decimal.NewFromString(total)
	if err != nil {
		t.Fatalf("parse total: %v", err)
	}
	item := &models.QuoteItem{
		QuoteId:  quote.ID,
		OrgId:    quote.OrgId,
		Material: material,
		Process:  process,
		Total:    amount,
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("seed quote item: %v", err)
	}
	return item
}

// fakeEngine prices by keyed function, or a flat default when no match.
type fakeEngine struct {
	mu    sync.Mutex
	calls int
	// fn decides per item; nil means succeed with total 10 and a minimal
	// snapshot.
	fn func(item *models.QuoteItem) (*PriceResult, error)
}

func (f *fakeEngine) CalculatePrice(_ context.Context, item *models.QuoteItem, version string) (*PriceResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(item)
	}
	return &PriceResult{
		Total: decimal.NewFromInt(10),
		Snapshot: map[string]interface{}{
			"total":   10,
			"version": version,
		},
	}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// capturingEnqueue records published jobs instead of hitting a broker.
type capturingEnqueue struct {
	mu   sync.Mutex
	keys []string
	msgs []config.RecalcJobMessage
	err  error
}

func (c *capturingEnqueue) fn(_ context.Context, jobKey string, msg config.RecalcJobMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.keys = append(c.keys, jobKey)
	c.msgs = append(c.msgs, msg)
	return fmt.Sprintf("m-%d", len(c.msgs)), nil
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}

func testSettings() config.RecalcSettings {
	return config.RecalcSettings{
		ItemConcurrency:  2,
		ItemLease:        5 * time.Minute,
		MaxItemAttempts:  3,
		PricingTimeout:   5 * time.Second,
		PushTimeout:      time.Second,
		CircuitWindow:    50,
		CircuitThreshold: 0.5,
		RunLockTTL:       time.Minute,
	}
}

func newTestWorker(t *testing.T, db *gorm.DB, engine PricingEngine, settings config.RecalcSettings) *Worker {
	t.Helper()
	logger := newTestLogger()
	return NewWorker(db, logger, engine, nil, NewAuditSink(db, logger), nil, settings)
}
