package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type RecalcItemStatus string

const (
	RecalcItemStatusQueued     RecalcItemStatus = "queued"
	RecalcItemStatusProcessing RecalcItemStatus = "processing"
	RecalcItemStatusSucceeded  RecalcItemStatus = "succeeded"
	RecalcItemStatusFailed     RecalcItemStatus = "failed"
	RecalcItemStatusSkipped    RecalcItemStatus = "skipped"
)

func (s RecalcItemStatus) Terminal() bool {
	switch s {
	case RecalcItemStatusSucceeded, RecalcItemStatusFailed, RecalcItemStatusSkipped:
		return true
	}
	return false
}

// PricingRecalcItem is one quote item's individual repricing attempt within a
// run. Created queued at run creation; claimed into processing by a
// conditional update; terminal in succeeded, failed or skipped. Owned
// exclusively by its run.
type PricingRecalcItem struct {
	ID          string           `gorm:"size:36;primaryKey" json:"id"`
	RunId       string           `gorm:"size:36;not null;index;index:uniq_run_item,unique" json:"run_id"`
	OrgId       string           `gorm:"size:36;not null;index" json:"org_id"`
	QuoteId     string           `gorm:"size:36;not null;index" json:"quote_id"`
	QuoteItemId string           `gorm:"size:36;not null;index:uniq_run_item,unique" json:"quote_item_id"`
	Status      RecalcItemStatus `gorm:"size:16;not null;index" json:"status"`

	// Attempts counts processing claims; past the configured max the item
	// goes terminal failed instead of being retried forever.
	Attempts int `gorm:"not null;default:0" json:"attempts"`

	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`

	// DeltaTotal is the signed difference vs the prior price; null until
	// the item succeeds.
	DeltaTotal *decimal.Decimal `gorm:"type:decimal(20,6)" json:"delta_total"`

	// Error is populated iff status is failed.
	Error *string `gorm:"type:text" json:"error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (i *PricingRecalcItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}
