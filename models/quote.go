package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type QuoteStatus string

const (
	QuoteStatusActive  QuoteStatus = "active"
	QuoteStatusLocked  QuoteStatus = "locked"
	QuoteStatusDeleted QuoteStatus = "deleted"
)

type Quote struct {
	ID        string      `gorm:"size:36;primaryKey" json:"id"`
	OrgId     string      `gorm:"size:36;index;not null" json:"org_id"`
	Status    QuoteStatus `gorm:"size:16;index;not null" json:"status"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (q *Quote) BeforeCreate(tx *gorm.DB) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return nil
}

// QuoteItem carries the part configuration plus the last priced state. The
// recalc worker is the only writer of Total/PricedSnapshot/PricingVersion
// outside the interactive pricing path.
type QuoteItem struct {
	ID      string `gorm:"size:36;primaryKey" json:"id"`
	QuoteId string `gorm:"size:36;index;not null" json:"quote_id"`
	OrgId   string `gorm:"size:36;index;not null" json:"org_id"`

	// Denormalized config attributes used by recalc scope filters.
	Material     string `gorm:"size:64;index" json:"material"`
	Process      string `gorm:"size:64;index" json:"process"`
	MachineGroup string `gorm:"size:64;index" json:"machine_group"`

	// ConfigJSON is the part configuration passed to the pricing engine.
	ConfigJSON string `gorm:"type:text" json:"config_json"`

	Total decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"total"`

	// PricedSnapshot is the JSON snapshot of the item's priced state at the
	// time Total was computed. Empty until the item is first priced.
	PricedSnapshot string `gorm:"type:text" json:"priced_snapshot"`

	// PricingVersion is the pricing-config version Total was computed with.
	PricingVersion string `gorm:"size:64" json:"pricing_version"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (i *QuoteItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}
