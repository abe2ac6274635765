package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type PricingConfigStatus string

const (
	PricingConfigStatusDraft     PricingConfigStatus = "draft"
	PricingConfigStatusPublished PricingConfigStatus = "published"
)

var ErrNoPublishedPricingConfig = errors.New("no published pricing config for org")

// PricingConfig versions the org's pricing rules. Runs pin the published
// version at creation time for reproducibility.
type PricingConfig struct {
	ID          int                 `gorm:"primary_key" json:"id"`
	OrgId       string              `gorm:"size:36;index;not null" json:"org_id"`
	Version     string              `gorm:"size:64;not null" json:"version"`
	Status      PricingConfigStatus `gorm:"size:16;index;not null" json:"status"`
	PublishedAt *time.Time          `json:"published_at"`
	CreatedAt   time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

// ActivePricingVersion returns the most recently published config version
// for the org.
func ActivePricingVersion(db *gorm.DB, orgId string) (string, error) {
	var cfg PricingConfig
	err := db.
		Where("org_id = ? AND status = ?", orgId, PricingConfigStatusPublished).
		Order("published_at DESC").
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoPublishedPricingConfig
	}
	if err != nil {
		return "", err
	}
	return cfg.Version, nil
}
