package models

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RecalcReason string

const (
	RecalcReasonConfigPublished RecalcReason = "config-published"
	RecalcReasonAdminOverride   RecalcReason = "admin-override"
	RecalcReasonManual          RecalcReason = "manual"
)

func (r RecalcReason) Valid() bool {
	switch r {
	case RecalcReasonConfigPublished, RecalcReasonAdminOverride, RecalcReasonManual:
		return true
	}
	return false
}

type RecalcRunStatus string

const (
	RecalcRunStatusQueued    RecalcRunStatus = "queued"
	RecalcRunStatusRunning   RecalcRunStatus = "running"
	RecalcRunStatusPartial   RecalcRunStatus = "partial"
	RecalcRunStatusSucceeded RecalcRunStatus = "succeeded"
	RecalcRunStatusFailed    RecalcRunStatus = "failed"
	RecalcRunStatusCanceled  RecalcRunStatus = "canceled"
)

func (s RecalcRunStatus) Terminal() bool {
	switch s {
	case RecalcRunStatusPartial, RecalcRunStatusSucceeded, RecalcRunStatusFailed, RecalcRunStatusCanceled:
		return true
	}
	return false
}

// RecalcScope narrows which quote items a run targets. A zero scope means
// "all eligible active quotes in the org".
type RecalcScope struct {
	Materials      []string   `json:"materials,omitempty"`
	Processes      []string   `json:"processes,omitempty"`
	MachineGroups  []string   `json:"machine_groups,omitempty"`
	CreatedFrom    *time.Time `json:"created_from,omitempty"`
	CreatedTo      *time.Time `json:"created_to,omitempty"`
	TargetQuoteIds []string   `json:"target_quote_ids,omitempty"`
}

func (s *RecalcScope) IsZero() bool {
	if s == nil {
		return true
	}
	return len(s.Materials) == 0 && len(s.Processes) == 0 && len(s.MachineGroups) == 0 &&
		s.CreatedFrom == nil && s.CreatedTo == nil && len(s.TargetQuoteIds) == 0
}

// Hash returns the short digest used in the idempotent job dispatch key
// recalc:{orgId}:{scopeHash}.
func (s *RecalcScope) Hash() string {
	canonical, _ := json.Marshal(s)
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:])[:12]
}

// PricingRecalcRun is one execution of the bulk-repricing control plane over
// a frozen scope of quote items. The scope is resolved into item rows at
// creation time, so concurrent quote edits never change an in-flight run's
// membership.
type PricingRecalcRun struct {
	ID          string          `gorm:"size:36;primaryKey" json:"id"`
	OrgId       string          `gorm:"size:36;index;not null" json:"org_id"`
	Reason      RecalcReason    `gorm:"size:32;not null" json:"reason"`
	RequestedBy *string         `gorm:"size:36" json:"requested_by"`
	Status      RecalcRunStatus `gorm:"size:16;index;not null" json:"status"`
	DryRun      bool            `gorm:"not null;default:false" json:"dry_run"`

	// Version is the pricing-config version the run is pinned to. Read once
	// at creation; concurrent config publishes never affect an in-flight run.
	Version string `gorm:"size:64;not null" json:"version"`

	// ScopeJSON is the serialized RecalcScope, kept for audit/reproduction.
	ScopeJSON string `gorm:"type:text" json:"scope_json"`

	// CancelRequested is the external cancellation signal; the worker reads
	// it before claiming each item.
	CancelRequested bool `gorm:"not null;default:false" json:"cancel_requested"`

	Error *string `gorm:"type:text" json:"error"`

	TotalCount   int `gorm:"not null;default:0" json:"total_count"`
	SuccessCount int `gorm:"not null;default:0" json:"success_count"`
	FailedCount  int `gorm:"not null;default:0" json:"failed_count"`
	SkippedCount int `gorm:"not null;default:0" json:"skipped_count"`

	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

func (r *PricingRecalcRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

func (r *PricingRecalcRun) Scope() (*RecalcScope, error) {
	scope := &RecalcScope{}
	if r.ScopeJSON == "" {
		return scope, nil
	}
	if err := json.Unmarshal([]byte(r.ScopeJSON), scope); err != nil {
		return nil, err
	}
	return scope, nil
}

func (r *PricingRecalcRun) TerminalCount() int {
	return r.SuccessCount + r.FailedCount + r.SkippedCount
}

// ProgressPercent is a monotonically-intended hint, not a strict sequence.
func (r *PricingRecalcRun) ProgressPercent() int {
	if r.TotalCount == 0 {
		return 100
	}
	return int(float64(r.TerminalCount()) / float64(r.TotalCount) * 100)
}

// FinalRunStatus derives the terminal run status from aggregated item
// outcomes once every item is terminal:
//   - succeeded: nothing failed, nothing skipped
//   - failed: nothing succeeded and at least one failure
//   - partial: any other mix of outcomes
func FinalRunStatus(successCount, failedCount, skippedCount int) RecalcRunStatus {
	if failedCount == 0 && skippedCount == 0 {
		return RecalcRunStatusSucceeded
	}
	if successCount == 0 && failedCount > 0 && skippedCount == 0 {
		return RecalcRunStatusFailed
	}
	return RecalcRunStatusPartial
}
