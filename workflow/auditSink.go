package workflow

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RedactionMarker replaces the value of any sensitive key.
const RedactionMarker = "[REDACTED]"

// TruncatedSentinel replaces payloads whose serialized form exceeds the size
// cap. A fixed document, never a partially-serialized one.
const TruncatedSentinel = `{"truncated":true}`

// DefaultAuditPayloadLimit caps each of before/after independently.
const DefaultAuditPayloadLimit = 16 * 1024

var sensitiveKeyPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|authorization|credential|private[_-]?key|access[_-]?key|session[_-]?id)`)

// AuditContext is the request context attached to an audit entry. Empty
// strings mean "not present".
type AuditContext struct {
	OrgId     string
	UserId    string
	RequestId string
	TraceId   string
	IP        string
	UserAgent string
	Path      string
	Method    string
}

// AuditEntry is what callers hand to the sink. Before/After are arbitrary
// documents; the sink redacts and size-caps them independently.
type AuditEntry struct {
	Action       string
	ResourceType string
	ResourceId   string
	Before       interface{}
	After        interface{}
	Ctx          AuditContext
}

// AuditSink appends redacted, size-capped audit records. Log is
// fire-and-forget: a sink failure must never fail or roll back the pricing
// operation that triggered it.
type AuditSink struct {
	DB              *gorm.DB
	Logger          *logrus.Logger
	MaxPayloadBytes int
}

func NewAuditSink(db *gorm.DB, logger *logrus.Logger) *AuditSink {
	return &AuditSink{
		DB:              db,
		Logger:          logger,
		MaxPayloadBytes: DefaultAuditPayloadLimit,
	}
}

func (s *AuditSink) Log(ctx context.Context, entry AuditEntry) {
	if s == nil || s.DB == nil {
		return
	}
	limit := s.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultAuditPayloadLimit
	}

	row := models.AuditLog{
		OrgId:        entry.Ctx.OrgId,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceId:   optString(entry.ResourceId),
		Before:       ToJSONWithLimit(RedactSensitive(entry.Before), limit),
		After:        ToJSONWithLimit(RedactSensitive(entry.After), limit),
		UserId:       optString(entry.Ctx.UserId),
		RequestId:    optString(entry.Ctx.RequestId),
		TraceId:      optString(entry.Ctx.TraceId),
		IP:           optString(entry.Ctx.IP),
		UserAgent:    optString(entry.Ctx.UserAgent),
		Path:         optString(entry.Ctx.Path),
		Method:       optString(entry.Ctx.Method),
	}

	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"module":        "AuditSink",
			"action":        entry.Action,
			"resource_type": entry.ResourceType,
			"resource_id":   entry.ResourceId,
			"org_id":        entry.Ctx.OrgId,
		}).Warn("audit write failed: " + err.Error())
	}
}

// RedactSensitive walks objects and arrays; every value under a key matching
// the sensitive-key pattern is replaced with the redaction marker. Array
// elements and non-sensitive keys are walked recursively; primitives pass
// through unchanged.
func RedactSensitive(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, child := range v {
			if sensitiveKeyPattern.MatchString(key) {
				out[key] = RedactionMarker
				continue
			}
			out[key] = RedactSensitive(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = RedactSensitive(child)
		}
		return out
	default:
		return value
	}
}

// ToJSONWithLimit serializes value; past maxBytes the fixed truncation
// sentinel is stored instead of a partially-serialized document.
func ToJSONWithLimit(value interface{}, maxBytes int) string {
	if value == nil {
		return ""
	}
	data, err := json.Marshal(value)
	if err != nil {
		return TruncatedSentinel
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return TruncatedSentinel
	}
	return string(data)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
