package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ProgressPayload is a point-in-time broadcast, not an entity: delivery is
// at-least-once and may be duplicated or reordered, so consumers must treat
// Progress as a monotonically-intended hint and never regress displayed
// state below the max value seen.
type ProgressPayload struct {
	JobId    string                 `json:"job_id"`
	Status   string                 `json:"status"`
	Progress int                    `json:"progress"`
	Message  string                 `json:"message,omitempty"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
	TraceId  string                 `json:"trace_id,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Result   interface{}            `json:"result,omitempty"`
}

// jobEventsEnvelope is the body of the HTTP push: the payload plus org_id so
// the API layer can route it to the right room.
type jobEventsEnvelope struct {
	ProgressPayload
	OrgId string `json:"org_id"`
}

// WorkerSecretHeader authenticates the worker to the API layer on the HTTP
// push channel.
const WorkerSecretHeader = "X-Worker-Secret"

const primaryPublishAttempts = 3

// ProgressChannel names the per-organization-per-job topic.
func ProgressChannel(orgId, jobId string) string {
	return fmt.Sprintf("jobs:%s:%s", orgId, jobId)
}

// ProgressPublisher fans progress out over two independent channels:
// a broker publish (primary, retried) and an HTTP push to the API layer
// (best-effort redundancy, failures swallowed). The two paths fail
// independently and are logged distinctly.
type ProgressPublisher struct {
	Redis        *redis.Client
	APIBase      string
	WorkerSecret string
	HTTPClient   *http.Client
	PushTimeout  time.Duration
	Logger       *logrus.Logger
}

func NewProgressPublisher(rdb *redis.Client, apiBase, workerSecret string, pushTimeout time.Duration, logger *logrus.Logger) *ProgressPublisher {
	return &ProgressPublisher{
		Redis:        rdb,
		APIBase:      apiBase,
		WorkerSecret: workerSecret,
		HTTPClient:   &http.Client{},
		PushTimeout:  pushTimeout,
		Logger:       logger,
	}
}

// Publish sends the payload on both channels. Errors never propagate to the
// pricing path; the primary channel's failure is logged as an error, the
// secondary's as a warning.
func (p *ProgressPublisher) Publish(ctx context.Context, orgId string, payload ProgressPayload) {
	if p == nil {
		return
	}
	p.publishPrimary(ctx, orgId, payload)
	p.pushSecondary(ctx, orgId, payload)
}

func (p *ProgressPublisher) publishPrimary(ctx context.Context, orgId string, payload ProgressPayload) {
	if p.Redis == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logError("marshal progress payload", orgId, payload.JobId, err)
		return
	}

	channel := ProgressChannel(orgId, payload.JobId)
	var lastErr error
	for attempt := 1; attempt <= primaryPublishAttempts; attempt++ {
		if lastErr = p.Redis.Publish(ctx, channel, data).Err(); lastErr == nil {
			return
		}
		select {
		case <-ctx.Done():
			p.logError("publish progress (primary)", orgId, payload.JobId, ctx.Err())
			return
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	p.logError("publish progress (primary)", orgId, payload.JobId, lastErr)
}

func (p *ProgressPublisher) pushSecondary(ctx context.Context, orgId string, payload ProgressPayload) {
	if p.APIBase == "" {
		return
	}

	body, err := json.Marshal(jobEventsEnvelope{ProgressPayload: payload, OrgId: orgId})
	if err != nil {
		p.logWarn("marshal job-events body", orgId, payload.JobId, err)
		return
	}

	timeout := p.PushTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pushCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pushCtx, http.MethodPost, p.APIBase+"/ws/job-events", bytes.NewReader(body))
	if err != nil {
		p.logWarn("build job-events request", orgId, payload.JobId, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WorkerSecretHeader, p.WorkerSecret)

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// Best-effort redundancy: the broker channel is the primary path.
		p.logWarn("push job-events (secondary)", orgId, payload.JobId, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.logWarn("push job-events (secondary)", orgId, payload.JobId, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

func (p *ProgressPublisher) logError(context, orgId, jobId string, err error) {
	if p.Logger == nil || err == nil {
		return
	}
	p.Logger.WithFields(logrus.Fields{
		"module":  "ProgressPublisher",
		"context": context,
		"org_id":  orgId,
		"job_id":  jobId,
	}).Error(err.Error())
}

func (p *ProgressPublisher) logWarn(context, orgId, jobId string, err error) {
	if p.Logger == nil || err == nil {
		return
	}
	p.Logger.WithFields(logrus.Fields{
		"module":  "ProgressPublisher",
		"context": context,
		"org_id":  orgId,
		"job_id":  jobId,
	}).Warn(err.Error())
}
