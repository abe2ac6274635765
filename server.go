package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/seovimalraj/cnc-quote-backend/config"
	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/seovimalraj/cnc-quote-backend/utils"
	"github.com/seovimalraj/cnc-quote-backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Set in main() once dependencies are connected; the readiness gate keeps
// requests out until then.
var (
	recalcCoordinator *workflow.Coordinator
	recalcConsumer    *workflow.Consumer
)

// PubSubMessage is the Pub/Sub push-delivery envelope (Cloud Run push
// subscriptions POST this shape).
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// orgContextMiddleware resolves the caller's organization and user identity
// from the gateway-injected headers and attaches them to the request context.
// Authentication itself happens upstream at the API gateway.
func orgContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if orgId := strings.TrimSpace(c.GetHeader("X-Org-Id")); orgId != "" {
			ctx = utils.SetOrgIdInContext(ctx, orgId)
		}
		if userId := strings.TrimSpace(c.GetHeader("X-User-Id")); userId != "" {
			ctx = utils.SetUserIdInContext(ctx, userId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requireOrg(c *gin.Context) (string, bool) {
	orgId, ok := utils.GetOrgIdFromContext(c.Request.Context())
	if !ok || orgId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Org-Id header is required"})
		return "", false
	}
	return orgId, true
}

type createRecalcRunRequest struct {
	Reason string              `json:"reason"`
	Scope  *models.RecalcScope `json:"scope"`
	DryRun bool                `json:"dry_run"`
}

func createRecalcRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if recalcCoordinator == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
			return
		}
		orgId, ok := requireOrg(c)
		if !ok {
			return
		}

		var req createRecalcRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		run, err := recalcCoordinator.CreateRun(c.Request.Context(), workflow.CreateRunParams{
			OrgId:       orgId,
			Reason:      models.RecalcReason(req.Reason),
			RequestedBy: userId,
			Scope:       req.Scope,
			DryRun:      req.DryRun,
			TraceId:     cid,
		})
		if workflow.IsValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, run)
	}
}

type previewRecalcRequest struct {
	Scope *models.RecalcScope `json:"scope"`
}

func previewRecalcHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if recalcCoordinator == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
			return
		}
		orgId, ok := requireOrg(c)
		if !ok {
			return
		}

		var req previewRecalcRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		total, err := recalcCoordinator.PreviewScope(c.Request.Context(), orgId, req.Scope)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"total_count": total})
	}
}

func listRecalcRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if recalcCoordinator == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
			return
		}
		orgId, ok := requireOrg(c)
		if !ok {
			return
		}
		limit := 0
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		runs, err := recalcCoordinator.ListRuns(c.Request.Context(), orgId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

func getRecalcRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if recalcCoordinator == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
			return
		}
		orgId, ok := requireOrg(c)
		if !ok {
			return
		}
		run, err := recalcCoordinator.GetRun(c.Request.Context(), orgId, c.Param("id"))
		if errors.Is(err, workflow.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"run":      run,
			"progress": run.ProgressPercent(),
		})
	}
}

func listRecalcItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if recalcCoordinator == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
			return
		}
		orgId, ok := requireOrg(c)
		if !ok {
			return
		}
		status := models.RecalcItemStatus(strings.TrimSpace(c.Query("status")))
		items, err := recalcCoordinator.ListItems(c.Request.Context(), orgId, c.Param("id"), status)
		if errors.Is(err, workflow.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func cancelRecalcRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if recalcCoordinator == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
			return
		}
		orgId, ok := requireOrg(c)
		if !ok {
			return
		}
		runId := c.Param("id")
		err := recalcCoordinator.CancelRun(c.Request.Context(), orgId, runId)
		if errors.Is(err, workflow.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"run_id":           runId,
			"cancel_requested": true,
		})
	}
}

// jobEventsHandler receives the worker's HTTP progress push and relays it
// onto the per-org-per-job Redis channel the websocket layer subscribes to.
// The worker authenticates with the shared secret; there is no session here.
func jobEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		secret := os.Getenv("WORKER_SECRET")
		if secret == "" || c.GetHeader(workflow.WorkerSecretHeader) != secret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			config.LogError(logger, "server.go", "jobEventsHandler", "io.ReadAll", nil, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}

		var envelope struct {
			workflow.ProgressPayload
			OrgId string `json:"org_id"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "jobEventsHandler", "unmarshal envelope", string(body), err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if envelope.OrgId == "" || envelope.JobId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "org_id and job_id are required"})
			return
		}

		channel := workflow.ProgressChannel(envelope.OrgId, envelope.JobId)
		if err := config.PublishRedisMessage(c.Request.Context(), channel, envelope.ProgressPayload); err != nil {
			// Relay is best-effort redundancy; the worker already published
			// on the primary channel.
			config.LogError(logger, "server.go", "jobEventsHandler", "relay "+channel, nil, err)
		}
		c.Status(http.StatusNoContent)
	}
}

// recalcPubSubHandler is the push-subscription entry point for run jobs.
// A 2xx acks the delivery, a 5xx asks Pub/Sub to redeliver.
func recalcPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		if recalcConsumer == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "recalcPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "recalcPubSubHandler", "unmarshal envelope", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		if recalcConsumer.HandleJob(c.Request.Context(), msg.Message.Data, msg.Message.ID) {
			c.Status(http.StatusNoContent)
			return
		}
		c.Status(http.StatusInternalServerError)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Org-Id", "X-User-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(orgContextMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/admin/pricing/recalc", createRecalcRunHandler())
	r.POST("/admin/pricing/recalc/preview", previewRecalcHandler())
	r.GET("/admin/pricing/recalc-runs", listRecalcRunsHandler())
	r.GET("/admin/pricing/recalc-runs/:id", getRecalcRunHandler())
	r.GET("/admin/pricing/recalc-runs/:id/items", listRecalcItemsHandler())
	r.POST("/admin/pricing/recalc-runs/:id/cancel", cancelRecalcRunHandler())
	r.POST("/ws/job-events", jobEventsHandler())
	r.POST("/pubsub", recalcPubSubHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.AutoMigrateAll(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	settings := config.LoadRecalcSettings()
	engine := workflow.NewHTTPPricingEngine(strings.TrimRight(os.Getenv("PRICING_ENGINE_URL"), "/"))
	progress := workflow.NewProgressPublisher(config.GetRedisDB(), settings.APIBase, settings.WorkerSecret, settings.PushTimeout, logger)
	audit := workflow.NewAuditSink(db, logger)
	recalcWorker := workflow.NewWorker(db, logger, engine, progress, audit, config.GetRedisLock(), settings)
	recalcConsumer = workflow.NewConsumer(db, logger, recalcWorker)
	recalcCoordinator = workflow.NewCoordinator(db, logger, config.PublishRecalcJob)

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	// Safety net: re-deliver runs whose broker delivery was lost.
	go NewRecalcDirectProcessor(db, logger, recalcWorker).Run(workersCtx)
	// Optional pull subscription (push via /pubsub is the default path).
	if subName := strings.TrimSpace(os.Getenv("PUBSUB_RECALC_SUBSCRIPTION")); subName != "" {
		go runPullConsumer(workersCtx, logger, subName, recalcConsumer)
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func runPullConsumer(ctx context.Context, logger *logrus.Logger, subName string, consumer *workflow.Consumer) {
	client, err := config.GetClient(ctx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Error("pull consumer disabled: " + err.Error())
		return
	}
	sub := client.Subscription(subName)
	if err := consumer.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Error("pull consumer stopped: " + err.Error())
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client redis.Cmdable, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Incr is atomic, so concurrent first requests all count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// The first request in the window owns setting the expiry.
	if count == 1 {
		if err := rl.client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
