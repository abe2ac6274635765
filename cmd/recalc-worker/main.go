package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/seovimalraj/cnc-quote-backend/config"
	"github.com/seovimalraj/cnc-quote-backend/models"
	"github.com/seovimalraj/cnc-quote-backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8081"

// Standalone recalc worker: pulls run jobs from the Pub/Sub subscription and
// processes them. Deploy separately from the API so long runs never compete
// with request traffic.
func main() {
	port := os.Getenv("RECALC_WORKER_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Health endpoint only; this process serves no app traffic.
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	srv := &http.Server{Addr: ":" + port, Handler: r}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.AutoMigrateAll(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	}

	settings := config.LoadRecalcSettings()
	engine := workflow.NewHTTPPricingEngine(strings.TrimRight(os.Getenv("PRICING_ENGINE_URL"), "/"))
	progress := workflow.NewProgressPublisher(config.GetRedisDB(), settings.APIBase, settings.WorkerSecret, settings.PushTimeout, logger)
	audit := workflow.NewAuditSink(db, logger)
	worker := workflow.NewWorker(db, logger, engine, progress, audit, config.GetRedisLock(), settings)
	consumer := workflow.NewConsumer(db, logger, worker)

	subName := strings.TrimSpace(os.Getenv("PUBSUB_RECALC_SUBSCRIPTION"))
	if subName == "" {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Panic("PUBSUB_RECALC_SUBSCRIPTION is required")
	}

	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	consumerErrCh := make(chan error, 1)
	go func() {
		client, err := config.GetClient(consumerCtx)
		if err != nil {
			consumerErrCh <- err
			return
		}
		topicName := strings.TrimSpace(os.Getenv("PUBSUB_RECALC_TOPIC"))
		if topicName != "" {
			topic, err := config.CreateTopicIfNotExists(client, topicName)
			if err != nil {
				consumerErrCh <- err
				return
			}
			if _, err := config.CreateSubscriptionIfNotExists(client, subName, topic); err != nil {
				consumerErrCh <- err
				return
			}
		}
		consumerErrCh <- consumer.Run(consumerCtx, client.Subscription(subName))
	}()

	logger.WithFields(logrus.Fields{
		"field":        "recalc-worker",
		"subscription": subName,
	}).Info("recalc worker started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("health server stopped unexpectedly: " + err.Error())
		}
	case err := <-consumerErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Error("consumer stopped unexpectedly: " + err.Error())
		}
	}

	cancelConsumer()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
