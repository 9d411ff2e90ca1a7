package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"smartattend/internal/config"
	"smartattend/internal/evidence"
	"smartattend/internal/imagecodec"
	"smartattend/internal/logging"
	"smartattend/internal/queue"
	"smartattend/internal/store"
)

// Worker archives fraud-evidence images: the API enqueues the submitted
// image whenever a check-in is rejected for fraud, and this process uploads
// it to Cloudinary and records the URL for audit.
func main() {
	cfg := config.Load()
	log := logging.New("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.CloudinaryCloudName == "" || cfg.CloudinaryAPIKey == "" || cfg.CloudinaryAPISecret == "" {
		log.Fatal("CLOUDINARY_CLOUD_NAME / CLOUDINARY_API_KEY / CLOUDINARY_API_SECRET must be set")
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db connect failed")
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("schema apply failed")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "smartattend:evidence")
	}

	uploader := evidence.NewUploader(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	evidenceStore := evidence.NewStore(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.WithError(err).Fatal("queue consume init failed")
	}

	log.Info("worker started, waiting for evidence jobs")
	for msg := range messages {
		if msg.Type != queue.TypeEvidence {
			continue
		}

		var item evidence.Item
		if err := json.Unmarshal(msg.Body, &item); err != nil {
			log.WithError(err).Warn("malformed evidence job, dropping")
			continue
		}

		jobLog := log.WithFields(logrus.Fields{
			"student_id": item.StudentID,
			"class_id":   item.ClassID,
			"kind":       item.Kind,
		})

		img, err := imagecodec.Decode(item.Image)
		if err != nil {
			jobLog.WithError(err).Warn("evidence image undecodable, dropping")
			continue
		}

		filename := fmt.Sprintf("%s-%s-%s", item.StudentID, item.Kind, uuid.NewString())
		url, err := uploader.Upload(ctx, img, filename)
		if err != nil {
			jobLog.WithError(err).Error("evidence upload failed")
			continue
		}

		if err := evidenceStore.Insert(ctx, item, url); err != nil {
			jobLog.WithError(err).Error("evidence record insert failed")
			continue
		}

		jobLog.WithField("url", url).Info("evidence archived")
		time.Sleep(10 * time.Millisecond)
	}

	log.Info("worker stopped")
}
