package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/conclave-rtc/conclave/internals/config"
	"github.com/conclave-rtc/conclave/internals/upload"
	"github.com/conclave-rtc/conclave/internals/utils"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	logger, err := utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Uploader.Bucket == "" {
		logger.Fatal("S3_BUCKET_NAME is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Uploader.Region),
	)
	if err != nil {
		logger.Fatal("Failed to load AWS configuration", zap.Error(err))
	}

	s3Client := s3.NewFromConfig(awsCfg)
	svc := upload.NewService(s3Client, s3.NewPresignClient(s3Client), cfg.Uploader.Bucket, logger)
	handler := upload.NewHandler(svc, cfg.Uploader.CORSEnabled, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Uploader.Port),
		Handler: handler.Mux(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Uploader listening",
			zap.Int("port", cfg.Uploader.Port),
			zap.String("bucket", cfg.Uploader.Bucket),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start uploader", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Error during HTTP shutdown", zap.Error(err))
	}
	logger.Info("Uploader stopped")
}
