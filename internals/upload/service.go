package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const presignExpiry = 5 * time.Minute

// S3API is the slice of the S3 client the service uses. Tests fake it.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Presigner mints pre-signed part-upload URLs.
type Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Part identifies one uploaded part in a complete request. Field names
// follow the S3 API so clients can pass ETag responses through
// unchanged.
type Part struct {
	PartNumber int32  `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// StartResult is what a recording client needs to begin streaming
// parts.
type StartResult struct {
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

// Service wraps S3 multipart uploads for the recording pipeline.
// Clients upload parts directly to S3 with pre-signed URLs; the service
// only brokers the multipart session.
type Service struct {
	client    S3API
	presigner Presigner
	bucket    string
	logger    *zap.Logger
}

func NewService(client S3API, presigner Presigner, bucket string, logger *zap.Logger) *Service {
	return &Service{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		logger:    logger,
	}
}

// Start opens a multipart upload for a recording file.
func (s *Service) Start(ctx context.Context, fileName, contentType string) (StartResult, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fileName),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("start multipart upload: %w", err)
	}

	s.logger.Info("Multipart upload started",
		zap.String("key", aws.ToString(out.Key)),
		zap.String("uploadID", aws.ToString(out.UploadId)),
	)
	return StartResult{
		UploadID: aws.ToString(out.UploadId),
		Key:      aws.ToString(out.Key),
	}, nil
}

// PresignPart returns a URL the client PUTs one part to directly.
func (s *Service) PresignPart(ctx context.Context, key, uploadID string, partNumber int32) (string, error) {
	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = presignExpiry
	})
	if err != nil {
		return "", fmt.Errorf("presign part %d: %w", partNumber, err)
	}
	return req.URL, nil
}

// Complete stitches the uploaded parts into the final object and
// returns its location.
func (s *Service) Complete(ctx context.Context, key, uploadID string, parts []Part) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart upload: %w", err)
	}

	s.logger.Info("Multipart upload completed",
		zap.String("key", key),
		zap.Int("parts", len(parts)),
	)
	return aws.ToString(out.Location), nil
}

// Abort discards an in-progress multipart upload.
func (s *Service) Abort(ctx context.Context, key, uploadID string) error {
	if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}); err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}

	s.logger.Info("Multipart upload aborted",
		zap.String("key", key),
		zap.String("uploadID", uploadID),
	)
	return nil
}
