package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeS3 struct {
	createIn   *s3.CreateMultipartUploadInput
	completeIn *s3.CompleteMultipartUploadInput
	abortIn    *s3.AbortMultipartUploadInput
	fail       bool
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if f.fail {
		return nil, errors.New("s3 unavailable")
	}
	f.createIn = params
	return &s3.CreateMultipartUploadOutput{
		UploadId: aws.String("upload-123"),
		Key:      params.Key,
	}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if f.fail {
		return nil, errors.New("s3 unavailable")
	}
	f.completeIn = params
	return &s3.CompleteMultipartUploadOutput{
		Location: aws.String("https://bucket.s3.amazonaws.com/" + aws.ToString(params.Key)),
	}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if f.fail {
		return nil, errors.New("s3 unavailable")
	}
	f.abortIn = params
	return &s3.AbortMultipartUploadOutput{}, nil
}

type fakePresigner struct {
	lastIn *s3.UploadPartInput
}

func (f *fakePresigner) PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.lastIn = params
	return &v4.PresignedHTTPRequest{
		URL:    "https://bucket.s3.amazonaws.com/presigned",
		Method: http.MethodPut,
	}, nil
}

func newTestService(t *testing.T) (*Service, *fakeS3, *fakePresigner) {
	t.Helper()
	client := &fakeS3{}
	presigner := &fakePresigner{}
	svc := NewService(client, presigner, "recordings", zap.NewNop())
	return svc, client, presigner
}

func TestStartOpensMultipartUpload(t *testing.T) {
	svc, client, _ := newTestService(t)

	result, err := svc.Start(context.Background(), "meeting.webm", "video/webm")
	require.NoError(t, err)
	assert.Equal(t, "upload-123", result.UploadID)
	assert.Equal(t, "meeting.webm", result.Key)

	assert.Equal(t, "recordings", aws.ToString(client.createIn.Bucket))
	assert.Equal(t, "video/webm", aws.ToString(client.createIn.ContentType))
}

func TestPresignPart(t *testing.T) {
	svc, _, presigner := newTestService(t)

	url, err := svc.PresignPart(context.Background(), "meeting.webm", "upload-123", 3)
	require.NoError(t, err)
	assert.Contains(t, url, "presigned")
	assert.Equal(t, int32(3), aws.ToInt32(presigner.lastIn.PartNumber))
	assert.Equal(t, "upload-123", aws.ToString(presigner.lastIn.UploadId))
}

func TestCompleteOrdersParts(t *testing.T) {
	svc, client, _ := newTestService(t)

	location, err := svc.Complete(context.Background(), "meeting.webm", "upload-123", []Part{
		{PartNumber: 1, ETag: `"etag-1"`},
		{PartNumber: 2, ETag: `"etag-2"`},
	})
	require.NoError(t, err)
	assert.Contains(t, location, "meeting.webm")

	parts := client.completeIn.MultipartUpload.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, int32(1), aws.ToInt32(parts[0].PartNumber))
	assert.Equal(t, `"etag-2"`, aws.ToString(parts[1].ETag))
}

func TestAbort(t *testing.T) {
	svc, client, _ := newTestService(t)
	require.NoError(t, svc.Abort(context.Background(), "meeting.webm", "upload-123"))
	assert.Equal(t, "upload-123", aws.ToString(client.abortIn.UploadId))
}

func newTestHandler(t *testing.T, client S3API, presigner Presigner) http.Handler {
	t.Helper()
	svc := NewService(client, presigner, "recordings", zap.NewNop())
	return NewHandler(svc, true, zap.NewNop()).Mux()
}

func TestHandlerStartMultipart(t *testing.T) {
	h := newTestHandler(t, &fakeS3{}, &fakePresigner{})

	body := bytes.NewBufferString(`{"fileName":"meeting.webm","contentType":"video/webm"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/start-multipart", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "upload-123", result.UploadID)
}

func TestHandlerValidation(t *testing.T) {
	h := newTestHandler(t, &fakeS3{}, &fakePresigner{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/start-multipart", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/user/generate-presigned-url?key=k&uploadId=u&PartNumber=zero", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPresignedURL(t *testing.T) {
	h := newTestHandler(t, &fakeS3{}, &fakePresigner{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/user/generate-presigned-url?key=meeting.webm&uploadId=upload-123&PartNumber=2", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["url"], "presigned")
}

func TestHandlerSurfacesS3Failures(t *testing.T) {
	h := newTestHandler(t, &fakeS3{fail: true}, &fakePresigner{})

	body := bytes.NewBufferString(`{"fileName":"meeting.webm","contentType":"video/webm"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/start-multipart", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandlerCORSPreflight(t *testing.T) {
	h := newTestHandler(t, &fakeS3{}, &fakePresigner{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/user/start-multipart", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
