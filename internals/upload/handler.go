package upload

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// Handler exposes the multipart-upload API over HTTP. Routes mirror
// what the recording clients call:
//
//	POST /api/v1/user/start-multipart      {fileName, contentType} → {uploadId, key}
//	GET  /api/v1/user/generate-presigned-url?key&uploadId&PartNumber → {url}
//	POST /api/v1/user/complete-multipart   {key, uploadId, parts[]} → {location}
//	POST /api/v1/user/abort-multipart      {key, uploadId} → {message}
type Handler struct {
	svc    *Service
	cors   bool
	logger *zap.Logger
}

func NewHandler(svc *Service, cors bool, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, cors: cors, logger: logger}
}

func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/user/start-multipart", h.startMultipart)
	mux.HandleFunc("GET /api/v1/user/generate-presigned-url", h.generatePresignedURL)
	mux.HandleFunc("POST /api/v1/user/complete-multipart", h.completeMultipart)
	mux.HandleFunc("POST /api/v1/user/abort-multipart", h.abortMultipart)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if h.cors {
		return withCORS(mux)
	}
	return mux
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type completeRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
	Parts    []Part `json:"parts"`
}

type abortRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

func (h *Handler) startMultipart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" || req.ContentType == "" {
		writeError(w, http.StatusBadRequest, "fileName and contentType are required")
		return
	}

	result, err := h.svc.Start(r.Context(), req.FileName, req.ContentType)
	if err != nil {
		h.logger.Error("Failed to start multipart upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to start multipart upload")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) generatePresignedURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	uploadID := q.Get("uploadId")
	partNumber, err := strconv.Atoi(q.Get("PartNumber"))
	if key == "" || uploadID == "" || err != nil || partNumber < 1 {
		writeError(w, http.StatusBadRequest, "key, uploadId and PartNumber are required")
		return
	}

	url, err := h.svc.PresignPart(r.Context(), key, uploadID, int32(partNumber))
	if err != nil {
		h.logger.Error("Failed to generate pre-signed URL", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to generate pre-signed URL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) completeMultipart(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" || req.UploadID == "" || len(req.Parts) == 0 {
		writeError(w, http.StatusBadRequest, "key, uploadId and parts are required")
		return
	}

	location, err := h.svc.Complete(r.Context(), req.Key, req.UploadID, req.Parts)
	if err != nil {
		h.logger.Error("Failed to complete multipart upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to complete multipart upload")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"location": location})
}

func (h *Handler) abortMultipart(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" || req.UploadID == "" {
		writeError(w, http.StatusBadRequest, "key and uploadId are required")
		return
	}

	if err := h.svc.Abort(r.Context(), req.Key, req.UploadID); err != nil {
		h.logger.Error("Failed to abort multipart upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to abort multipart upload")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Multipart upload aborted successfully"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
