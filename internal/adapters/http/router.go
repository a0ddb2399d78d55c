package httpadapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kirillkom/promo-price-tracker/internal/config"
	"github.com/kirillkom/promo-price-tracker/internal/core/ports"
	"github.com/kirillkom/promo-price-tracker/internal/observability/metrics"
)

const serviceName = "api"

// BlobStore serves stored brochures through signed URLs.
type BlobStore interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Verify(key, expires, signature string) error
}

type Dependencies struct {
	Stager   ports.BrochureStager
	Ingestor ports.BrochureIngestor
	Matcher  ports.ProductMatcher
	Retry    ports.RetryRequester
	Uploads  ports.UploadReader
	Auth     ports.Authenticator
	Blobs    BlobStore
	// Metrics is optional.
	Metrics *metrics.HTTPServerMetrics
}

type Router struct {
	deps     Dependencies
	validate *validator.Validate

	maxImageBytes int
	maxUploadSize int64
	blobURLTTL    time.Duration

	rateLimitRPS   float64
	rateLimitBurst int
	maxInFlight    int
}

func NewRouter(cfg config.Config, deps Dependencies) *Router {
	maxImageBytes := cfg.MaxImageBytes
	if maxImageBytes <= 0 {
		maxImageBytes = 4 << 20
	}
	maxUploadMB := cfg.MaxUploadMB
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	blobTTL := time.Duration(cfg.BlobURLTTLSeconds) * time.Second
	if blobTTL <= 0 {
		blobTTL = 15 * time.Minute
	}
	return &Router{
		deps:           deps,
		validate:       newValidator(),
		maxImageBytes:  maxImageBytes,
		maxUploadSize:  int64(maxUploadMB) << 20,
		blobURLTTL:     blobTTL,
		rateLimitRPS:   cfg.APIRateLimitRPS,
		rateLimitBurst: cfg.APIRateLimitBurst,
		maxInFlight:    cfg.APIMaxInFlight,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/uploads", rt.stageUpload)
	api.HandleFunc("GET /v1/uploads/{id}", rt.getUpload)
	api.HandleFunc("POST /v1/uploads/{id}/retry", rt.retryUpload)
	api.HandleFunc("POST /v1/ingest", rt.ingest)
	api.HandleFunc("POST /v1/match", rt.match)
	api.HandleFunc("GET /v1/blobs/{key...}", rt.downloadBlob)

	var limited http.Handler = api
	limited = backpressureMiddleware(limited, rt.maxInFlight, 250*time.Millisecond, rt.recordRejected)
	limited = rateLimitMiddleware(limited, rt.rateLimitRPS, rt.rateLimitBurst, rt.recordRejected)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", rt.healthz)
	if rt.deps.Metrics != nil {
		root.Handle("GET /metrics", rt.deps.Metrics.Handler())
	}
	root.Handle("/v1/", limited)

	var handler http.Handler = root
	if rt.deps.Metrics != nil {
		handler = rt.deps.Metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) recordRejected(reason string) {
	if rt.deps.Metrics != nil {
		rt.deps.Metrics.RecordRejected(serviceName, reason)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a domain error to its status and logs server-side
// failures with the request id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_error",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Error: publicMessage(status, err)})
}
