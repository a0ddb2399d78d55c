package httpadapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/promo-price-tracker/internal/config"
	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/auth/static"
)

const (
	adminToken  = "admin-token"
	viewerToken = "viewer-token"
	uploadID    = "7d1c9a6e-2f0b-4c1e-9a55-3b8f0e2d4c11"
)

type stagerFake struct {
	store    domain.Store
	fileName string
	body     string
}

func (f *stagerFake) Stage(_ context.Context, store domain.Store, fileName string, body io.Reader) (*domain.Upload, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.store, f.fileName, f.body = store, fileName, string(raw)
	return &domain.Upload{ID: uploadID, Store: store, FileName: fileName, Status: domain.UploadProcessing}, nil
}

type ingestorFake struct {
	err    error
	images []domain.PageImage
}

func (f *ingestorFake) Ingest(_ context.Context, id string, _ domain.Store, images []domain.PageImage) (*domain.IngestResult, error) {
	f.images = images
	if f.err != nil {
		return nil, f.err
	}
	return &domain.IngestResult{
		UploadID:      id,
		ProductsFound: 1,
		Products:      []domain.Candidate{{ID: "c-1", RawName: "Банани", MappedProductID: "bananas", Confidence: 0.95}},
	}, nil
}

type matcherFake struct{}

func (matcherFake) Match(_ context.Context, rawName string, _ domain.Store, useAI bool) (domain.MatchOutcome, error) {
	if !useAI {
		return domain.MatchOutcome{Method: domain.MatchNone}, nil
	}
	id := "bananas"
	return domain.MatchOutcome{ProductID: &id, Confidence: 0.9, Method: domain.MatchAI}, nil
}

type retryFake struct {
	err error
}

func (f retryFake) RequestRetry(_ context.Context, id string) (*domain.Upload, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Upload{ID: id, Status: domain.UploadFailed}, nil
}

type uploadsFake struct{}

func (uploadsFake) GetByID(_ context.Context, id string) (*domain.Upload, error) {
	if id != uploadID {
		return nil, domain.WrapError(domain.ErrUploadNotFound, "get upload", errors.New("no rows"))
	}
	return &domain.Upload{ID: id, BlobPath: "uploads/" + id + "_lidl.pdf", Status: domain.UploadFailed}, nil
}

type blobsFake struct{}

func (blobsFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("%PDF-1.7 " + key)), nil
}

func (blobsFake) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "/v1/blobs/" + key + "?expires=1&sig=ok", nil
}

func (blobsFake) Verify(_, _, signature string) error {
	if signature != "ok" {
		return errors.New("bad signature")
	}
	return nil
}

type routerFixture struct {
	stager   *stagerFake
	ingestor *ingestorFake
	retry    retryFake
	handler  http.Handler
}

func newRouterFixture(t *testing.T, cfg config.Config) *routerFixture {
	t.Helper()
	auth, err := static.Parse(adminToken + ":admin," + viewerToken + ":viewer")
	if err != nil {
		t.Fatalf("static.Parse() error = %v", err)
	}
	f := &routerFixture{stager: &stagerFake{}, ingestor: &ingestorFake{}}
	f.handler = NewRouter(cfg, Dependencies{
		Stager:   f.stager,
		Ingestor: f.ingestor,
		Matcher:  matcherFake{},
		Retry:    f.retry,
		Uploads:  uploadsFake{},
		Auth:     auth,
		Blobs:    blobsFake{},
	}).Handler()
	return f
}

func jpegDataURL(size int) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xff}, size))
}

func ingestBody(t *testing.T, mutate func(map[string]any)) *bytes.Reader {
	t.Helper()
	body := map[string]any{
		"uploadId": uploadID,
		"store":    "lidl",
		"images":   []map[string]string{{"dataUrl": jpegDataURL(16)}},
	}
	if mutate != nil {
		mutate(body)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(raw)
}

func doRequest(handler http.Handler, req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestHealthzEndpoint(t *testing.T) {
	fx := newRouterFixture(t, config.Config{})
	res := doRequest(fx.handler, httptest.NewRequest(http.MethodGet, "/healthz", nil), "")

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestIngestSuccess(t *testing.T) {
	fx := newRouterFixture(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", ingestBody(t, nil))
	res := doRequest(fx.handler, req, adminToken)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var resp map[string]any
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["success"] != true || resp["productsFound"] != float64(1) {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(fx.ingestor.images) != 1 || len(fx.ingestor.images[0].Data) != 16 {
		t.Fatalf("expected decoded image, got %+v", fx.ingestor.images)
	}
}

func TestIngestAcceptsBodyToken(t *testing.T) {
	fx := newRouterFixture(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", ingestBody(t, func(b map[string]any) {
		b["authToken"] = adminToken
	}))
	res := doRequest(fx.handler, req, "")

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
}

func TestIngestStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		mutate     func(map[string]any)
		ingestErr  error
		wantStatus int
	}{
		{name: "unauthenticated", wantStatus: http.StatusUnauthorized},
		{name: "unknown token", token: "nope", wantStatus: http.StatusUnauthorized},
		{name: "not admin", token: viewerToken, wantStatus: http.StatusForbidden},
		{name: "bad uuid", token: adminToken, mutate: func(b map[string]any) { b["uploadId"] = "42" }, wantStatus: http.StatusBadRequest},
		{name: "unknown store", token: adminToken, mutate: func(b map[string]any) { b["store"] = "metro" }, wantStatus: http.StatusBadRequest},
		{name: "no images", token: adminToken, mutate: func(b map[string]any) { b["images"] = []map[string]string{} }, wantStatus: http.StatusBadRequest},
		{name: "too many images", token: adminToken, mutate: func(b map[string]any) {
			images := make([]map[string]string, 51)
			for i := range images {
				images[i] = map[string]string{"dataUrl": jpegDataURL(4)}
			}
			b["images"] = images
		}, wantStatus: http.StatusBadRequest},
		{name: "not an image", token: adminToken, mutate: func(b map[string]any) {
			b["images"] = []map[string]string{{"dataUrl": "https://example.com/page.jpg"}}
		}, wantStatus: http.StatusBadRequest},
		{name: "oversized image", token: adminToken, mutate: func(b map[string]any) {
			b["images"] = []map[string]string{{"dataUrl": jpegDataURL(2048)}}
		}, wantStatus: http.StatusBadRequest},
		{name: "unknown upload", token: adminToken, ingestErr: domain.WrapError(domain.ErrUploadNotFound, "get", errors.New("no rows")), wantStatus: http.StatusNotFound},
		{name: "quota", token: adminToken, ingestErr: domain.WrapError(domain.ErrTemporary, "inference.extract", errors.New("status 429")), wantStatus: http.StatusServiceUnavailable},
		{name: "persistence", token: adminToken, ingestErr: domain.WrapError(domain.ErrPersistence, "insert", errors.New("db")), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx := newRouterFixture(t, config.Config{MaxImageBytes: 1024})
			fx.ingestor.err = tc.ingestErr
			req := httptest.NewRequest(http.MethodPost, "/v1/ingest", ingestBody(t, tc.mutate))
			res := doRequest(fx.handler, req, tc.token)

			if res.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, res.Code, res.Body.String())
			}
			var resp errorResponse
			if err := json.NewDecoder(res.Body).Decode(&resp); err != nil || resp.Error == "" {
				t.Fatalf("expected error body, got %q (%v)", res.Body.String(), err)
			}
		})
	}
}

func TestIngestAuthenticatesBeforeParsingBody(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{name: "no credentials", wantStatus: http.StatusUnauthorized},
		{name: "unknown header token", token: "nope", wantStatus: http.StatusUnauthorized},
		{name: "non-admin header token", token: viewerToken, wantStatus: http.StatusForbidden},
		{name: "admin header token", token: adminToken, wantStatus: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx := newRouterFixture(t, config.Config{})
			req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(`{"uploadId": `))
			res := doRequest(fx.handler, req, tc.token)

			if res.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, res.Code, res.Body.String())
			}
			if fx.ingestor.images != nil {
				t.Fatalf("ingestor must not be called")
			}
		})
	}
}

func TestIngestInternalErrorsAreNotLeaked(t *testing.T) {
	fx := newRouterFixture(t, config.Config{})
	fx.ingestor.err = errors.New("pq: password authentication failed for user prices")
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", ingestBody(t, nil))
	res := doRequest(fx.handler, req, adminToken)

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "password") {
		t.Fatalf("internal error leaked: %s", res.Body.String())
	}
}

func TestMatchEndpoint(t *testing.T) {
	fx := newRouterFixture(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/match", strings.NewReader(`{"rawName":"Банани","store":"billa","useAI":true}`))
	res := doRequest(fx.handler, req, "")

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var outcome map[string]any
	if err := json.NewDecoder(res.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if outcome["productId"] != "bananas" || outcome["method"] != "ai" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/match", strings.NewReader(`{"rawName":"Банани","useAI":false}`))
	res = doRequest(fx.handler, req, "")
	if !strings.Contains(res.Body.String(), `"productId":null`) {
		t.Fatalf("expected null productId, got %s", res.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/match", strings.NewReader(`{"store":"billa"}`))
	res = doRequest(fx.handler, req, "")
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without rawName, got %d", res.Code)
	}
}

func TestStageUpload(t *testing.T) {
	fx := newRouterFixture(t, config.Config{})

	newRequest := func(content string) *http.Request {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		_ = writer.WriteField("store", "kaufland")
		part, err := writer.CreateFormFile("file", "kaufland.pdf")
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		_, _ = part.Write([]byte(content))
		_ = writer.Close()
		req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &body)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req
	}

	res := doRequest(fx.handler, newRequest("%PDF-1.7 body"), adminToken)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if fx.stager.store != domain.StoreKaufland || fx.stager.body != "%PDF-1.7 body" {
		t.Fatalf("unexpected staged upload %+v", fx.stager)
	}

	if res := doRequest(fx.handler, newRequest("hello"), adminToken); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-pdf, got %d", res.Code)
	}
	if res := doRequest(fx.handler, newRequest("%PDF-1.7"), viewerToken); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", res.Code)
	}
}

func TestGetUploadIncludesSignedURL(t *testing.T) {
	fx := newRouterFixture(t, config.Config{})

	res := doRequest(fx.handler, httptest.NewRequest(http.MethodGet, "/v1/uploads/"+uploadID, nil), adminToken)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var view map[string]any
	if err := json.NewDecoder(res.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["id"] != uploadID || !strings.HasPrefix(view["document_url"].(string), "/v1/blobs/uploads/") {
		t.Fatalf("unexpected view %+v", view)
	}

	res = doRequest(fx.handler, httptest.NewRequest(http.MethodGet, "/v1/uploads/missing", nil), adminToken)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestRetryUpload(t *testing.T) {
	fx := newRouterFixture(t, config.Config{})
	res := doRequest(fx.handler, httptest.NewRequest(http.MethodPost, "/v1/uploads/"+uploadID+"/retry", nil), adminToken)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"status":"failed"`) || !strings.Contains(res.Body.String(), `"queued":true`) {
		t.Fatalf("unexpected body %s", res.Body.String())
	}
}

func TestRetryUploadConflictMapsTo400(t *testing.T) {
	auth, _ := static.Parse(adminToken + ":admin")
	handler := NewRouter(config.Config{}, Dependencies{
		Retry: retryFake{err: domain.WrapError(domain.ErrInvalidInput, "request retry", errors.New("upload is completed"))},
		Auth:  auth,
	}).Handler()

	res := doRequest(handler, httptest.NewRequest(http.MethodPost, "/v1/uploads/"+uploadID+"/retry", nil), adminToken)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestDownloadBlobChecksSignature(t *testing.T) {
	fx := newRouterFixture(t, config.Config{})

	res := doRequest(fx.handler, httptest.NewRequest(http.MethodGet, "/v1/blobs/uploads/a_lidl.pdf?expires=1&sig=ok", nil), "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.HasSuffix(res.Body.String(), "uploads/a_lidl.pdf") {
		t.Fatalf("expected nested key to reach store, got %s", res.Body.String())
	}

	res = doRequest(fx.handler, httptest.NewRequest(http.MethodGet, "/v1/blobs/uploads/a_lidl.pdf?expires=1&sig=forged", nil), "")
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	fx := newRouterFixture(t, config.Config{APIRateLimitRPS: 1, APIRateLimitBurst: 1})

	first := doRequest(fx.handler, httptest.NewRequest(http.MethodPost, "/v1/match", strings.NewReader(`{"rawName":"мляко"}`)), "")
	if first.Code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", first.Code)
	}
	second := doRequest(fx.handler, httptest.NewRequest(http.MethodPost, "/v1/match", strings.NewReader(`{"rawName":"мляко"}`)), "")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header for 429 response")
	}

	health := doRequest(fx.handler, httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	if health.Code != http.StatusOK {
		t.Fatalf("healthz must bypass the rate limit, got %d", health.Code)
	}
}

func TestBackpressureMiddlewareReturns503WhenSaturated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int, 1)

	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
	handler := backpressureMiddleware(base, 1, 20*time.Millisecond, nil)

	go func() {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/ingest", nil))
		done <- res.Code
	}()

	<-started

	res2 := httptest.NewRecorder()
	handler.ServeHTTP(res2, httptest.NewRequest(http.MethodPost, "/v1/ingest", nil))
	if res2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for saturated backpressure gate, got %d", res2.Code)
	}

	close(release)

	select {
	case code := <-done:
		if code != http.StatusNoContent {
			t.Fatalf("first request expected 204, got %d", code)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("timed out waiting for first request completion")
	}
}
