package httpadapter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

var pdfMagic = []byte("%PDF-")

func (rt *Router) stageUpload(w http.ResponseWriter, r *http.Request) {
	if _, err := rt.requireAdmin(r, ""); err != nil {
		writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadSize)
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	store, ok := domain.ParseStore(r.FormValue("store"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "form field 'store' must be a known retailer"})
		return
	}

	body := bufio.NewReader(file)
	head, err := body.Peek(len(pdfMagic))
	if err != nil || !bytes.Equal(head, pdfMagic) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "file must be a PDF document"})
		return
	}

	upload, err := rt.deps.Stager.Stage(r.Context(), store, fileHeader.Filename, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, upload)
}

func (rt *Router) getUpload(w http.ResponseWriter, r *http.Request) {
	if _, err := rt.requireAdmin(r, ""); err != nil {
		writeError(w, r, err)
		return
	}

	upload, err := rt.deps.Uploads.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	view := uploadView{Upload: upload}
	if rt.deps.Blobs != nil && upload.BlobPath != "" {
		signed, err := rt.deps.Blobs.SignedURL(r.Context(), upload.BlobPath, rt.blobURLTTL)
		if err != nil {
			slog.Warn("blob_sign_failed", "upload_id", upload.ID, "error", err)
		} else {
			view.DocumentURL = signed
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) retryUpload(w http.ResponseWriter, r *http.Request) {
	if _, err := rt.requireAdmin(r, ""); err != nil {
		writeError(w, r, err)
		return
	}

	upload, err := rt.deps.Retry.RequestRetry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, retryResponse{ID: upload.ID, Status: upload.Status, Queued: true})
}

func (rt *Router) ingest(w http.ResponseWriter, r *http.Request) {
	// A bearer header is checked before the body is read; the body token is
	// only consulted when no header was sent.
	headerToken := bearerToken(r.Header.Get("Authorization"))
	if headerToken != "" {
		if _, err := rt.requireAdmin(r, ""); err != nil {
			writeError(w, r, err)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, rt.maxIngestBody())

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if headerToken == "" {
			writeError(w, r, domain.WrapError(domain.ErrUnauthenticated, "authenticate", errors.New("missing bearer token")))
			return
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	if headerToken == "" {
		if _, err := rt.requireAdmin(r, req.AuthToken); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := rt.validateStruct("ingest request", req); err != nil {
		writeError(w, r, err)
		return
	}
	images, err := rt.decodeImages(req.Images)
	if err != nil {
		writeError(w, r, err)
		return
	}

	store, _ := domain.ParseStore(req.Store)
	result, err := rt.deps.Ingestor.Ingest(r.Context(), req.UploadID, store, images)
	if err != nil {
		writeError(w, r, err)
		return
	}

	products := result.Products
	if products == nil {
		products = []domain.Candidate{}
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Success:       true,
		ProductsFound: result.ProductsFound,
		Products:      products,
	})
}

func (rt *Router) match(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)

	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if err := rt.validateStruct("match request", req); err != nil {
		writeError(w, r, err)
		return
	}

	store, _ := domain.ParseStore(req.Store)
	outcome, err := rt.deps.Matcher.Match(r.Context(), req.RawName, store, req.UseAI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (rt *Router) downloadBlob(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Blobs == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "blob store disabled"})
		return
	}
	key := r.PathValue("key")
	query := r.URL.Query()
	if err := rt.deps.Blobs.Verify(key, query.Get("expires"), query.Get("sig")); err != nil {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid or expired link"})
		return
	}

	rc, err := rt.deps.Blobs.Open(r.Context(), key)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "document not found"})
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("blob_stream_failed", "key", key, "error", err)
	}
}

// maxIngestBody allows the largest image batch in base64 plus JSON framing.
func (rt *Router) maxIngestBody() int64 {
	return int64(rt.maxImageBytes)*4/3*maxIngestImages + 1<<20
}

// requireAdmin authenticates the bearer header, falling back to a token
// carried in the request body.
func (rt *Router) requireAdmin(r *http.Request, bodyToken string) (domain.Principal, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(bodyToken)
	}
	if rt.deps.Auth == nil {
		return domain.Principal{}, domain.WrapError(domain.ErrUnauthenticated, "authenticate", errors.New("no authenticator configured"))
	}
	principal, err := rt.deps.Auth.Authenticate(r.Context(), token)
	if err != nil {
		return domain.Principal{}, err
	}
	if !principal.HasRole(domain.RoleAdmin) {
		return domain.Principal{}, domain.WrapError(domain.ErrForbidden, "authorize", errors.New("admin role required"))
	}
	return principal, nil
}

func bearerToken(headerValue string) string {
	headerValue = strings.TrimSpace(headerValue)
	const bearerPrefix = "Bearer "
	if len(headerValue) < len(bearerPrefix) || !strings.EqualFold(headerValue[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(headerValue[len(bearerPrefix):])
}
