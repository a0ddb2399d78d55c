package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

// apiClient talks to the tracker API on behalf of an operator.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

type ingestImage struct {
	DataURL string `json:"dataUrl"`
}

type ingestPayload struct {
	UploadID string        `json:"uploadId"`
	Store    string        `json:"store"`
	Images   []ingestImage `json:"images"`
}

type ingestReply struct {
	Success       bool               `json:"success"`
	ProductsFound int                `json:"productsFound"`
	Products      []domain.Candidate `json:"products"`
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
}

func newAPIClient(baseURL, token string, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *apiClient) stage(ctx context.Context, store domain.Store, fileName string, document []byte) (*domain.Upload, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("store", string(store)); err != nil {
		return nil, fmt.Errorf("write store field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(fileName))
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(document); err != nil {
		return nil, fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var upload domain.Upload
	if err := c.do(req, &upload); err != nil {
		return nil, fmt.Errorf("stage brochure: %w", err)
	}
	return &upload, nil
}

func (c *apiClient) ingest(ctx context.Context, uploadID string, store domain.Store, pages []domain.PageImage) (*ingestReply, error) {
	payload := ingestPayload{
		UploadID: uploadID,
		Store:    string(store),
		Images:   make([]ingestImage, 0, len(pages)),
	}
	for _, page := range pages {
		payload.Images = append(payload.Images, ingestImage{DataURL: page.DataURL()})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ingest payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ingest", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var reply ingestReply
	if err := c.do(req, &reply); err != nil {
		return nil, fmt.Errorf("ingest brochure: %w", err)
	}
	return &reply, nil
}

func (c *apiClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: resp.StatusCode, Message: body.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
