// Package openai talks to an OpenAI-compatible multimodal chat API to
// extract product candidates from brochure pages and to resolve single
// labels the keyword matcher could not place.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float64
	ExtractTimeout time.Duration
	MatchTimeout   time.Duration
}

type Catalog interface {
	Entries() []domain.CatalogEntry
	Has(id string) bool
	AbsoluteMinPrice() float64
}

type Client struct {
	cfg        Config
	catalog    Catalog
	httpClient *http.Client
	executor   *resilience.Executor
	logger     *slog.Logger

	itemSchema  *jsonschema.Schema
	matchSchema *jsonschema.Schema
}

func New(cfg Config, catalog Catalog, executor *resilience.Executor, logger *slog.Logger) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 120 * time.Second
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	itemSchema, err := compileSchema("candidate_item.json", candidateItemSchema)
	if err != nil {
		return nil, err
	}
	matchSchema, err := compileSchema("label_match.json", labelMatchSchema)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		catalog: catalog,
		// Per-call deadlines come from the context; this is a backstop.
		httpClient:  &http.Client{Timeout: cfg.ExtractTimeout + 10*time.Second},
		executor:    executor,
		logger:      logger,
		itemSchema:  itemSchema,
		matchSchema: matchSchema,
	}, nil
}

// Configured reports whether credentials are present. Without them the
// client fails closed: no candidates, no matches, no errors.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

// ExtractCandidates sends every page plus the catalog in one request. An
// undecodable reply yields zero candidates; rate limiting and quota errors
// surface as domain.ErrTemporary.
func (c *Client) ExtractCandidates(ctx context.Context, images []domain.PageImage, store domain.Store) ([]domain.Candidate, error) {
	rid := uuid.NewString()
	if !c.Configured() {
		c.logger.Warn("inference.extract.unconfigured", "req_id", rid, "store", store)
		return []domain.Candidate{}, nil
	}
	if len(images) == 0 {
		return []domain.Candidate{}, nil
	}

	start := time.Now()
	c.logger.Info("inference.extract.start", "req_id", rid, "store", store, "pages", len(images), "model", c.cfg.Model)

	parts := make([]contentPart, 0, len(images)+1)
	parts = append(parts, contentPart{
		Type: "text",
		Text: buildExtractionPrompt(c.catalog.Entries(), c.catalog.AbsoluteMinPrice(), store),
	})
	for _, img := range images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img.DataURL()}})
	}
	req := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages:    []chatMessage{{Role: "user", Content: parts}},
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ExtractTimeout)
	defer cancel()

	var content string
	err := c.execute(callCtx, "inference.extract", func(ctx context.Context) error {
		var callErr error
		content, callErr = c.chat(ctx, "extract", req)
		return callErr
	})
	if err != nil {
		c.logger.Error("inference.extract.failed",
			"req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, wrapTemporaryIfNeeded("extract candidates", err)
	}

	candidates, skipped, err := parseCandidates(content, c.itemSchema)
	if err != nil {
		c.logger.Warn("inference.extract.parse_failed",
			"req_id", rid, "error", err, "reply_len", len(content),
			"elapsed_ms", time.Since(start).Milliseconds())
		return []domain.Candidate{}, nil
	}

	for i := range candidates {
		if id := candidates[i].MappedProductID; id != "" && !c.catalog.Has(id) {
			candidates[i].MappedProductID = ""
			candidates[i].Confidence = 0
		}
	}

	c.logger.Info("inference.extract.ok",
		"req_id", rid, "candidates", len(candidates), "skipped_items", skipped,
		"elapsed_ms", time.Since(start).Milliseconds())
	return candidates, nil
}

// MatchLabel maps one label to a catalog id. An empty ProductID means the
// service found no fitting product.
func (c *Client) MatchLabel(ctx context.Context, rawLabel string, store domain.Store) (domain.LabelMatch, error) {
	label := strings.TrimSpace(rawLabel)
	if !c.Configured() || label == "" {
		return domain.LabelMatch{}, nil
	}

	req := chatRequest{
		Model:          c.cfg.Model,
		Temperature:    c.cfg.Temperature,
		ResponseFormat: map[string]any{"type": "json_object"},
		Messages: []chatMessage{
			{Role: "user", Content: buildMatchPrompt(c.catalog.Entries(), label, store)},
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.MatchTimeout)
	defer cancel()

	var content string
	err := c.execute(callCtx, "inference.match", func(ctx context.Context) error {
		var callErr error
		content, callErr = c.chat(ctx, "match", req)
		return callErr
	})
	if err != nil {
		return domain.LabelMatch{}, wrapTemporaryIfNeeded("match label", err)
	}

	reply, err := parseLabelReply(content, c.matchSchema)
	if err != nil {
		return domain.LabelMatch{}, err
	}
	if reply.ProductID == nil {
		return domain.LabelMatch{}, nil
	}
	id := strings.TrimSpace(*reply.ProductID)
	if !c.catalog.Has(id) {
		c.logger.Debug("inference.match.unknown_product", "label", label, "product_id", id)
		return domain.LabelMatch{}, nil
	}

	out := domain.LabelMatch{ProductID: id}
	if reply.Confidence != nil {
		out.Confidence = clampConfidence(*reply.Confidence)
	}
	return out, nil
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	if err := c.executor.Execute(ctx, operation, fn, classifyInferenceError); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}
