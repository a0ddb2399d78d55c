package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/core/ports"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/raster"
	"github.com/kirillkom/promo-price-tracker/internal/observability/logging"
)

func main() {
	var (
		file     = flag.String("file", "", "path to the brochure PDF (required)")
		storeArg = flag.String("store", "", "retailer the brochure belongs to (required)")
		apiURL   = flag.String("api", envOr("BROCHURE_API_URL", "http://localhost:8080"), "tracker API base url")
		token    = flag.String("token", os.Getenv("BROCHURE_API_TOKEN"), "admin bearer token")
		maxPages = flag.Int("max-pages", 20, "maximum pages to rasterize")
		scale    = flag.Float64("scale", 1.5, "render scale relative to 72 dpi")
		quality  = flag.Int("quality", 80, "jpeg quality")
		pdftoppm = flag.String("pdftoppm", "pdftoppm", "pdftoppm binary")
		timeout  = flag.Duration("timeout", 10*time.Minute, "overall deadline")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := logging.NewJSONLogger("brochurectl", *level)
	slog.SetDefault(logger)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "error: -file is required")
		os.Exit(2)
	}
	store, ok := domain.ParseStore(*storeArg)
	if !ok {
		fmt.Fprintf(os.Stderr, "error: -store must be one of %v\n", domain.KnownStores())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	document, err := os.ReadFile(*file)
	if err != nil {
		logger.Error("read_document_failed", "file", *file, "error", err)
		os.Exit(1)
	}

	client := newAPIClient(*apiURL, *token, &http.Client{Timeout: *timeout})
	rasterizer := raster.New(raster.Options{Binary: *pdftoppm})
	opts := domain.RasterOptions{MaxPages: *maxPages, Scale: *scale, Quality: *quality}

	reply, err := run(ctx, client, rasterizer, store, *file, document, opts, logger)
	if err != nil {
		logger.Error("brochure_submit_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("brochure_submitted", "products_found", reply.ProductsFound)
	for _, p := range reply.Products {
		mapped := p.MappedProductID
		if mapped == "" {
			mapped = "-"
		}
		fmt.Printf("%s\t%s\t%s\n", p.RawName, formatPrice(p.RawPrice, p.PromoPrice), mapped)
	}
}

// run stages the document, rasterizes it locally and submits the pages.
func run(ctx context.Context, client *apiClient, rasterizer ports.Rasterizer, store domain.Store, fileName string, document []byte, opts domain.RasterOptions, logger *slog.Logger) (*ingestReply, error) {
	upload, err := client.stage(ctx, store, fileName, document)
	if err != nil {
		return nil, err
	}
	logger.Info("brochure_staged", "upload_id", upload.ID, "file_path", upload.BlobPath)

	pages, err := rasterizer.Rasterize(ctx, document, opts, func(current, total int) {
		logger.Info("raster_progress", "page", current, "total", total)
	})
	if err != nil {
		return nil, fmt.Errorf("rasterize %s: %w", fileName, err)
	}

	return client.ingest(ctx, upload.ID, store, pages)
}

func formatPrice(price, promo *float64) string {
	switch {
	case price == nil:
		return "-"
	case promo != nil:
		return fmt.Sprintf("%.2f (promo %.2f)", *price, *promo)
	default:
		return fmt.Sprintf("%.2f", *price)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
