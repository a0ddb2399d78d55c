// Package raster renders brochure PDFs into per-page JPEG images.
package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

const baseDPI = 72

// PageCounter reports how many pages a PDF has.
type PageCounter func(document []byte) (int, error)

type Options struct {
	// Binary is the pdftoppm executable.
	Binary  string
	Runner  Runner
	Counter PageCounter
	TempDir string
}

type Rasterizer struct {
	binary  string
	runner  Runner
	counter PageCounter
	tempDir string
}

func New(opts Options) *Rasterizer {
	if opts.Binary == "" {
		opts.Binary = "pdftoppm"
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Counter == nil {
		opts.Counter = CountPages
	}
	return &Rasterizer{
		binary:  opts.Binary,
		runner:  opts.Runner,
		counter: opts.Counter,
		tempDir: opts.TempDir,
	}
}

// Rasterize renders at most opts.MaxPages pages, in order, reporting
// progress after each one. Any page failure fails the whole document.
func (r *Rasterizer) Rasterize(ctx context.Context, document []byte, opts domain.RasterOptions, onProgress func(current, total int)) ([]domain.PageImage, error) {
	opts = withDefaults(opts)

	pages, err := r.counter(document)
	if err != nil {
		return nil, domain.WrapError(domain.ErrDocumentRead, "count pages", err)
	}
	if pages <= 0 {
		return nil, domain.WrapError(domain.ErrDocumentRead, "count pages", errors.New("document has no pages"))
	}
	total := min(pages, opts.MaxPages)

	workDir, err := os.MkdirTemp(r.tempDir, "brochure-*")
	if err != nil {
		return nil, fmt.Errorf("create raster work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	source := filepath.Join(workDir, "source.pdf")
	if err := os.WriteFile(source, document, 0o600); err != nil {
		return nil, fmt.Errorf("write raster source: %w", err)
	}

	images := make([]domain.PageImage, 0, total)
	for page := 1; page <= total; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := r.renderPage(ctx, workDir, source, page, opts)
		if err != nil {
			return nil, domain.WrapError(domain.ErrDocumentRead, fmt.Sprintf("render page %d", page), err)
		}
		images = append(images, img)
		if onProgress != nil {
			onProgress(page, total)
		}
	}
	return images, nil
}

// renderPage owns a scratch directory for a single page and always removes it.
func (r *Rasterizer) renderPage(ctx context.Context, workDir, source string, page int, opts domain.RasterOptions) (domain.PageImage, error) {
	pageDir, err := os.MkdirTemp(workDir, "page-*")
	if err != nil {
		return domain.PageImage{}, fmt.Errorf("create page dir: %w", err)
	}
	defer os.RemoveAll(pageDir)

	prefix := filepath.Join(pageDir, "page")
	dpi := int(float64(baseDPI)*opts.Scale + 0.5)
	args := []string{
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-r", strconv.Itoa(dpi),
		"-jpeg",
		"-jpegopt", "quality=" + strconv.Itoa(opts.Quality),
		"-singlefile",
		source, prefix,
	}
	if _, stderr, err := r.runner.Run(ctx, r.binary, args...); err != nil {
		return domain.PageImage{}, fmt.Errorf("%s: %w: %s", r.binary, err, truncate(string(stderr), 512))
	}

	data, err := os.ReadFile(prefix + ".jpg")
	if err != nil {
		return domain.PageImage{}, fmt.Errorf("read rendered page: %w", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.PageImage{}, fmt.Errorf("decode rendered page: %w", err)
	}
	return domain.PageImage{
		Page:     page,
		MimeType: "image/jpeg",
		Data:     data,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}

// CountPages parses the PDF structure. The parser panics on some malformed
// inputs, so panics are reported as errors.
func CountPages(document []byte) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			n, err = 0, fmt.Errorf("parse pdf: %v", rec)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(document), int64(len(document)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	return reader.NumPage(), nil
}

func withDefaults(opts domain.RasterOptions) domain.RasterOptions {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 20
	}
	if opts.Scale <= 0 {
		opts.Scale = 1.5
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 80
	}
	return opts
}
