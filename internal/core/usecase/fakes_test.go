package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/promo-price-tracker/internal/catalog"
	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/core/matching"
	"github.com/kirillkom/promo-price-tracker/internal/core/pricing"
)

type uploadRepoFake struct {
	mu          sync.Mutex
	uploads     map[string]*domain.Upload
	transitions []domain.UploadStatus
	createErr   error
	updateErr   error
	// failUpdateTo makes UpdateStatus fail only for the given status.
	failUpdateTo domain.UploadStatus
	// honorContext makes UpdateStatus fail on a done context like a real driver.
	honorContext bool
}

func newUploadRepoFake(uploads ...*domain.Upload) *uploadRepoFake {
	f := &uploadRepoFake{uploads: map[string]*domain.Upload{}}
	for _, u := range uploads {
		copyUpload := *u
		f.uploads[u.ID] = &copyUpload
	}
	return f
}

func (f *uploadRepoFake) Create(_ context.Context, upload *domain.Upload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	copyUpload := *upload
	f.uploads[upload.ID] = &copyUpload
	return nil
}

func (f *uploadRepoFake) GetByID(_ context.Context, id string) (*domain.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrUploadNotFound, "get upload", errors.New("no rows"))
	}
	copyUpload := *u
	return &copyUpload, nil
}

func (f *uploadRepoFake) UpdateStatus(ctx context.Context, id string, status domain.UploadStatus, productsFound *int, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.honorContext && ctx.Err() != nil {
		return ctx.Err()
	}
	if f.updateErr != nil && (f.failUpdateTo == "" || f.failUpdateTo == status) {
		return f.updateErr
	}
	u, ok := f.uploads[id]
	if !ok {
		return domain.WrapError(domain.ErrUploadNotFound, "update upload", errors.New("no rows"))
	}
	u.Status = status
	u.ProductsFound = productsFound
	u.Error = errMessage
	f.transitions = append(f.transitions, status)
	return nil
}

func (f *uploadRepoFake) status(id string) domain.UploadStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[id].Status
}

type candidateRepoFake struct {
	batches [][]domain.Candidate
	err     error
}

func (f *candidateRepoFake) InsertCandidates(_ context.Context, _ string, candidates []domain.Candidate) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]domain.Candidate(nil), candidates...))
	return nil
}

func (f *candidateRepoFake) rows() int {
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type priceRepoFake struct {
	batches [][]domain.PriceRecord
	err     error
	// afterInsert runs once the batch is stored.
	afterInsert func()
}

func (f *priceRepoFake) InsertPrices(_ context.Context, records []domain.PriceRecord) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]domain.PriceRecord(nil), records...))
	if f.afterInsert != nil {
		f.afterInsert()
	}
	return nil
}

func (f *priceRepoFake) all() []domain.PriceRecord {
	var out []domain.PriceRecord
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

type extractorFake struct {
	candidates []domain.Candidate
	err        error
	calls      int
	images     []domain.PageImage
}

func (f *extractorFake) ExtractCandidates(_ context.Context, images []domain.PageImage, _ domain.Store) ([]domain.Candidate, error) {
	f.calls++
	f.images = images
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.Candidate(nil), f.candidates...), nil
}

type labelMatcherFake struct {
	results  map[string]domain.LabelMatch
	err      error
	delay    time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *labelMatcherFake) MatchLabel(ctx context.Context, label string, _ domain.Store) (domain.LabelMatch, error) {
	f.calls.Add(1)
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if current <= peak || f.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.LabelMatch{}, ctx.Err()
		}
	}
	if f.err != nil {
		return domain.LabelMatch{}, f.err
	}
	return f.results[label], nil
}

type storageFake struct {
	objects map[string][]byte
	openErr error
}

func newStorageFake() *storageFake {
	return &storageFake{objects: map[string][]byte{}}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.objects[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	raw, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *storageFake) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "/v1/blobs/" + key, nil
}

type queueFake struct {
	published []string
	err       error
}

func (f *queueFake) PublishRetryRequested(_ context.Context, uploadID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, uploadID)
	return nil
}

func (f *queueFake) SubscribeRetryRequested(context.Context, func(context.Context, string) error) error {
	return errors.New("not implemented")
}

type rasterizerFake struct {
	pages    int
	err      error
	document []byte
}

func (f *rasterizerFake) Rasterize(_ context.Context, document []byte, _ domain.RasterOptions, onProgress func(int, int)) ([]domain.PageImage, error) {
	f.document = document
	if f.err != nil {
		return nil, f.err
	}
	images := make([]domain.PageImage, 0, f.pages)
	for i := 1; i <= f.pages; i++ {
		images = append(images, domain.PageImage{Page: i, MimeType: "image/jpeg", Data: []byte{0xff, 0xd8}})
		if onProgress != nil {
			onProgress(i, f.pages)
		}
	}
	return images, nil
}

type observerFake struct {
	mu       sync.Mutex
	finished []domain.UploadStatus
	dropped  []string
	methods  []domain.MatchMethod
}

func (f *observerFake) RunStarted() {}

func (f *observerFake) RunFinished(status domain.UploadStatus, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, status)
}

func (f *observerFake) CandidateDropped(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, reason)
}

func (f *observerFake) CandidateMatched(method domain.MatchMethod) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	return c
}

type ingestFixture struct {
	uploads    *uploadRepoFake
	candidates *candidateRepoFake
	prices     *priceRepoFake
	extractor  *extractorFake
	labels     *labelMatcherFake
	observer   *observerFake
	uc         *IngestBrochureUseCase
}

func newIngestFixture(t *testing.T, uploads ...*domain.Upload) *ingestFixture {
	t.Helper()
	cat := testCatalog(t)
	f := &ingestFixture{
		uploads:    newUploadRepoFake(uploads...),
		candidates: &candidateRepoFake{},
		prices:     &priceRepoFake{},
		extractor:  &extractorFake{},
		labels:     &labelMatcherFake{results: map[string]domain.LabelMatch{}},
		observer:   &observerFake{},
	}
	f.uc = NewIngestBrochureUseCase(IngestDeps{
		Uploads:          f.uploads,
		Candidates:       f.candidates,
		Prices:           f.prices,
		Extractor:        f.extractor,
		Keywords:         matching.NewKeywordMatcher(cat),
		Labels:           f.labels,
		Validator:        pricing.NewValidator(cat),
		Catalog:          cat,
		Observer:         f.observer,
		MatchConcurrency: 2,
	})
	return f
}

func processingUpload(id string) *domain.Upload {
	return &domain.Upload{
		ID:       id,
		Store:    domain.StoreLidl,
		FileName: "lidl.pdf",
		BlobPath: "uploads/" + id + "_lidl.pdf",
		Status:   domain.UploadProcessing,
	}
}

func price(v float64) *float64 {
	return &v
}
