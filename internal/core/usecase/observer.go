package usecase

import (
	"time"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

// PipelineObserver receives run-level signals for metrics.
type PipelineObserver interface {
	RunStarted()
	RunFinished(status domain.UploadStatus, elapsed time.Duration)
	CandidateDropped(reason string)
	CandidateMatched(method domain.MatchMethod)
}

type noopObserver struct{}

func (noopObserver) RunStarted() {}
func (noopObserver) RunFinished(domain.UploadStatus, time.Duration) {}
func (noopObserver) CandidateDropped(string) {}
func (noopObserver) CandidateMatched(domain.MatchMethod) {}
