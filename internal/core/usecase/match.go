package usecase

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/core/ports"
)

// MatchProductUseCase resolves a single label for the matching entrypoint.
type MatchProductUseCase struct {
	keywords ports.KeywordMatcher
	labels   ports.LabelMatcher
	observer PipelineObserver
	logger   *slog.Logger
}

func NewMatchProductUseCase(keywords ports.KeywordMatcher, labels ports.LabelMatcher, observer PipelineObserver, logger *slog.Logger) *MatchProductUseCase {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchProductUseCase{keywords: keywords, labels: labels, observer: observer, logger: logger}
}

// Match prefers a confident keyword hit, then the inference service when
// useAI is set, then a weak keyword hit.
func (uc *MatchProductUseCase) Match(ctx context.Context, rawName string, store domain.Store, useAI bool) (domain.MatchOutcome, error) {
	rawName = strings.TrimSpace(rawName)
	if rawName == "" {
		return domain.MatchOutcome{Method: domain.MatchNone}, nil
	}

	keyword, hasKeyword := uc.keywords.Match(rawName)
	if hasKeyword && keyword.Score >= keywordAcceptAt {
		return uc.outcome(keyword.ProductID, keyword.Score, domain.MatchKeyword), nil
	}

	if useAI && uc.labels != nil {
		match, err := uc.labels.MatchLabel(ctx, rawName, store)
		switch {
		case err != nil:
			uc.logger.Warn("match.ai.failed", "raw_name", rawName, "error", err)
		case match.ProductID != "":
			return uc.outcome(match.ProductID, match.Confidence, domain.MatchAI), nil
		}
	}

	if hasKeyword {
		return uc.outcome(keyword.ProductID, keyword.Score, domain.MatchKeywordFallback), nil
	}
	uc.observer.CandidateMatched(domain.MatchNone)
	return domain.MatchOutcome{Method: domain.MatchNone}, nil
}

func (uc *MatchProductUseCase) outcome(productID string, confidence float64, method domain.MatchMethod) domain.MatchOutcome {
	uc.observer.CandidateMatched(method)
	id := productID
	return domain.MatchOutcome{ProductID: &id, Confidence: confidence, Method: method}
}
