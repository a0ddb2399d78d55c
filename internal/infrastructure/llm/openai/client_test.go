package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/promo-price-tracker/internal/catalog"
	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/resilience"
)

func newTestClient(t *testing.T, serverURL, apiKey string) *Client {
	t.Helper()
	c, err := catalog.New([]domain.CatalogEntry{
		{ID: "cucumbers", DisplayName: "Краставици", Keywords: []string{"краставици"}, MinPlausiblePrice: 0.8},
		{ID: "bread", DisplayName: "Хляб", Keywords: []string{"хляб"}, MinPlausiblePrice: 0.5},
	}, 0.2)
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		BreakerEnabled:      false,
	})
	client, err := New(Config{BaseURL: serverURL, APIKey: apiKey, Model: "vision"}, c, exec, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func replyWith(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}
}

func TestExtractCandidatesSendsPagesAndParsesReply(t *testing.T) {
	var captured chatRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		var raw struct {
			Model    string `json:"model"`
			Messages []struct {
				Content []contentPart `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		captured.Model = raw.Model
		for _, m := range raw.Messages {
			captured.Messages = append(captured.Messages, chatMessage{Content: m.Content})
		}
		replyWith("Here are the offers:\n```json\n" + `[
			{"name": "Краставици оранжерийни", "price": "2,99", "promo_price": 1.49, "unit": "kg", "product_id": "cucumbers", "confidence": 0.9},
			{"name": "Хайвер", "price": 12.5, "product_id": "caviar", "confidence": 0.7},
			{"price": 3}
		]` + "\n```")(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	images := []domain.PageImage{
		{Page: 1, MimeType: "image/jpeg", Data: []byte{1, 2}},
		{Page: 2, MimeType: "image/jpeg", Data: []byte{3, 4}},
	}
	got, err := client.ExtractCandidates(context.Background(), images, domain.StoreLidl)
	if err != nil {
		t.Fatalf("ExtractCandidates() error = %v", err)
	}

	if auth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", auth)
	}
	parts := captured.Messages[0].Content.([]contentPart)
	if len(parts) != 3 {
		t.Fatalf("expected prompt + 2 images, got %d parts", len(parts))
	}
	if !strings.Contains(parts[0].Text, "cucumbers") || !strings.Contains(parts[0].Text, "lidl") {
		t.Fatalf("expected catalog and store in prompt, got %s", parts[0].Text)
	}
	if parts[1].ImageURL == nil || !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Fatalf("expected inline page image, got %+v", parts[1])
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 valid candidates, got %d: %+v", len(got), got)
	}
	if got[0].RawPrice == nil || *got[0].RawPrice != 2.99 {
		t.Fatalf("expected comma price parsed, got %v", got[0].RawPrice)
	}
	if got[0].MappedProductID != "cucumbers" || got[0].Confidence != 0.9 {
		t.Fatalf("unexpected mapping: %+v", got[0])
	}
	if got[1].MappedProductID != "" || got[1].Confidence != 0 {
		t.Fatalf("expected unknown catalog id cleared, got %+v", got[1])
	}
}

func TestExtractCandidatesUndecodableReplyIsEmpty(t *testing.T) {
	server := httptest.NewServer(replyWith("Sorry, I cannot read these pages."))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	got, err := client.ExtractCandidates(context.Background(), []domain.PageImage{{Page: 1, Data: []byte{1}}}, domain.StoreBilla)
	if err != nil {
		t.Fatalf("expected parse failure to be absorbed, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}
}

func TestExtractCandidatesQuotaErrorsAreTemporary(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusPaymentRequired} {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "slow down", status)
		}))

		client := newTestClient(t, server.URL, "secret")
		_, err := client.ExtractCandidates(context.Background(), []domain.PageImage{{Page: 1, Data: []byte{1}}}, domain.StoreBilla)
		server.Close()

		if !domain.IsKind(err, domain.ErrTemporary) {
			t.Fatalf("status %d: expected ErrTemporary, got %v", status, err)
		}
		if !strings.Contains(err.Error(), "slow down") {
			t.Fatalf("status %d: expected response body in error, got %v", status, err)
		}
		if n := atomic.LoadInt32(&calls); n != 1 {
			t.Fatalf("status %d: expected no retry, got %d calls", status, n)
		}
	}
}

func TestExtractCandidatesRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		replyWith(`[{"name": "Хляб", "price": 1.2}]`)(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	got, err := client.ExtractCandidates(context.Background(), []domain.PageImage{{Page: 1, Data: []byte{1}}}, domain.StoreBilla)
	if err != nil {
		t.Fatalf("ExtractCandidates() error = %v", err)
	}
	if len(got) != 1 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one candidate after one retry, got %d candidates in %d calls", len(got), calls)
	}
}

func TestUnconfiguredClientFailsClosed(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	candidates, err := client.ExtractCandidates(context.Background(), []domain.PageImage{{Page: 1}}, domain.StoreLidl)
	if err != nil || len(candidates) != 0 {
		t.Fatalf("expected empty result without error, got %v %v", candidates, err)
	}
	match, err := client.MatchLabel(context.Background(), "хляб", domain.StoreLidl)
	if err != nil || match.ProductID != "" || match.Confidence != 0 {
		t.Fatalf("expected zero match without error, got %+v %v", match, err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no upstream calls")
	}
}

func TestMatchLabel(t *testing.T) {
	cases := []struct {
		name   string
		reply  string
		wantID string
		wantC  float64
	}{
		{name: "known id", reply: `{"product_id": "bread", "confidence": 0.82}`, wantID: "bread", wantC: 0.82},
		{name: "unknown id", reply: `{"product_id": "caviar", "confidence": 0.9}`},
		{name: "null id", reply: `{"product_id": null, "confidence": 0.1}`},
		{name: "clamped", reply: "```json\n{\"product_id\": \"bread\", \"confidence\": 1.7}\n```", wantID: "bread", wantC: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(replyWith(tc.reply))
			defer server.Close()

			client := newTestClient(t, server.URL, "secret")
			got, err := client.MatchLabel(context.Background(), "Хляб Добруджа", domain.StoreKaufland)
			if err != nil {
				t.Fatalf("MatchLabel() error = %v", err)
			}
			if got.ProductID != tc.wantID || got.Confidence != tc.wantC {
				t.Fatalf("expected %q/%.2f, got %+v", tc.wantID, tc.wantC, got)
			}
		})
	}
}

func TestMatchLabelParseFailure(t *testing.T) {
	server := httptest.NewServer(replyWith("bread, probably"))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	_, err := client.MatchLabel(context.Background(), "хляб", domain.StoreKaufland)
	if !domain.IsKind(err, domain.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}
