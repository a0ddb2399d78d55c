package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

var candidateItemSchema = map[string]any{
	"type":     "object",
	"required": []string{"name"},
	"properties": map[string]any{
		"name":        map[string]any{"type": "string", "minLength": 1},
		"price":       priceProp(),
		"promo_price": priceProp(),
		"unit":        map[string]any{"type": []string{"string", "null"}},
		"product_id":  map[string]any{"type": []string{"string", "null"}},
		"confidence":  map[string]any{"type": []string{"number", "null"}},
	},
}

var labelMatchSchema = map[string]any{
	"type":     "object",
	"required": []string{"product_id"},
	"properties": map[string]any{
		"product_id": map[string]any{"type": []string{"string", "null"}},
		"confidence": map[string]any{"type": []string{"number", "null"}},
	},
}

func priceProp() map[string]any {
	return map[string]any{
		"anyOf": []any{
			map[string]any{"type": "number", "minimum": 0},
			map[string]any{"type": "string", "pattern": `^\s*\d+([.,]\d{1,2})?\s*$`},
			map[string]any{"type": "null"},
		},
	}
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return compiled, nil
}

// flexPrice accepts 1.49, "1.49", "1,49" and null.
type flexPrice struct {
	Value *float64
}

func (p *flexPrice) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		p.Value = nil
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		trimmed = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
		if trimmed == "" {
			p.Value = nil
			return nil
		}
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fmt.Errorf("parse price %q: %w", trimmed, err)
	}
	p.Value = &v
	return nil
}

type extractedItem struct {
	Name       string    `json:"name"`
	Price      flexPrice `json:"price"`
	PromoPrice flexPrice `json:"promo_price"`
	Unit       *string   `json:"unit"`
	ProductID  *string   `json:"product_id"`
	Confidence *float64  `json:"confidence"`
}

type labelReply struct {
	ProductID  *string  `json:"product_id"`
	Confidence *float64 `json:"confidence"`
}

// locateJSONArray returns the text between the first '[' and the last ']'.
func locateJSONArray(raw string) (string, bool) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

func extractJSONObject(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// parseCandidates decodes an inference reply. Items violating the item
// schema are skipped and counted; a reply without a decodable array is a
// domain.ErrParse.
func parseCandidates(raw string, itemSchema *jsonschema.Schema) ([]domain.Candidate, int, error) {
	arrayText, ok := locateJSONArray(raw)
	if !ok {
		return nil, 0, domain.WrapError(domain.ErrParse, "locate candidate array", errors.New("no json array in reply"))
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(arrayText), &items); err != nil {
		return nil, 0, domain.WrapError(domain.ErrParse, "decode candidate array", err)
	}

	candidates := make([]domain.Candidate, 0, len(items))
	skipped := 0
	for _, item := range items {
		var generic any
		if err := json.Unmarshal(item, &generic); err != nil {
			skipped++
			continue
		}
		if err := itemSchema.Validate(generic); err != nil {
			skipped++
			continue
		}
		var decoded extractedItem
		if err := json.Unmarshal(item, &decoded); err != nil {
			skipped++
			continue
		}
		candidates = append(candidates, decoded.toCandidate())
	}
	return candidates, skipped, nil
}

func (it extractedItem) toCandidate() domain.Candidate {
	c := domain.Candidate{
		RawName:    strings.TrimSpace(it.Name),
		RawPrice:   it.Price.Value,
		PromoPrice: it.PromoPrice.Value,
	}
	if it.Unit != nil {
		c.RawUnit = strings.TrimSpace(*it.Unit)
	}
	if it.ProductID != nil {
		c.MappedProductID = strings.TrimSpace(*it.ProductID)
	}
	if it.Confidence != nil {
		c.Confidence = clampConfidence(*it.Confidence)
	}
	return c
}

func parseLabelReply(raw string, schema *jsonschema.Schema) (labelReply, error) {
	objectText, ok := extractJSONObject(raw)
	if !ok {
		return labelReply{}, domain.WrapError(domain.ErrParse, "locate match object", errors.New("no json object in reply"))
	}
	var generic any
	if err := json.Unmarshal([]byte(objectText), &generic); err != nil {
		return labelReply{}, domain.WrapError(domain.ErrParse, "decode match object", err)
	}
	if err := schema.Validate(generic); err != nil {
		return labelReply{}, domain.WrapError(domain.ErrParse, "validate match object", err)
	}
	var reply labelReply
	if err := json.Unmarshal([]byte(objectText), &reply); err != nil {
		return labelReply{}, domain.WrapError(domain.ErrParse, "decode match object", err)
	}
	return reply, nil
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
