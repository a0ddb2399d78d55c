package openai

import (
	"fmt"
	"strings"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

func buildExtractionPrompt(entries []domain.CatalogEntry, absoluteMin float64, store domain.Store) string {
	var b strings.Builder
	b.WriteString("You read grocery promotion brochure pages from the retailer ")
	b.WriteString(string(store))
	b.WriteString(`.
Return ONLY a JSON array. One object per product offer visible on the pages, with keys:
name (string, product label as printed), price (number, regular price), promo_price (number or null, discounted price),
unit (string, e.g. kg, l, pcs, 500 g), product_id (string or null, one of the catalog ids below), confidence (number 0..1 for product_id).
Prices use a dot as decimal separator. Skip offers that are not food or household groceries.

`)
	fmt.Fprintf(&b, "Plausible prices: never below %.2f. Per product minimums are listed after each catalog id; a price far below its minimum is a misread.\n\n", absoluteMin)
	b.WriteString(catalogBlock(entries, true))
	return b.String()
}

func buildMatchPrompt(entries []domain.CatalogEntry, label string, store domain.Store) string {
	var b strings.Builder
	b.WriteString("Map a grocery product label from a ")
	b.WriteString(string(store))
	b.WriteString(` brochure to one catalog id.
Return strict JSON object {"product_id": string or null, "confidence": number from 0 to 1}.
Use null when no catalog product fits. No markdown, no extra keys.

`)
	b.WriteString(catalogBlock(entries, false))
	b.WriteString("\nLabel:\n")
	b.WriteString(label)
	return b.String()
}

func catalogBlock(entries []domain.CatalogEntry, withFloors bool) string {
	var b strings.Builder
	b.WriteString("Catalog:\n")
	for _, entry := range entries {
		if withFloors {
			fmt.Fprintf(&b, "- %s | %s | keywords: %s | min %.2f\n",
				entry.ID, entry.DisplayName, strings.Join(entry.Keywords, ", "), entry.MinPlausiblePrice)
			continue
		}
		fmt.Fprintf(&b, "- %s | %s | keywords: %s\n", entry.ID, entry.DisplayName, strings.Join(entry.Keywords, ", "))
	}
	return b.String()
}
