// Package scrape implements per-site price extraction for scrape tasks.
package scrape

import (
	"regexp"
	"strings"
)

// Fallback values reported to clients, kept verbatim from the upstream
// storefront integrations.
const (
	// PriceOnRequest is reported when a product row carries no parseable price.
	PriceOnRequest = "Цена по запросу"
	// NotFound is reported when a query matches no products on a site.
	NotFound = "Не найдено"
)

var priceRe = regexp.MustCompile(`(\d[\d\s]*[.,]?\d{0,2})`)

// CleanPrice normalizes a raw price string scraped from a product card:
// non-breaking spaces become regular spaces, digit groups are joined, and a
// decimal comma becomes a dot. Returns PriceOnRequest when no digits appear.
func CleanPrice(raw string) string {
	raw = strings.ReplaceAll(raw, " ", " ")
	match := priceRe.FindStringSubmatch(raw)
	if match == nil {
		return PriceOnRequest
	}
	price := strings.ReplaceAll(match[1], " ", "")
	return strings.ReplaceAll(price, ",", ".")
}
