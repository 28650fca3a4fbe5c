package scrape

import (
	"encoding/json"
	"fmt"
)

// QueryResult holds the cleaned prices scraped for one query on one site.
type QueryResult struct {
	Query  string   `json:"query"`
	Site   string   `json:"site"`
	URL    string   `json:"url"`
	Prices []string `json:"prices"`
}

// ExtractScript builds the JavaScript evaluated inside the page to collect raw
// price texts from the first maxProducts product cards. Selectors are JSON
// encoded so arbitrary CSS cannot break out of the script.
func ExtractScript(site Site, maxProducts int) string {
	list, _ := json.Marshal(site.ListSelector)
	price, _ := json.Marshal(site.PriceSelector)
	return fmt.Sprintf(
		`Array.from(document.querySelectorAll(%s)).slice(0, %d).map(function(card) {
			var el = card.querySelector(%s);
			return el ? el.textContent : null;
		}).filter(function(text) { return text !== null; })`,
		list, maxProducts, price,
	)
}

// CleanAll normalizes raw price texts; an empty input yields the NotFound
// marker so every query reports something.
func CleanAll(raw []string) []string {
	if len(raw) == 0 {
		return []string{NotFound}
	}
	out := make([]string, 0, len(raw))
	for _, text := range raw {
		out = append(out, CleanPrice(text))
	}
	return out
}
