package scrape

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Site describes how to search one storefront and where prices live in its
// result markup.
type Site struct {
	// Domain is the registry key, matched as a substring of the search host.
	Domain string
	// SearchURL is the prefix the query is appended to.
	SearchURL string
	// ListSelector matches one product card in the result page.
	ListSelector string
	// PriceSelector matches the price element inside a product card.
	PriceSelector string
}

// Registry maps storefront domains to their scrape selectors.
type Registry struct {
	sites map[string]Site
}

// builtin carries the storefront integrations the service ships with.
var builtin = []Site{
	{Domain: "nur-electro.kz", SearchURL: "https://nur-electro.kz/search?q=", ListSelector: ".products", PriceSelector: ".price"},
	{Domain: "euroelectric.kz", SearchURL: "https://euroelectric.kz/search?q=", ListSelector: ".product-item", PriceSelector: ".product-price"},
	{Domain: "220volt.kz", SearchURL: "https://220volt.kz/search?query=", ListSelector: ".cards__list", PriceSelector: ".product__buy-info-price-actual_value"},
	{Domain: "ekt.kz", SearchURL: "https://ekt.kz/search?q=", ListSelector: ".left-block", PriceSelector: ".price"},
	{Domain: "intant.kz", SearchURL: "https://intant.kz/search?q=", ListSelector: ".product_card__block_item_inner", PriceSelector: ".product-card-inner__new-price"},
	{Domain: "elcentre.kz", SearchURL: "https://elcentre.kz/site_search?search_term=", ListSelector: ".b-product-gallery", PriceSelector: "span.b-product-gallery__current-price"},
	{Domain: "albion-group.kz", SearchURL: "https://albion-group.kz/site_search?search_term=", ListSelector: ".cs-product-gallery", PriceSelector: "span.cs-goods-price__value.cs-goods-price__value_type_current"},
	{Domain: "volt.kz", SearchURL: "https://volt.kz/search?q=", ListSelector: ".multi-snippet", PriceSelector: "span.multi-price"},
}

// NewRegistry builds a registry from the built-in sites plus overrides. An
// override with an existing domain replaces the built-in entry.
func NewRegistry(overrides map[string]Site) *Registry {
	sites := make(map[string]Site, len(builtin)+len(overrides))
	for _, s := range builtin {
		sites[s.Domain] = s
	}
	for domain, s := range overrides {
		s.Domain = domain
		sites[domain] = s
	}
	return &Registry{sites: sites}
}

// Lookup resolves the Site responsible for the given search or storefront URL.
func (r *Registry) Lookup(rawURL string) (Site, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Site{}, fmt.Errorf("parse target url: %w", err)
	}
	host := u.Hostname()
	for domain, site := range r.sites {
		if strings.Contains(host, domain) {
			return site, nil
		}
	}
	return Site{}, fmt.Errorf("unsupported site: %s", host)
}

// Sites returns all registered sites ordered by domain, for deterministic
// fan-out when a scrape task names no target.
func (r *Registry) Sites() []Site {
	out := make([]Site, 0, len(r.sites))
	for _, s := range r.sites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
