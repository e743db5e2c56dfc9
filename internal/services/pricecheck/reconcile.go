package pricecheck

import (
	"net/url"
	"strings"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
)

type MatchKey string

const (
	MatchByID  MatchKey = "id"
	MatchByURL MatchKey = "url"
)

type Match struct {
	Product models.ProductSnapshot
	Result  pricefetch.Result
	By      MatchKey
}

// Reconcile maps gateway results back to products: external product id first, then normalized
// reference URL for products the id pass missed. A result resolves at most one product; among
// results sharing a key the earliest unused one wins. Products without a reference URL are never
// matched.
// Matches keep the order of products.
func Reconcile(products []models.ProductSnapshot, results []pricefetch.Result) ([]Match, []models.ProductSnapshot) {
	byID := make(map[string][]int, len(results))
	byURL := make(map[string][]int, len(results))
	for i, r := range results {
		if k := idKey(r.ID); k != "" {
			byID[k] = append(byID[k], i)
		}
		if k := NormalizeURL(r.URL); k != "" {
			byURL[k] = append(byURL[k], i)
		}
	}

	used := make([]bool, len(results))
	take := func(candidates []int) (int, bool) {
		for _, ri := range candidates {
			if !used[ri] {
				used[ri] = true
				return ri, true
			}
		}
		return 0, false
	}

	resolved := make([]*Match, len(products))
	for pi, p := range products {
		if p.ReferenceURL == "" {
			continue
		}
		if ri, ok := take(byID[idKey(p.ExternalProductID)]); ok {
			resolved[pi] = &Match{Product: p, Result: results[ri], By: MatchByID}
		}
	}
	for pi, p := range products {
		if p.ReferenceURL == "" || resolved[pi] != nil {
			continue
		}
		if ri, ok := take(byURL[NormalizeURL(p.ReferenceURL)]); ok {
			resolved[pi] = &Match{Product: p, Result: results[ri], By: MatchByURL}
		}
	}

	var matches []Match
	var unresolved []models.ProductSnapshot
	for pi, m := range resolved {
		if m == nil {
			unresolved = append(unresolved, products[pi])
			continue
		}
		matches = append(matches, *m)
	}
	return matches, unresolved
}

func idKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NormalizeURL lowercases scheme and host and drops query, fragment and trailing slash.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	path := strings.TrimRight(u.EscapedPath(), "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path
}
