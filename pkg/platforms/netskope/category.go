package netskope

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Category is a top-level log grouping served by its own endpoint.
type Category int

const (
	Events Category = iota
	Alerts
)

var (
	ErrUnknownCategory = errors.New("unknown log category")
	ErrUnknownSubtype  = errors.New("unknown log type")
)

type categoryInfo struct {
	name     string
	subtypes []string
}

// "Legal Hold" and "Remediation" alerts are rejected by the API as invalid types.
var categories = [...]categoryInfo{
	Events: {
		name:     "events",
		subtypes: []string{"page", "application", "audit", "infrastructure"},
	},
	Alerts: {
		name: "alerts",
		subtypes: []string{
			"anomaly",
			"Compromised Credential",
			"policy",
			"malsite",
			"Malware",
			"DLP",
			"watchlist",
			"quarantine",
		},
	},
}

// AllCategories lists every category in fetch order.
func AllCategories() []Category { return []Category{Events, Alerts} }

func (c Category) valid() bool { return c >= Events && int(c) < len(categories) }

func (c Category) String() string {
	if !c.valid() {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categories[c].name
}

// Subtypes returns a copy of the category's log types.
func (c Category) Subtypes() []string {
	if !c.valid() {
		return nil
	}
	return append([]string(nil), categories[c].subtypes...)
}

// ParseCategory maps "events" or "alerts" (case-insensitive) to a Category.
func ParseCategory(s string) (Category, error) {
	for _, c := range AllCategories() {
		if strings.EqualFold(strings.TrimSpace(s), c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// BaseURL builds {scheme}://{tenant}.{domain}.
func BaseURL(scheme, tenant, domain string) (string, error) {
	if tenant == "" || domain == "" {
		return "", errors.New("tenant and domain are required to build the API URL")
	}
	if scheme == "" {
		scheme = "https"
	}
	u := &url.URL{Scheme: scheme, Host: tenant + "." + domain}
	return u.String(), nil
}

// CategoryConfig is an immutable binding of a category to its endpoint and
// the subtypes a run will fetch.
type CategoryConfig struct {
	Category Category
	URL      string
	subtypes []string
}

// NewCategoryConfig validates the category and narrows its subtype list to
// only, when only is non-empty. Every entry of only must be a type of c.
func NewCategoryConfig(c Category, baseURL string, only []string) (CategoryConfig, error) {
	if !c.valid() {
		return CategoryConfig{}, fmt.Errorf("%w: %d", ErrUnknownCategory, int(c))
	}
	if baseURL == "" {
		return CategoryConfig{}, errors.New("empty API base URL")
	}

	subtypes := c.Subtypes()
	if len(only) > 0 {
		known := make(map[string]bool, len(subtypes))
		for _, s := range subtypes {
			known[s] = true
		}
		want := make(map[string]bool, len(only))
		for _, s := range only {
			if !known[s] {
				return CategoryConfig{}, fmt.Errorf("%w %q for %s", ErrUnknownSubtype, s, c)
			}
			want[s] = true
		}
		// Keep the catalogue order.
		filtered := make([]string, 0, len(want))
		for _, s := range subtypes {
			if want[s] {
				filtered = append(filtered, s)
			}
		}
		subtypes = filtered
	}

	return CategoryConfig{
		Category: c,
		URL:      strings.TrimRight(baseURL, "/") + "/api/v1/" + c.String(),
		subtypes: subtypes,
	}, nil
}

// Subtypes returns the types this config fetches.
func (cc CategoryConfig) Subtypes() []string {
	return append([]string(nil), cc.subtypes...)
}

// SplitTypes assigns each requested type to the categories it belongs to.
// Types unknown to every category are reported as an error.
func SplitTypes(types []string) (map[Category][]string, error) {
	out := map[Category][]string{}
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		found := false
		for _, c := range AllCategories() {
			for _, s := range categories[c].subtypes {
				if s == t {
					out[c] = append(out[c], t)
					found = true
				}
			}
		}
		if !found {
			return nil, fmt.Errorf("%w %q", ErrUnknownSubtype, t)
		}
	}
	return out, nil
}
