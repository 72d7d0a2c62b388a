// Package jobsource holds job source implementations and decorators.
package jobsource

import (
	"context"
	"strconv"
	"strings"

	"github.com/JakeFAU/autoapply/internal/apply"
)

// FilterConfig selects which postings reach workers.
type FilterConfig struct {
	// MinMatchScore drops postings whose match_score metadata is below it.
	MinMatchScore float64 `mapstructure:"min_match_score"`
	// ExcludeKeywords drops postings whose title contains any of them (case-insensitive).
	ExcludeKeywords []string `mapstructure:"exclude_keywords"`
}

// Enabled reports whether the filter drops anything.
func (c FilterConfig) Enabled() bool {
	return c.MinMatchScore > 0 || len(c.ExcludeKeywords) > 0
}

// Filter wraps a Source and hides postings that fail the configured criteria.
type Filter struct {
	apply.Source
	cfg      FilterConfig
	keywords []string
}

// NewFilter wraps src. The returned Source passes through every call but FetchWorkItems.
func NewFilter(src apply.Source, cfg FilterConfig) *Filter {
	keywords := make([]string, 0, len(cfg.ExcludeKeywords))
	for _, k := range cfg.ExcludeKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Filter{Source: src, cfg: cfg, keywords: keywords}
}

// FetchWorkItems fetches from the wrapped source and drops rejected postings.
// The result may be shorter than limit.
func (f *Filter) FetchWorkItems(ctx context.Context, session apply.Session, limit int) ([]apply.WorkItem, error) {
	items, err := f.Source.FetchWorkItems(ctx, session, limit)
	if err != nil {
		return nil, err
	}
	kept := items[:0]
	for _, item := range items {
		if f.Accept(item) {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

// Accept reports whether item passes the filter.
func (f *Filter) Accept(item apply.WorkItem) bool {
	if f.cfg.MinMatchScore > 0 {
		if raw, ok := item.Metadata["match_score"]; ok {
			score, err := strconv.ParseFloat(raw, 64)
			if err == nil && score < f.cfg.MinMatchScore {
				return false
			}
		}
	}
	title := strings.ToLower(item.Title)
	for _, k := range f.keywords {
		if strings.Contains(title, k) {
			return false
		}
	}
	return true
}
