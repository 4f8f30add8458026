package filter

import (
	"regexp"

	"hindsight/internal/config"
)

// ListPattern is one entry in the ordered list-page pattern registry. The
// registry replaces runtime rule discovery: patterns are declared here with
// their confidence and evaluated strictly in order.
type ListPattern struct {
	ID         string
	Pattern    *regexp.Regexp
	Confidence float64
}

// listPatterns match URL paths that are index/listing pages rather than
// content. First match wins.
var listPatterns = []ListPattern{
	{ID: "blog_pagination", Pattern: regexp.MustCompile(`/blog/page/\d+`), Confidence: 0.95},
	{ID: "category_pagination", Pattern: regexp.MustCompile(`/category/.+/page/\d+`), Confidence: 0.95},
	{ID: "tag_pagination", Pattern: regexp.MustCompile(`/tag/.+/page/\d+`), Confidence: 0.95},
	{ID: "generic_pagination", Pattern: regexp.MustCompile(`/page/\d+/?$`), Confidence: 0.9},
	{ID: "date_archive", Pattern: regexp.MustCompile(`/\d{4}/\d{2}/?$`), Confidence: 0.85},
	{ID: "author_index", Pattern: regexp.MustCompile(`/author/[^/]+/?$`), Confidence: 0.85},
	{ID: "category_index", Pattern: regexp.MustCompile(`/category/[^/]+/?$`), Confidence: 0.8},
	{ID: "tag_index", Pattern: regexp.MustCompile(`/tag/[^/]+/?$`), Confidence: 0.8},
	{ID: "archive_index", Pattern: regexp.MustCompile(`/archives?(/|$)`), Confidence: 0.8},
	{ID: "query_pagination", Pattern: regexp.MustCompile(`[?&](page|paged|offset)=\d+`), Confidence: 0.9},
}

// ListPatterns returns the registry in evaluation order.
func ListPatterns() []ListPattern {
	return listPatterns
}

// matchListPattern returns the first matching pattern for a URL, or nil.
func matchListPattern(rawURL string) *ListPattern {
	for i := range listPatterns {
		if listPatterns[i].Pattern.MatchString(rawURL) {
			return &listPatterns[i]
		}
	}
	return nil
}

// CustomRule is a project-configured filter rule compiled at load time.
type CustomRule struct {
	ID         string
	Pattern    *regexp.Regexp
	Confidence float64
}

// CompileCustomRules compiles rule patterns, skipping entries that do not
// compile. Invalid patterns are a configuration mistake, not a reason to
// fail discovery.
func CompileCustomRules(rules []config.CustomRuleConfig) []CustomRule {
	out := make([]CustomRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			continue
		}
		conf := r.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.8
		}
		out = append(out, CustomRule{ID: r.ID, Pattern: re, Confidence: conf})
	}
	return out
}
