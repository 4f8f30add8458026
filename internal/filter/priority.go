package filter

import (
	"net/url"
	"strings"
)

// articleTokens are path segments that usually indicate content pages.
var articleTokens = map[string]bool{
	"article": true, "articles": true, "post": true, "posts": true,
	"blog": true, "news": true, "story": true, "stories": true,
	"press": true, "release": true, "guide": true, "review": true,
}

// paginationHints in a path or query lower the score.
var paginationHints = []string{"/page/", "?page=", "&page=", "?paged=", "&paged=", "?offset=", "&offset="}

// PriorityScore computes the deterministic [1,10] priority of a capture
// from its URL and mime type. Baseline is 5; shallow paths and article
// tokens raise it, pagination hints and long query strings lower it.
func PriorityScore(rawURL, mimeType string) int {
	score := 5

	u, err := url.Parse(rawURL)
	if err != nil {
		return score
	}

	segments := splitPath(u.Path)
	if len(segments) <= 2 {
		score += 2
	}
	for _, seg := range segments {
		if articleTokens[strings.ToLower(seg)] {
			score++
			break
		}
	}

	lower := strings.ToLower(rawURL)
	for _, hint := range paginationHints {
		if strings.Contains(lower, hint) {
			score -= 2
			break
		}
	}
	if len(u.RawQuery) > 50 {
		score--
	}

	if !strings.HasPrefix(strings.ToLower(mimeType), "text/html") {
		score--
	}

	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
