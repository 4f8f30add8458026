package extract

import "strings"

// QualityBreakdown carries the weighted components of a page quality
// score. Components sum to the total; weights are fixed:
// readability 25, completeness 30, metadata 20, uniqueness 15,
// structure 10.
type QualityBreakdown struct {
	Readability  int `json:"readability"`
	Completeness int `json:"completeness"`
	Metadata     int `json:"metadata"`
	Uniqueness   int `json:"uniqueness"`
	Structure    int `json:"structure"`
	Total        int `json:"total"`
}

// QualityScore grades an extraction 0..100. recentSimhashes are the
// simhashes of recently materialized pages in the same project; near
// duplicates lose the uniqueness component.
func QualityScore(res *Result, recentSimhashes []uint64) QualityBreakdown {
	qb := QualityBreakdown{
		Readability:  readabilityScore(res.Text),
		Completeness: completenessScore(res.WordCount),
		Metadata:     metadataScore(res),
		Uniqueness:   uniquenessScore(Simhash64(res.Text), recentSimhashes),
		Structure:    structureScore(res),
	}
	qb.Total = qb.Readability + qb.Completeness + qb.Metadata + qb.Uniqueness + qb.Structure
	return qb
}

// readabilityScore (max 25) rewards average sentence length in the
// 8..30 word band typical of prose.
func readabilityScore(text string) int {
	sentences := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	words := countWords(text)
	if sentences == 0 || words == 0 {
		return 0
	}
	avg := float64(words) / float64(sentences)
	switch {
	case avg >= 8 && avg <= 30:
		return 25
	case avg >= 5 && avg <= 45:
		return 15
	default:
		return 5
	}
}

// completenessScore (max 30) scales with word count.
func completenessScore(words int) int {
	switch {
	case words >= 500:
		return 30
	case words >= 200:
		return 24
	case words >= 100:
		return 18
	case words >= 50:
		return 10
	case words >= 20:
		return 5
	default:
		return 0
	}
}

// metadataScore (max 20) counts the descriptive fields the strategies
// surfaced.
func metadataScore(res *Result) int {
	score := 0
	if res.Title != "" {
		score += 6
	}
	if res.Language != "" {
		score += 2
	}
	for _, key := range []string{"description", "author", "published_time", "og_site_name"} {
		if _, ok := res.Metadata[key]; ok {
			score += 3
		}
	}
	if score > 20 {
		score = 20
	}
	return score
}

// uniquenessScore (max 15) compares the page simhash against recent
// pages; within 3 bits counts as a near duplicate.
func uniquenessScore(hash uint64, recent []uint64) int {
	minDist := 65
	for _, r := range recent {
		if d := HammingDistance(hash, r); d < minDist {
			minDist = d
		}
	}
	switch {
	case minDist > 16:
		return 15
	case minDist > 8:
		return 10
	case minDist > 3:
		return 5
	default:
		return 0
	}
}

// structureScore (max 10) rewards paragraph breaks and a markdown
// rendition, both signs the extractor found real document structure.
func structureScore(res *Result) int {
	score := 0
	if strings.Contains(res.Text, "\n\n") {
		score += 4
	}
	if res.Markdown != "" {
		score += 4
	}
	if res.Title != "" {
		score += 2
	}
	return score
}
