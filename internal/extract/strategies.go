package extract

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// Result is the normalized output of one extraction strategy.
type Result struct {
	Method     string
	Title      string
	Text       string
	Markdown   string
	Language   string
	WordCount  int
	CharCount  int
	Metadata   map[string]any
	Confidence float64
}

// Strategy extracts content from archived HTML bytes. Strategies must be
// deterministic: identical bytes yield identical results.
type Strategy interface {
	Name() string
	// F1 is the published benchmark hint for the strategy; used only as
	// tie-break metadata, never for selection logic.
	F1() float64
	Extract(ctx context.Context, body []byte, sourceURL string) (*Result, error)
}

// strippedSelectors are removed before any content scoring.
const strippedSelectors = "script, style, noscript, iframe, nav, header, footer, aside, form"

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func countWords(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}

// docTitle picks the best title available: og:title, then <title>, then the
// first h1.
func docTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", "")); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func docLanguage(doc *goquery.Document) string {
	lang, _ := doc.Find("html").First().Attr("lang")
	if i := strings.Index(lang, "-"); i > 0 {
		lang = lang[:i]
	}
	return strings.ToLower(strings.TrimSpace(lang))
}

func docMetadata(doc *goquery.Document, sourceURL string) map[string]any {
	md := map[string]any{"source_url": sourceURL}
	put := func(key, val string) {
		if val = strings.TrimSpace(val); val != "" {
			md[key] = val
		}
	}
	put("description", doc.Find(`meta[name="description"]`).AttrOr("content", ""))
	put("keywords", doc.Find(`meta[name="keywords"]`).AttrOr("content", ""))
	put("author", doc.Find(`meta[name="author"]`).AttrOr("content", ""))
	put("og_title", doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	put("og_description", doc.Find(`meta[property="og:description"]`).AttrOr("content", ""))
	put("og_site_name", doc.Find(`meta[property="og:site_name"]`).AttrOr("content", ""))
	put("og_type", doc.Find(`meta[property="og:type"]`).AttrOr("content", ""))
	put("published_time", doc.Find(`meta[property="article:published_time"]`).AttrOr("content", ""))
	return md
}

func finishResult(method string, doc *goquery.Document, sourceURL, text, markdown string, confidence float64) *Result {
	text = normalizeText(text)
	return &Result{
		Method:     method,
		Title:      docTitle(doc),
		Text:       text,
		Markdown:   markdown,
		Language:   docLanguage(doc),
		WordCount:  countWords(text),
		CharCount:  len(text),
		Metadata:   docMetadata(doc, sourceURL),
		Confidence: confidence,
	}
}

// Trafilatura is the highest-quality tier: density-scored main content
// selection with boilerplate stripping and a markdown rendition.
type Trafilatura struct {
	converter *htmlmd.Converter
}

func NewTrafilatura() *Trafilatura {
	return &Trafilatura{converter: htmlmd.NewConverter("", true, nil)}
}

func (t *Trafilatura) Name() string { return "trafilatura" }
func (t *Trafilatura) F1() float64  { return 0.945 }

func (t *Trafilatura) Extract(ctx context.Context, body []byte, sourceURL string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	doc.Find(strippedSelectors).Remove()

	node := mainContentNode(doc)
	if node == nil {
		return nil, errNoContent
	}

	text := node.Text()
	html, err := node.Html()
	markdown := ""
	if err == nil {
		if md, mdErr := t.converter.ConvertString(html); mdErr == nil {
			markdown = strings.TrimSpace(md)
		}
	}

	confidence := contentConfidence(node, text)
	return finishResult(t.Name(), doc, sourceURL, text, markdown, confidence), nil
}

// mainContentNode scores candidate containers by text mass, paragraph
// count, and link density, returning the best one.
func mainContentNode(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestScore := 0.0

	doc.Find("article, main, [role=main], section, div").Each(func(_ int, sel *goquery.Selection) {
		text := normalizeText(sel.Text())
		words := countWords(text)
		if words < 10 {
			return
		}
		paragraphs := sel.Find("p").Length()
		linkWords := countWords(normalizeText(sel.Find("a").Text()))
		linkDensity := 0.0
		if words > 0 {
			linkDensity = float64(linkWords) / float64(words)
		}

		score := float64(words) * (1 - linkDensity)
		score += float64(paragraphs) * 15
		switch goquery.NodeName(sel) {
		case "article", "main":
			score *= 1.5
		}
		if score > bestScore {
			bestScore = score
			best = sel
		}
	})

	if best == nil {
		body := doc.Find("body")
		if body.Length() > 0 && countWords(normalizeText(body.Text())) > 0 {
			return body
		}
		return nil
	}
	return best
}

// contentConfidence derives a deterministic [0,1] confidence from the
// chosen node's structure.
func contentConfidence(node *goquery.Selection, text string) float64 {
	words := countWords(normalizeText(text))
	conf := 0.3
	switch {
	case words >= 300:
		conf += 0.4
	case words >= 100:
		conf += 0.3
	case words >= 30:
		conf += 0.2
	}
	if node.Find("p").Length() >= 3 {
		conf += 0.15
	}
	linkWords := countWords(normalizeText(node.Find("a").Text()))
	if words > 0 && float64(linkWords)/float64(words) < 0.3 {
		conf += 0.15
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

// Newspaper is the middle tier: metadata-driven extraction preferring
// article containers and paragraph aggregation.
type Newspaper struct{}

func NewNewspaper() *Newspaper { return &Newspaper{} }

func (n *Newspaper) Name() string { return "newspaper" }
func (n *Newspaper) F1() float64  { return 0.912 }

func (n *Newspaper) Extract(ctx context.Context, body []byte, sourceURL string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	doc.Find(strippedSelectors).Remove()

	container := doc.Find("article").First()
	if container.Length() == 0 {
		container = doc.Find("body")
	}

	var parts []string
	container.Find("p").Each(func(_ int, sel *goquery.Selection) {
		if p := normalizeText(sel.Text()); countWords(p) >= 5 {
			parts = append(parts, p)
		}
	})
	if len(parts) == 0 {
		return nil, errNoContent
	}
	text := strings.Join(parts, "\n\n")

	conf := 0.35
	if len(parts) >= 3 {
		conf += 0.25
	}
	if countWords(text) >= 100 {
		conf += 0.2
	}
	if docTitle(doc) != "" {
		conf += 0.1
	}

	res := finishResult(n.Name(), doc, sourceURL, text, "", conf)
	// Paragraph boundaries carry meaning here; keep them in the text.
	res.Text = text
	res.WordCount = countWords(text)
	res.CharCount = len(text)
	return res, nil
}

// BeautifulSoup is the last-resort tier: whole-document text with
// whitespace collapsing, no structural selection.
type BeautifulSoup struct{}

func NewBeautifulSoup() *BeautifulSoup { return &BeautifulSoup{} }

func (b *BeautifulSoup) Name() string { return "beautifulsoup" }
func (b *BeautifulSoup) F1() float64  { return 0.75 }

func (b *BeautifulSoup) Extract(ctx context.Context, body []byte, sourceURL string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	doc.Find(strippedSelectors).Remove()

	text := normalizeText(doc.Find("body").Text())
	if text == "" {
		text = normalizeText(doc.Text())
	}
	if text == "" {
		return nil, errNoContent
	}

	conf := 0.3
	if countWords(text) >= 50 {
		conf += 0.2
	}
	return finishResult(b.Name(), doc, sourceURL, text, "", conf), nil
}
