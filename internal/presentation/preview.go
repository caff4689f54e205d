package presentation

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxPreviewRunes caps the excerpt shown under a fetched page.
const MaxPreviewRunes = 160

// ContentPreview returns a single-line excerpt of fetched page content.
// Markup is stripped when the content looks like HTML.
func ContentPreview(content string, limit int) string {
	content = strings.TrimSpace(content)
	if content == "" || limit <= 0 {
		return ""
	}
	if looksLikeHTML(content) {
		if text, ok := htmlText(content); ok {
			content = text
		}
	}
	content = strings.Join(strings.Fields(content), " ")

	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return strings.TrimRight(string(runes[:limit-1]), " ") + "…"
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") ||
		(strings.Contains(lower, "<p") && strings.Contains(lower, "</"))
}

func htmlText(markup string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", false
	}
	doc.Find("script, style, noscript, nav, footer, header, aside, iframe").Remove()

	body := doc.Find("main, article").First()
	if body.Length() == 0 {
		body = doc.Find("body")
	}
	text := strings.TrimSpace(body.Text())
	if text == "" {
		text = strings.TrimSpace(doc.Text())
	}
	return text, text != ""
}
