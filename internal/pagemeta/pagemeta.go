package pagemeta

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Title returns the human title of a viewer page, preferring og:title
func Title(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("reading HTML: %w", err)
	}

	if title, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if title = strings.TrimSpace(title); title != "" {
			return title, nil
		}
	}

	return strings.TrimSpace(doc.Find("title").First().Text()), nil
}

// Slug turns a title into a file name stem
func Slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}

	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "image"
	}
	return slug
}
