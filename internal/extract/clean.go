package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	dropBlocks = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
		regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`),
		regexp.MustCompile(`(?is)<svg\b[^>]*>.*?</svg\s*>`),
		regexp.MustCompile(`(?is)<noscript\b[^>]*>.*?</noscript\s*>`),
		regexp.MustCompile(`(?is)<!--.*?-->`),
	}
	spaceRe = regexp.MustCompile(`[ \t\r\f\v]+`)
	nlRe    = regexp.MustCompile(`\s*\n\s*`)
)

// Clean strips blocks that never carry office data and collapses
// whitespace. Markup is kept so the model can use the page structure. The
// result is cut to at most maxChars runes; zero means no limit.
func Clean(raw []byte, maxChars int) string {
	html := strings.ToValidUTF8(string(raw), "")
	for _, re := range dropBlocks {
		html = re.ReplaceAllString(html, "")
	}
	html = spaceRe.ReplaceAllString(html, " ")
	html = nlRe.ReplaceAllString(html, "\n")
	html = strings.TrimSpace(html)
	return truncate(html, maxChars)
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}
