package blocks

import (
	"regexp"
	"strconv"
	"strings"
)

// WaitPlaceholder replaces fenced HTML blocks while they are rendered
const WaitPlaceholder = "⏳ Generating preview, please wait..."

var (
	// an html fence runs to its closing fence or, while streaming, to the end
	htmlFenceRe = regexp.MustCompile("(?is)```[ \t]*(?:html|htm|xhtml)[ \t]*(?:\r?\n.*?(?:```|\\z)|\\z)")

	citeTagRe  = regexp.MustCompile(`(?is)<cite\b([^>]*)>(.*?)</cite>`)
	citeAttrRe = regexp.MustCompile(`(?is)\b(title|data-source)\s*=\s*"([^"]*)"`)
	citeNumRe  = regexp.MustCompile(`\[(\d+)\]`)
)

// Normalize applies the text rewrites that precede classification. Each
// rewrite is idempotent, so Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	text = strings.ReplaceAll(text, `\n`, "\n")
	text = htmlFenceRe.ReplaceAllLiteralString(text, WaitPlaceholder)
	return collapseCitations(text)
}

// collapseCitations rewrites cite tags that span several lines into the
// single line form, keeping the number and the title/data-source attributes.
func collapseCitations(text string) string {
	return citeTagRe.ReplaceAllStringFunc(text, func(tag string) string {
		if !strings.Contains(tag, "\n") {
			return tag
		}
		c := parseCitation(tag)
		return formatCitation(c)
	})
}

func parseCitation(tag string) Citation {
	var c Citation
	m := citeTagRe.FindStringSubmatch(tag)
	if m == nil {
		return c
	}
	for _, attr := range citeAttrRe.FindAllStringSubmatch(m[1], -1) {
		value := strings.Join(strings.Fields(attr[2]), " ")
		switch strings.ToLower(attr[1]) {
		case "title":
			c.Title = value
		case "data-source":
			c.Source = value
		}
	}
	if n := citeNumRe.FindStringSubmatch(m[2]); n != nil {
		c.Number, _ = strconv.Atoi(n[1])
	}
	return c
}

func formatCitation(c Citation) string {
	var sb strings.Builder
	sb.WriteString("<cite")
	if c.Source != "" {
		sb.WriteString(` data-source="` + c.Source + `"`)
	}
	if c.Title != "" {
		sb.WriteString(` title="` + c.Title + `"`)
	}
	sb.WriteString(">")
	if c.Number > 0 {
		sb.WriteString("[" + strconv.Itoa(c.Number) + "]")
	}
	sb.WriteString("</cite>")
	return sb.String()
}
