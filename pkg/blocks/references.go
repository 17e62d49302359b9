package blocks

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	referenceMarkerRe = regexp.MustCompile(`(?im)^[ \t]*-{3}[ \t]*references?[ \t]*-{3}[ \t]*$`)
	referenceEntryRe  = regexp.MustCompile(`^\[(\d+)\]\s+(.+?)\s+\(Page\s+([^)]*)\)\s+-\s+Similarity:\s*([0-9]+(?:\.[0-9]+)?)%\s*$`)
	referenceStartRe  = regexp.MustCompile(`^\[\d+\]`)
)

// ParseReferences parses the body that follows a references marker line.
// Entries are separated by blank lines or start with a bracketed number. An
// entry that does not match the expected pattern degrades to its first line.
func ParseReferences(body string) []Reference {
	var refs []Reference
	for _, entry := range splitEntries(body) {
		refs = append(refs, parseReference(entry))
	}
	return refs
}

func splitEntries(body string) [][]string {
	var (
		entries [][]string
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			entries = append(entries, current)
			current = nil
		}
	}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case referenceStartRe.MatchString(line):
			flush()
			current = append(current, line)
		default:
			current = append(current, line)
		}
	}
	flush()
	return entries
}

func parseReference(lines []string) Reference {
	first := lines[0]
	m := referenceEntryRe.FindStringSubmatch(first)
	if m == nil {
		return Reference{Title: first}
	}

	ref := Reference{
		Title: strings.TrimSpace(m[2]),
		Page:  strings.TrimSpace(m[3]),
	}
	ref.Number, _ = strconv.Atoi(m[1])
	ref.Similarity, _ = strconv.ParseFloat(m[4], 64)

	if len(lines) > 1 {
		ref.Preview = unquote(strings.Join(lines[1:], " "))
	}
	return ref
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range []string{`"`, "“", "'"} {
		if strings.HasPrefix(s, q) {
			s = strings.TrimPrefix(s, q)
			break
		}
	}
	for _, q := range []string{`"`, "”", "'"} {
		if strings.HasSuffix(s, q) {
			s = strings.TrimSuffix(s, q)
			break
		}
	}
	return strings.TrimSpace(s)
}

// FormatReference renders a reference in the grammar ParseReferences accepts
func FormatReference(r Reference) string {
	line := "[" + strconv.Itoa(r.Number) + "] " + r.Title +
		" (Page " + r.Page + ") - Similarity: " + strconv.FormatFloat(r.Similarity, 'f', 1, 64) + "%"
	if r.Preview != "" {
		line += "\n\"" + r.Preview + "\""
	}
	return line
}

// FormatReferences renders a complete references section, marker included
func FormatReferences(refs []Reference) string {
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		parts = append(parts, FormatReference(r))
	}
	return "--- References ---\n" + strings.Join(parts, "\n\n")
}
