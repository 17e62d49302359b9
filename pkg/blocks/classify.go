package blocks

import (
	"regexp"
	"sort"
	"strings"
)

const (
	PermissionStart = "[MCP_PERMISSION_REQUEST]"
	PermissionEnd   = "[/MCP_PERMISSION_REQUEST]"
)

var (
	canvasStartRe = regexp.MustCompile(`(?i)\[canvas mode\]`)
	canvasEndRe   = regexp.MustCompile(`(?i)\[/canvas mode\]`)

	permissionFields = []string{"TOOL:", "DESCRIPTION:", "PURPOSE:"}
)

// Classify normalizes text and partitions it into blocks. It holds no state
// between calls and can be run on every prefix of a growing message.
//
// Grammars are resolved in priority order: permission requests first, then
// the references section, then canvas fragments in whatever text remains.
// Plain text fills every gap.
func Classify(raw string) Result {
	text := Normalize(raw)
	res := Result{Text: text}

	var found []Block
	found = append(found, scanPermissions(text)...)
	found = append(found, scanReferences(text, found)...)
	found = append(found, scanCanvas(text, found)...)
	sort.Slice(found, func(i, j int) bool { return found[i].Span.Start < found[j].Span.Start })

	cursor := 0
	for _, b := range found {
		if b.Span.Start > cursor {
			res.Blocks = append(res.Blocks, plain(text, cursor, b.Span.Start))
		}
		res.Blocks = append(res.Blocks, b)
		cursor = b.Span.End
		if b.Open {
			res.Open = true
		}
	}
	if cursor < len(text) {
		res.Blocks = append(res.Blocks, plain(text, cursor, len(text)))
	}

	for _, b := range res.Blocks {
		if b.Kind == PlainText {
			res.Citations = append(res.Citations, scanCitations(text, b.Span)...)
		}
	}
	return res
}

func plain(text string, start, end int) Block {
	return Block{Kind: PlainText, Span: Span{start, end}, Text: text[start:end]}
}

func scanPermissions(text string) []Block {
	var out []Block
	pos := 0
	for {
		i := strings.Index(text[pos:], PermissionStart)
		if i < 0 {
			// a start marker split across chunks is held back as open
			if n := startPrefixSuffix(text[pos:]); n > 0 {
				out = append(out, Block{
					Kind: PermissionRequest,
					Span: Span{len(text) - n, len(text)},
					Open: true,
				})
			}
			return out
		}
		start := pos + i
		bodyStart := start + len(PermissionStart)

		j := strings.Index(text[bodyStart:], PermissionEnd)
		if j < 0 {
			return append(out, Block{
				Kind: PermissionRequest,
				Span: Span{start, len(text)},
				Open: true,
				Text: text[bodyStart:],
			})
		}

		body := text[bodyStart : bodyStart+j]
		end := bodyStart + j + len(PermissionEnd)
		p := parsePermission(body)
		out = append(out, Block{
			Kind:       PermissionRequest,
			Span:       Span{start, end},
			Text:       body,
			Permission: &p,
		})
		pos = end
	}
}

// startPrefixSuffix returns the length of the longest suffix of s that is a
// proper prefix of PermissionStart.
func startPrefixSuffix(s string) int {
	n := len(PermissionStart) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, PermissionStart[:n]) {
			return n
		}
	}
	return 0
}

// parsePermission extracts the labelled fields. Each value runs until the
// next label or the end of the body.
func parsePermission(body string) Permission {
	values := make(map[string]string, len(permissionFields))
	for _, label := range permissionFields {
		i := strings.Index(body, label)
		if i < 0 {
			continue
		}
		start := i + len(label)
		end := len(body)
		for _, other := range permissionFields {
			if other == label {
				continue
			}
			if k := strings.Index(body[start:], other); k >= 0 && start+k < end {
				end = start + k
			}
		}
		values[label] = strings.TrimSpace(body[start:end])
	}
	return Permission{
		Tool:        values["TOOL:"],
		Description: values["DESCRIPTION:"],
		Purpose:     values["PURPOSE:"],
	}
}

// scanReferences finds the first references marker outside taken. The
// section runs to the next taken region or the end of the text.
func scanReferences(text string, taken []Block) []Block {
	for _, loc := range referenceMarkerRe.FindAllStringIndex(text, -1) {
		if covered(taken, loc[0]) {
			continue
		}
		end := nextTaken(taken, loc[0], len(text))
		body := text[loc[1]:end]
		return []Block{{
			Kind:       ReferenceList,
			Span:       Span{loc[0], end},
			Text:       body,
			References: ParseReferences(body),
		}}
	}
	return nil
}

// scanCanvas finds canvas fragments in the gaps left by taken. An unclosed
// fragment extends to the end of its gap and is open when that gap is the
// tail of the text.
func scanCanvas(text string, taken []Block) []Block {
	var out []Block
	for _, gap := range gaps(taken, len(text)) {
		pos := gap.Start
		for pos < gap.End {
			loc := canvasStartRe.FindStringIndex(text[pos:gap.End])
			if loc == nil {
				break
			}
			start := pos + loc[0]
			bodyStart := pos + loc[1]

			endLoc := canvasEndRe.FindStringIndex(text[bodyStart:gap.End])
			if endLoc == nil {
				out = append(out, Block{
					Kind: CanvasFragment,
					Span: Span{start, gap.End},
					Open: gap.End == len(text),
					Text: strings.TrimSpace(text[bodyStart:gap.End]),
				})
				break
			}

			end := bodyStart + endLoc[1]
			out = append(out, Block{
				Kind: CanvasFragment,
				Span: Span{start, end},
				Text: strings.TrimSpace(text[bodyStart : bodyStart+endLoc[0]]),
			})
			pos = end
		}
	}
	return out
}

func covered(taken []Block, pos int) bool {
	for _, b := range taken {
		if pos >= b.Span.Start && pos < b.Span.End {
			return true
		}
	}
	return false
}

func nextTaken(taken []Block, pos, limit int) int {
	end := limit
	for _, b := range taken {
		if b.Span.Start > pos && b.Span.Start < end {
			end = b.Span.Start
		}
	}
	return end
}

func gaps(taken []Block, n int) []Span {
	sorted := append([]Block(nil), taken...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Span.Start < sorted[j].Span.Start })

	var out []Span
	cursor := 0
	for _, b := range sorted {
		if b.Span.Start > cursor {
			out = append(out, Span{cursor, b.Span.Start})
		}
		if b.Span.End > cursor {
			cursor = b.Span.End
		}
	}
	if cursor < n {
		out = append(out, Span{cursor, n})
	}
	return out
}

func scanCitations(text string, span Span) []Citation {
	var out []Citation
	segment := text[span.Start:span.End]
	for _, loc := range citeTagRe.FindAllStringIndex(segment, -1) {
		c := parseCitation(segment[loc[0]:loc[1]])
		c.Span = Span{span.Start + loc[0], span.Start + loc[1]}
		out = append(out, c)
	}
	return out
}
