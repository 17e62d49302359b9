package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/oqwn/minichat/pkg/blocks"
	"github.com/oqwn/minichat/pkg/logger"
)

// StreamingIndicator marks content that is still arriving
const StreamingIndicator = "▍"

// Options configures a Renderer
type Options struct {
	Width int
	// Plain disables syntax highlighting of canvas fragments
	Plain bool
	// Style is the chroma style name, monokai by default
	Style string
}

// Renderer turns classified message text into terminal output
type Renderer struct {
	width     int
	formatter chroma.Formatter
	style     *chroma.Style

	cardStyle     lipgloss.Style
	titleStyle    lipgloss.Style
	labelStyle    lipgloss.Style
	refStyle      lipgloss.Style
	dimStyle      lipgloss.Style
	citationStyle lipgloss.Style
	canvasStyle   lipgloss.Style
	errorStyle    lipgloss.Style
	warningStyle  lipgloss.Style
	noteStyle     lipgloss.Style

	log *logger.ComponentLogger
}

// New creates a renderer
func New(opts Options) *Renderer {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	r := &Renderer{
		width: opts.Width,
		log:   logger.WithComponent("render"),

		cardStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#FFB000")).
			Padding(0, 1),
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB000")),
		labelStyle: lipgloss.NewStyle().
			Bold(true),
		refStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")),
		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),
		citationStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")).
			Underline(true),
		canvasStyle: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#FFD700")).
			Padding(0, 1),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F")).
			Bold(true),
		warningStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD75F")),
		noteStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true),
	}

	if !opts.Plain {
		r.formatter = formatters.Get("terminal16m")
		if r.formatter == nil {
			r.formatter = formatters.Fallback
		}
		name := opts.Style
		if name == "" {
			name = "monokai"
		}
		r.style = styles.Get(name)
	}
	return r
}

// Render draws res. Rendering stops at the first open block; while
// streaming, a marker shows that more content is on the way.
func (r *Renderer) Render(res blocks.Result, streaming bool) string {
	var sb strings.Builder
	for _, b := range res.Blocks {
		if b.Open {
			if streaming {
				sb.WriteString(r.pending(b))
			}
			return sb.String()
		}
		if b.Kind == blocks.PlainText {
			sb.WriteString(r.plain(res, b))
			continue
		}
		sb.WriteString(r.Block(b))
		if b.Kind != blocks.ErrorMarker {
			sb.WriteString("\n")
		}
	}
	if streaming {
		sb.WriteString(r.dimStyle.Render(StreamingIndicator))
	}
	return sb.String()
}

// Text returns the plain spans of res up to the first open block, with
// citations shortened
func (r *Renderer) Text(res blocks.Result) string {
	var sb strings.Builder
	for _, b := range res.Blocks {
		if b.Open {
			break
		}
		if b.Kind == blocks.PlainText {
			sb.WriteString(r.plain(res, b))
		}
	}
	return sb.String()
}

// Block renders one closed non-plain block
func (r *Renderer) Block(b blocks.Block) string {
	switch b.Kind {
	case blocks.PermissionRequest:
		if b.Permission == nil {
			return ""
		}
		return r.Permission(*b.Permission)
	case blocks.ReferenceList:
		return r.References(b.References)
	case blocks.CanvasFragment:
		return r.Canvas(b.Text)
	case blocks.ErrorMarker:
		return r.Error(b.Text)
	default:
		return b.Text
	}
}

// plain renders a plain span with its inline citations shortened to their
// bracketed number
func (r *Renderer) plain(res blocks.Result, b blocks.Block) string {
	var sb strings.Builder
	cursor := b.Span.Start
	for _, c := range res.Citations {
		if c.Span.Start < b.Span.Start || c.Span.End > b.Span.End {
			continue
		}
		sb.WriteString(res.Text[cursor:c.Span.Start])
		sb.WriteString(r.citationStyle.Render("[" + strconv.Itoa(c.Number) + "]"))
		cursor = c.Span.End
	}
	sb.WriteString(res.Text[cursor:b.Span.End])
	return sb.String()
}

func (r *Renderer) pending(b blocks.Block) string {
	switch b.Kind {
	case blocks.PermissionRequest:
		return r.dimStyle.Render("Preparing permission request" + StreamingIndicator)
	case blocks.CanvasFragment:
		return r.dimStyle.Render("Rendering canvas" + StreamingIndicator)
	default:
		return r.dimStyle.Render(StreamingIndicator)
	}
}

// Permission renders the card shown for a permission request
func (r *Renderer) Permission(p blocks.Permission) string {
	lines := []string{
		r.titleStyle.Render("Permission requested"),
		r.labelStyle.Render("Tool: ") + p.Tool,
	}
	if p.Description != "" {
		lines = append(lines, r.labelStyle.Render("Description: ")+p.Description)
	}
	if p.Purpose != "" {
		lines = append(lines, r.labelStyle.Render("Purpose: ")+p.Purpose)
	}
	lines = append(lines, r.dimStyle.Render("approve or cancel"))
	return r.cardStyle.Width(r.cardWidth()).Render(strings.Join(lines, "\n"))
}

// References renders a reference list
func (r *Renderer) References(refs []blocks.Reference) string {
	lines := []string{r.titleStyle.Render("References")}
	for _, ref := range refs {
		var head string
		if ref.Number == 0 {
			head = ref.Title
		} else {
			head = fmt.Sprintf("[%d] %s", ref.Number, ref.Title)
			if ref.Page != "" {
				head += fmt.Sprintf(" (p. %s)", ref.Page)
			}
			head += fmt.Sprintf(" %.1f%%", ref.Similarity)
		}
		lines = append(lines, r.refStyle.Render(head))
		if ref.Preview != "" {
			lines = append(lines, r.dimStyle.Render("  "+ref.Preview))
		}
	}
	return strings.Join(lines, "\n")
}

// Canvas renders a canvas fragment as highlighted markup
func (r *Renderer) Canvas(markup string) string {
	markup = strings.Trim(markup, "\n")
	return r.canvasStyle.Width(r.cardWidth()).Render(r.highlight(markup, "html"))
}

// Error renders the user-visible text of a failed turn
func (r *Renderer) Error(text string) string {
	return r.errorStyle.Render("Error: " + text)
}

// Warning renders advice shown before a turn
func (r *Renderer) Warning(text string) string {
	return r.warningStyle.Render("Warning: " + text)
}

// Note renders a system note
func (r *Renderer) Note(text string) string {
	return r.noteStyle.Render(text)
}

func (r *Renderer) highlight(code, language string) string {
	if r.formatter == nil || code == "" {
		return code
	}

	var lexer chroma.Lexer
	if language != "" {
		lexer = lexers.Get(language)
	}
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		r.log.Debug("failed to tokenize canvas, using plain text", "error", err)
		return code
	}
	var buf strings.Builder
	if err := r.formatter.Format(&buf, r.style, iterator); err != nil {
		r.log.Debug("failed to format canvas, using plain text", "error", err)
		return code
	}
	return buf.String()
}

func (r *Renderer) cardWidth() int {
	w := r.width - 4
	if w < 30 {
		w = 30
	}
	return w
}
