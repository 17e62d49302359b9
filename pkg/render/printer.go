package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/oqwn/minichat/pkg/blocks"
)

// Printer writes message snapshots to a line-oriented terminal. Plain text
// is printed as it grows. Cards for closed blocks are printed once the
// message settles, each at most once.
type Printer struct {
	r *Renderer
	w io.Writer

	mu      sync.Mutex
	printed map[string]string
	cards   map[string]int
}

// NewPrinter creates a printer writing to w
func NewPrinter(r *Renderer, w io.Writer) *Printer {
	return &Printer{
		r:       r,
		w:       w,
		printed: make(map[string]string),
		cards:   make(map[string]int),
	}
}

// Snapshot prints what is new in the snapshot of message id
func (p *Printer) Snapshot(id string, res blocks.Result, streaming bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	text := p.r.Text(res)
	prev := p.printed[id]
	switch {
	case strings.HasPrefix(text, prev):
		io.WriteString(p.w, text[len(prev):])
		p.printed[id] = text
	case !streaming:
		// text was rewritten under us, a citation closing for instance
		io.WriteString(p.w, "\n"+text)
		p.printed[id] = text
	}
	if streaming {
		return
	}

	closed := res.Closed()
	for _, b := range closed[min(p.cards[id], len(closed)):] {
		if out := p.r.Block(b); out != "" {
			fmt.Fprintf(p.w, "\n%s", out)
		}
	}
	p.cards[id] = len(closed)
	io.WriteString(p.w, "\n")
}

// Forget drops what was printed for message id
func (p *Printer) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.printed, id)
	delete(p.cards, id)
}

// Error prints an error line
func (p *Printer) Error(text string) {
	p.line(p.r.Error(text))
}

// Warning prints a warning line
func (p *Printer) Warning(text string) {
	p.line(p.r.Warning(text))
}

// Note prints a system note
func (p *Printer) Note(text string) {
	p.line(p.r.Note(text))
}

func (p *Printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}
