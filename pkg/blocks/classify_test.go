package blocks_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oqwn/minichat/pkg/blocks"
)

var _ = Describe("Classify", func() {
	Context("with plain text", func() {
		It("returns a single plain block", func() {
			res := blocks.Classify("just an answer")

			Expect(res.Open).To(BeFalse())
			Expect(res.Blocks).To(HaveLen(1))
			Expect(res.Blocks[0].Kind).To(Equal(blocks.PlainText))
			Expect(res.Blocks[0].Span).To(Equal(blocks.Span{Start: 0, End: 14}))
			Expect(res.Renderable()).To(Equal("just an answer"))
		})

		It("returns no blocks for empty text", func() {
			res := blocks.Classify("")
			Expect(res.Blocks).To(BeEmpty())
			Expect(res.Open).To(BeFalse())
		})
	})

	Context("with a permission request", func() {
		const text = "Result: [MCP_PERMISSION_REQUEST] TOOL: search DESCRIPTION: web search PURPOSE: find docs [/MCP_PERMISSION_REQUEST]"

		It("splits leading plain text from the closed request", func() {
			res := blocks.Classify(text)

			Expect(res.Blocks).To(HaveLen(2))
			Expect(res.Blocks[0].Kind).To(Equal(blocks.PlainText))
			Expect(res.Blocks[0].Text).To(Equal("Result: "))

			perm := res.Blocks[1]
			Expect(perm.Kind).To(Equal(blocks.PermissionRequest))
			Expect(perm.Open).To(BeFalse())
			Expect(*perm.Permission).To(Equal(blocks.Permission{
				Tool:        "search",
				Description: "web search",
				Purpose:     "find docs",
			}))
			Expect(perm.Span.End).To(Equal(len(text)))
		})

		It("reports the request as pending when it ends the message", func() {
			p, ok := blocks.Classify(text + "\n\n").PendingPermission()
			Expect(ok).To(BeTrue())
			Expect(p.Tool).To(Equal("search"))
		})

		It("is not pending once text follows it", func() {
			_, ok := blocks.Classify(text + "\n\nApproved, searching now.").PendingPermission()
			Expect(ok).To(BeFalse())
		})

		It("stays open and suppresses trailing text until the end marker arrives", func() {
			cut := strings.Index(text, "[/MCP")
			for i := strings.Index(text, "[MCP") + len(blocks.PermissionStart); i < cut; i++ {
				res := blocks.Classify(text[:i])

				Expect(res.Open).To(BeTrue(), "prefix %q", text[:i])
				Expect(res.Closed()).To(BeEmpty())
				Expect(res.Renderable()).To(Equal("Result: "))
				_, pending := res.PendingPermission()
				Expect(pending).To(BeFalse())
			}
		})

		It("holds back a start marker split at the end of the text", func() {
			start := strings.Index(text, "[MCP")
			for i := start + 1; i < start+len(blocks.PermissionStart); i++ {
				res := blocks.Classify(text[:i])

				Expect(res.Open).To(BeTrue(), "prefix %q", text[:i])
				Expect(res.Renderable()).To(Equal("Result: "))
				Expect(res.Closed()).To(BeEmpty())
			}
		})

		It("keeps a bracket that cannot start a request", func() {
			res := blocks.Classify("see [1] and [x")
			Expect(res.Open).To(BeFalse())
			Expect(res.Renderable()).To(Equal("see [1] and [x"))
		})

		It("extracts fields across lines and in any order", func() {
			res := blocks.Classify("[MCP_PERMISSION_REQUEST]\nPURPOSE:  look it up \nTOOL: fetch\nDESCRIPTION: http get\n[/MCP_PERMISSION_REQUEST]")

			Expect(res.Closed()).To(HaveLen(1))
			Expect(*res.Closed()[0].Permission).To(Equal(blocks.Permission{
				Tool:        "fetch",
				Description: "http get",
				Purpose:     "look it up",
			}))
		})

		It("finds consecutive requests without overlap", func() {
			one := "[MCP_PERMISSION_REQUEST]TOOL: a[/MCP_PERMISSION_REQUEST]"
			two := "[MCP_PERMISSION_REQUEST]TOOL: b[/MCP_PERMISSION_REQUEST]"
			res := blocks.Classify(one + " and " + two)

			closed := res.Closed()
			Expect(closed).To(HaveLen(2))
			Expect(closed[0].Permission.Tool).To(Equal("a"))
			Expect(closed[1].Permission.Tool).To(Equal("b"))
			Expect(closed[0].Span.End).To(BeNumerically("<=", closed[1].Span.Start))
		})
	})

	Context("with a references section", func() {
		const text = "The answer is 42.\n\n--- References ---\n" +
			"[1] Guide to Everything (Page 3) - Similarity: 87.5%\n\"The answer to life\"\n\n" +
			"[2] Appendix (Page 12) - Similarity: 61%\n\n" +
			"Some loose note"

		It("parses every entry", func() {
			res := blocks.Classify(text)

			Expect(res.Blocks).To(HaveLen(2))
			Expect(res.Blocks[0].Text).To(Equal("The answer is 42.\n\n"))

			refs := res.Blocks[1].References
			Expect(refs).To(HaveLen(3))
			Expect(refs[0]).To(Equal(blocks.Reference{
				Number:     1,
				Title:      "Guide to Everything",
				Page:       "3",
				Similarity: 87.5,
				Preview:    "The answer to life",
			}))
			Expect(refs[1].Number).To(Equal(2))
			Expect(refs[1].Similarity).To(Equal(61.0))
		})

		It("degrades malformed entries instead of dropping them", func() {
			res := blocks.Classify("--- Reference ---\n[3] Missing page - Similarity: 50%\n\n[4] No similarity (Page 2)")

			refs := res.Blocks[0].References
			Expect(refs).To(HaveLen(2))
			Expect(refs[0]).To(Equal(blocks.Reference{Title: "[3] Missing page - Similarity: 50%"}))
			Expect(refs[1]).To(Equal(blocks.Reference{Title: "[4] No similarity (Page 2)"}))
		})

		It("matches the marker case-insensitively", func() {
			res := blocks.Classify("text\n--- REFERENCES ---\n[1] A (Page 1) - Similarity: 10%")
			Expect(res.Closed()).To(HaveLen(1))
			Expect(res.Closed()[0].Kind).To(Equal(blocks.ReferenceList))
		})

		It("ignores a marker inside an open permission request", func() {
			res := blocks.Classify("[MCP_PERMISSION_REQUEST] TOOL: x\n--- References ---\n")
			Expect(res.Blocks).To(HaveLen(1))
			Expect(res.Blocks[0].Kind).To(Equal(blocks.PermissionRequest))
			Expect(res.Open).To(BeTrue())
		})

		It("round trips formatted references", func() {
			refs := []blocks.Reference{
				{Number: 1, Title: "Doc", Page: "4", Similarity: 92.3, Preview: "snippet"},
				{Number: 2, Title: "Other", Page: "N/A", Similarity: 40},
			}
			res := blocks.Classify(blocks.FormatReferences(refs))
			Expect(res.Blocks[0].References).To(Equal(refs))
		})
	})

	Context("with canvas fragments", func() {
		It("extracts closed fragments as raw markup", func() {
			res := blocks.Classify("Here:\n[canvas mode]\n<div>hi</div>\n[/canvas mode]\nDone.")

			Expect(res.Blocks).To(HaveLen(3))
			Expect(res.Blocks[1].Kind).To(Equal(blocks.CanvasFragment))
			Expect(res.Blocks[1].Text).To(Equal("<div>hi</div>"))
			Expect(res.Blocks[2].Text).To(Equal("\nDone."))
			Expect(res.Open).To(BeFalse())
		})

		It("keeps an unclosed trailing fragment open", func() {
			res := blocks.Classify("Here:\n[Canvas Mode]\n<div>")
			Expect(res.Open).To(BeTrue())
			Expect(res.Renderable()).To(Equal("Here:\n"))
		})

		It("gives permission requests priority over canvas markers", func() {
			res := blocks.Classify("[canvas mode]<p>[MCP_PERMISSION_REQUEST]TOOL: t[/MCP_PERMISSION_REQUEST]</p>[/canvas mode]")

			kinds := []blocks.Kind{}
			for _, b := range res.Blocks {
				kinds = append(kinds, b.Kind)
			}
			Expect(kinds).To(ContainElement(blocks.PermissionRequest))
			Expect(res.Closed()[0].Kind).To(Equal(blocks.CanvasFragment))
			Expect(res.Closed()[1].Kind).To(Equal(blocks.PermissionRequest))
		})
	})

	Context("with inline citations", func() {
		It("collapses multi-line tags and records them", func() {
			res := blocks.Classify("Fact <cite\n  data-source=\"doc.pdf\"\n  title=\"Big\n  Book\">\n[2]\n</cite> end")

			Expect(res.Text).To(Equal(`Fact <cite data-source="doc.pdf" title="Big Book">[2]</cite> end`))
			Expect(res.Citations).To(HaveLen(1))
			Expect(res.Citations[0].Number).To(Equal(2))
			Expect(res.Citations[0].Title).To(Equal("Big Book"))
			Expect(res.Citations[0].Source).To(Equal("doc.pdf"))
			c := res.Citations[0]
			Expect(res.Text[c.Span.Start:c.Span.End]).To(HavePrefix("<cite"))
		})

		It("leaves single-line tags untouched", func() {
			text := `See <cite title="A" data-source="a.md">[1]</cite>.`
			Expect(blocks.Classify(text).Text).To(Equal(text))
		})
	})

	Context("with normalization", func() {
		It("turns escaped newlines into real ones", func() {
			Expect(blocks.Normalize(`a\nb`)).To(Equal("a\nb"))
		})

		It("replaces a leading html fence with the placeholder", func() {
			text := "```html\n<html><body>hi</body></html>\n```\nExplanation"
			Expect(blocks.Normalize(text)).To(Equal(blocks.WaitPlaceholder + "\nExplanation"))
		})

		It("replaces an unclosed html fence while streaming", func() {
			Expect(blocks.Normalize("```html\n<div>partial")).To(Equal(blocks.WaitPlaceholder))
		})

		It("replaces a fence whose language tag ends the text", func() {
			Expect(blocks.Normalize("Here:\n```html")).To(Equal("Here:\n" + blocks.WaitPlaceholder))
			Expect(blocks.Normalize("Here:\n```html \r\n")).To(Equal("Here:\n" + blocks.WaitPlaceholder))
			Expect(blocks.Normalize("```htmlx")).To(Equal("```htmlx"))
		})

		It("replaces later html fences too but keeps other languages", func() {
			text := "Intro\n```go\nfmt.Println()\n```\n```HTML\n<p>x</p>\n```"
			Expect(blocks.Normalize(text)).To(Equal("Intro\n```go\nfmt.Println()\n```\n" + blocks.WaitPlaceholder))
		})
	})

	Describe("idempotence", func() {
		inputs := []string{
			"Result: [MCP_PERMISSION_REQUEST] TOOL: search DESCRIPTION: web search PURPOSE: find docs [/MCP_PERMISSION_REQUEST]",
			"```html\n<b>x</b>\n```\\nthen <cite\ntitle=\"T\">[1]</cite>\n--- References ---\n[1] T (Page 1) - Similarity: 90%",
			"[canvas mode]<svg/>",
		}

		It("yields identical results when run twice", func() {
			for _, in := range inputs {
				Expect(blocks.Classify(in)).To(Equal(blocks.Classify(in)))
			}
		})

		It("is stable on its own normalized output", func() {
			for _, in := range inputs {
				first := blocks.Classify(in)
				Expect(blocks.Classify(first.Text)).To(Equal(first))
			}
		})
	})

	It("covers the text without gaps or overlap", func() {
		text := "a [canvas mode]x[/canvas mode] b [MCP_PERMISSION_REQUEST]TOOL: t[/MCP_PERMISSION_REQUEST] c\n--- References ---\n[1] r (Page 1) - Similarity: 1%"
		res := blocks.Classify(text)

		cursor := 0
		for _, b := range res.Blocks {
			Expect(b.Span.Start).To(Equal(cursor))
			Expect(b.Span.Len()).To(BeNumerically(">", 0))
			cursor = b.Span.End
		}
		Expect(cursor).To(Equal(len(res.Text)))
	})
})
