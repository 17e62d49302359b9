package conversation_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oqwn/minichat/pkg/backend"
	"github.com/oqwn/minichat/pkg/blocks"
	"github.com/oqwn/minichat/pkg/capability"
	"github.com/oqwn/minichat/pkg/conversation"
	"github.com/oqwn/minichat/pkg/mcp"
	"github.com/oqwn/minichat/pkg/stream"
	"github.com/oqwn/minichat/pkg/testutil"
)

const permissionText = "Result: [MCP_PERMISSION_REQUEST] TOOL: search DESCRIPTION: web search PURPOSE: find docs [/MCP_PERMISSION_REQUEST]"

// eventLog records observer events
type eventLog struct {
	mu     sync.Mutex
	events []conversation.Event
}

func (l *eventLog) observe(ev conversation.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []conversation.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]conversation.Event(nil), l.events...)
}

func (l *eventLog) ofKind(kind conversation.EventKind) []conversation.Event {
	var out []conversation.Event
	for _, ev := range l.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func assistants(c *conversation.Conversation) []conversation.Message {
	var out []conversation.Message
	for _, m := range c.Messages() {
		if m.IsAssistant() {
			out = append(out, m)
		}
	}
	return out
}

func deltas(parts ...string) []stream.Event {
	out := make([]stream.Event, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, stream.Delta(p))
	}
	return append(out, stream.Done())
}

var _ = Describe("Conversation", func() {
	var (
		fake *testutil.FakeBackend
		log  *eventLog
		conv *conversation.Conversation
		opts conversation.Options
	)

	BeforeEach(func() {
		fake = testutil.NewFakeBackend()
		log = &eventLog{}
		opts = conversation.Options{
			Backend:  fake,
			Request:  backend.Options{Model: "gpt-4"},
			Observer: log.observe,
		}
	})

	JustBeforeEach(func() {
		var err error
		conv, err = conversation.New(context.Background(), opts)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		conv.Close()
	})

	waitIdle := func() {
		Eventually(conv.Active).Should(BeNil())
	}

	Describe("Submit", func() {
		It("streams a turn into one assistant message", func() {
			fake.Push(testutil.Turn{Events: deltas("Hel", "lo")})

			id, err := conv.Submit("  hi  ")
			Expect(err).NotTo(HaveOccurred())
			waitIdle()

			msgs := conv.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Raw).To(Equal("hi"))
			Expect(msgs[1].ID).To(Equal(id))
			Expect(msgs[1].Raw).To(Equal("Hello"))
			Expect(msgs[1].Streaming).To(BeFalse())
			Expect(conv.State()).To(Equal(conversation.StateIdle))

			snaps := log.ofKind(conversation.EventSnapshot)
			Expect(snaps[len(snaps)-1].Message.Content).To(Equal("Hello"))
			Expect(snaps[len(snaps)-1].Streaming).To(BeFalse())

			req := fake.Requests()[0]
			Expect(req.Messages).To(Equal([]backend.Message{{Role: "user", Content: "hi"}}))
			Expect(req.ConversationID).To(Equal(conv.ID()))
			Expect(req.Stream).To(BeTrue())
		})

		It("rejects empty input", func() {
			_, err := conv.Submit("   ")
			Expect(err).To(MatchError(conversation.ErrEmptyInput))
		})

		It("sends the earlier turns as history", func() {
			fake.Push(testutil.Turn{Events: deltas("one")})
			fake.Push(testutil.Turn{Events: deltas("two")})

			_, err := conv.Submit("first")
			Expect(err).NotTo(HaveOccurred())
			waitIdle()
			_, err = conv.Submit("second")
			Expect(err).NotTo(HaveOccurred())
			waitIdle()

			Expect(fake.Requests()[1].Messages).To(Equal([]backend.Message{
				{Role: "user", Content: "first"},
				{Role: "assistant", Content: "one"},
				{Role: "user", Content: "second"},
			}))
		})

		It("cancels the active session before starting the next one", func() {
			fake.Push(testutil.Turn{Events: []stream.Event{stream.Delta("partial")}, Hold: true})
			fake.Push(testutil.Turn{Events: deltas("fresh")})

			firstID, err := conv.Submit("slow")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() string { return conv.Messages()[1].Raw }).Should(Equal("partial"))
			first := conv.Active()

			_, err = conv.Submit("again")
			Expect(err).NotTo(HaveOccurred())
			waitIdle()

			Expect(first.Cancelled()).To(BeTrue())
			open := 0
			for _, m := range assistants(conv) {
				if m.Streaming {
					open++
				}
				if m.ID == firstID {
					Expect(m.Raw).To(Equal("partial"))
				}
			}
			Expect(open).To(BeZero())
			Expect(assistants(conv)[1].Raw).To(Equal("fresh"))
		})
	})

	Describe("Cancel", func() {
		It("keeps partial text and emits nothing more for the session", func() {
			source := make(chan stream.Event)
			fake.Push(testutil.Turn{Source: source})

			_, err := conv.Submit("go")
			Expect(err).NotTo(HaveOccurred())
			source <- stream.Delta("half")
			Eventually(func() string { return conv.Messages()[1].Raw }).Should(Equal("half"))

			Expect(conv.Cancel()).To(BeTrue())
			seen := len(log.ofKind(conversation.EventSnapshot))

			Consistently(func() int { return len(log.ofKind(conversation.EventSnapshot)) }, 50*time.Millisecond).Should(Equal(seen))
			Expect(conv.Messages()[1].Raw).To(Equal("half"))
			Expect(conv.Messages()[1].Streaming).To(BeFalse())
			Expect(conv.State()).To(Equal(conversation.StateIdle))
			Expect(log.ofKind(conversation.EventError)).To(BeEmpty())
			Expect(conv.Cancel()).To(BeFalse())
		})
	})

	Describe("continuation", func() {
		It("resumes the same assistant message after approve", func() {
			fake.Push(testutil.Turn{Events: deltas(permissionText)})
			fake.Push(testutil.Turn{Events: deltas("Found ", "3 docs.")})

			id, err := conv.Submit("find docs")
			Expect(err).NotTo(HaveOccurred())
			Eventually(conv.State).Should(Equal(conversation.StatePendingDecision))

			perm, ok := conv.PendingPermission()
			Expect(ok).To(BeTrue())
			Expect(perm.Tool).To(Equal("search"))

			Expect(conv.Decide(conversation.Approve)).To(Succeed())
			Eventually(conv.State).Should(Equal(conversation.StateIdle))

			msgs := assistants(conv)
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].ID).To(Equal(id))
			Expect(msgs[0].Raw).To(Equal(permissionText + "\n\nFound 3 docs."))

			req := fake.Requests()[1]
			Expect(req.Messages).To(Equal([]backend.Message{
				{Role: "user", Content: "find docs"},
				{Role: "assistant", Content: permissionText},
				{Role: "user", Content: "approve"},
			}))

			for _, ev := range log.ofKind(conversation.EventSnapshot) {
				Expect(ev.Message.ID).To(Equal(id))
			}
		})

		It("ignores decisions without a pending request", func() {
			Expect(conv.Decide(conversation.Approve)).To(MatchError(conversation.ErrNoPendingDecision))
			Expect(conv.Decide("maybe")).To(MatchError(conversation.ErrInvalidDecision))
		})

		It("ignores a second decision while the continuation is active", func() {
			fake.Push(testutil.Turn{Events: deltas(permissionText)})
			fake.Push(testutil.Turn{Events: []stream.Event{stream.Delta("working")}, Hold: true})

			_, err := conv.Submit("find docs")
			Expect(err).NotTo(HaveOccurred())
			Eventually(conv.State).Should(Equal(conversation.StatePendingDecision))

			Expect(conv.Decide(conversation.Cancel)).To(Succeed())
			Expect(conv.Decide(conversation.Approve)).To(MatchError(conversation.ErrSessionActive))
			Eventually(fake.Requests).Should(HaveLen(2))
			Expect(fake.Requests()[1].LastUserMessage()).To(Equal("cancel"))
		})

		It("drops a pending decision when a new turn starts", func() {
			fake.Push(testutil.Turn{Events: deltas(permissionText)})
			fake.Push(testutil.Turn{Events: deltas("other")})

			_, err := conv.Submit("find docs")
			Expect(err).NotTo(HaveOccurred())
			Eventually(conv.State).Should(Equal(conversation.StatePendingDecision))

			_, err = conv.Submit("never mind")
			Expect(err).NotTo(HaveOccurred())
			waitIdle()
			Expect(conv.Decide(conversation.Approve)).To(MatchError(conversation.ErrNoPendingDecision))
			Expect(assistants(conv)).To(HaveLen(2))
		})

		Context("with local retrieval", func() {
			var searcher *staticSearcher

			BeforeEach(func() {
				searcher = &staticSearcher{refs: []blocks.Reference{{Number: 1, Title: "notes.md", Page: "1", Similarity: 90}}}
				opts.Backend = backend.NewRetriever(fake, searcher, 3)
				opts.RAGEnabled = true
			})

			It("holds references until the continuation settles", func() {
				fake.Push(testutil.Turn{Events: deltas(permissionText)})
				fake.Push(testutil.Turn{Events: deltas("Found 3 docs.")})

				id, err := conv.Submit("find docs")
				Expect(err).NotTo(HaveOccurred())
				Eventually(conv.State).Should(Equal(conversation.StatePendingDecision))
				Expect(assistants(conv)[0].Raw).To(Equal(permissionText))

				Expect(conv.Decide(conversation.Approve)).To(Succeed())
				waitIdle()

				msgs := assistants(conv)
				Expect(msgs).To(HaveLen(1))
				Expect(msgs[0].ID).To(Equal(id))
				Expect(msgs[0].Raw).To(HavePrefix(permissionText + "\n\nFound 3 docs.\n\n--- References ---\n[1] notes.md"))
				Expect(strings.Count(msgs[0].Raw, "--- References ---")).To(Equal(1))

				Expect(searcher.queries()).To(Equal([]string{"find docs"}))
				Expect(fake.Requests()[1].Continuation).To(BeTrue())
				Expect(fake.Requests()[1].LastUserMessage()).To(Equal("approve"))
			})

			It("drops held references when a new turn starts", func() {
				fake.Push(testutil.Turn{Events: deltas(permissionText)})
				fake.Push(testutil.Turn{Events: deltas("other")})

				_, err := conv.Submit("find docs")
				Expect(err).NotTo(HaveOccurred())
				Eventually(conv.State).Should(Equal(conversation.StatePendingDecision))

				_, err = conv.Submit("never mind")
				Expect(err).NotTo(HaveOccurred())
				waitIdle()

				msgs := assistants(conv)
				Expect(msgs[1].Raw).To(HavePrefix("other\n\n--- References ---"))
				Expect(strings.Count(msgs[1].Raw, "--- References ---")).To(Equal(1))
				Expect(searcher.queries()).To(Equal([]string{"find docs", "never mind"}))
			})
		})

		Context("with an automatic policy", func() {
			BeforeEach(func() {
				pm, err := mcp.NewPermissionManager(mcp.ActionAsk,
					mcp.PermissionRule{ToolPattern: "^search$", Action: mcp.ActionAllow},
					mcp.PermissionRule{ToolPattern: "^delete", Action: mcp.ActionDeny},
				)
				Expect(err).NotTo(HaveOccurred())
				opts.Permissions = pm
				opts.AutoApproveDelay = 10 * time.Millisecond
			})

			It("approves allowed tools after the delay", func() {
				fake.Push(testutil.Turn{Events: deltas(permissionText)})
				fake.Push(testutil.Turn{Events: deltas("done")})

				_, err := conv.Submit("find docs")
				Expect(err).NotTo(HaveOccurred())

				Eventually(func() int { return len(fake.Requests()) }).Should(Equal(2))
				Expect(fake.Requests()[1].LastUserMessage()).To(Equal("approve"))
				Eventually(func() string { return assistants(conv)[0].Raw }).Should(HaveSuffix("\n\ndone"))
			})

			It("cancels denied tools after the delay", func() {
				text := "[MCP_PERMISSION_REQUEST] TOOL: delete_file DESCRIPTION: rm PURPOSE: cleanup [/MCP_PERMISSION_REQUEST]"
				fake.Push(testutil.Turn{Events: deltas(text)})
				fake.Push(testutil.Turn{Events: deltas("skipped")})

				_, err := conv.Submit("clean up")
				Expect(err).NotTo(HaveOccurred())

				Eventually(func() int { return len(fake.Requests()) }).Should(Equal(2))
				Expect(fake.Requests()[1].LastUserMessage()).To(Equal("cancel"))
			})

			It("waits for the user on other tools", func() {
				text := "[MCP_PERMISSION_REQUEST] TOOL: fetch DESCRIPTION: http PURPOSE: read [/MCP_PERMISSION_REQUEST]"
				fake.Push(testutil.Turn{Events: deltas(text)})

				_, err := conv.Submit("fetch it")
				Expect(err).NotTo(HaveOccurred())
				Eventually(conv.State).Should(Equal(conversation.StatePendingDecision))
				Consistently(func() int { return len(fake.Requests()) }, 50*time.Millisecond).Should(Equal(1))
			})
		})
	})

	Describe("errors", func() {
		It("removes the message when the service is not configured", func() {
			fake.Push(testutil.Turn{Err: &stream.TransportError{Op: "open stream", Status: 500, Body: "API key not configured"}})

			id, err := conv.Submit("hi")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []conversation.Event { return log.ofKind(conversation.EventError) }).Should(HaveLen(1))

			Expect(assistants(conv)).To(BeEmpty())
			removed := log.ofKind(conversation.EventRemoved)
			Expect(removed).To(HaveLen(1))
			Expect(removed[0].Message.ID).To(Equal(id))
			Expect(log.ofKind(conversation.EventError)[0].Text).To(ContainSubstring("not configured"))
		})

		It("keeps partial content and surfaces other errors verbatim", func() {
			fake.Push(testutil.Turn{Events: []stream.Event{
				stream.Delta("partial"),
				stream.Fail(&stream.RemoteError{Message: "upstream exploded"}),
			}})

			_, err := conv.Submit("hi")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []conversation.Event { return log.ofKind(conversation.EventError) }).Should(HaveLen(1))

			msg := assistants(conv)[0]
			Expect(msg.Raw).To(Equal("partial"))
			Expect(msg.Error).To(Equal("upstream exploded"))
			Expect(log.ofKind(conversation.EventError)[0].Text).To(Equal("upstream exploded"))
		})

		It("treats an aborted request as silent", func() {
			fake.Push(testutil.Turn{Events: []stream.Event{stream.Delta("x"), stream.Fail(errors.New("Request aborted by client"))}})

			_, err := conv.Submit("hi")
			Expect(err).NotTo(HaveOccurred())
			waitIdle()
			Consistently(func() []conversation.Event { return log.ofKind(conversation.EventError) }, 30*time.Millisecond).Should(BeEmpty())
		})

		Context("with a capability store", func() {
			var store *capability.Store

			BeforeEach(func() {
				var err error
				store, err = capability.NewStore(filepath.Join(GinkgoT().TempDir(), "caps.json"))
				Expect(err).NotTo(HaveOccurred())
				opts.Capabilities = store
			})

			It("records models that reject tools and warns on the next turn", func() {
				fake.Push(testutil.Turn{Events: []stream.Event{stream.Fail(&stream.RemoteError{Message: "this model does not support tools"})}})
				fake.Push(testutil.Turn{Events: deltas("ok")})

				_, err := conv.Submit("use a tool")
				Expect(err).NotTo(HaveOccurred())
				Eventually(func() bool {
					_, ok := store.Get("gpt-4")
					return ok
				}).Should(BeTrue())
				entry, _ := store.Get("gpt-4")
				Expect(entry.SupportsFunctionCalling).To(BeFalse())
				waitIdle()

				_, err = conv.Submit("again")
				Expect(err).NotTo(HaveOccurred())
				waitIdle()
				warnings := log.ofKind(conversation.EventWarning)
				Expect(warnings).To(HaveLen(1))
				Expect(warnings[0].Text).To(ContainSubstring("gpt-4"))
			})

			It("does not downgrade a supported model on other failures", func() {
				Expect(store.MarkSupported("gpt-4")).To(Succeed())
				fake.Push(testutil.Turn{Events: []stream.Event{stream.Fail(errors.New("timeout"))}})

				_, err := conv.Submit("hi")
				Expect(err).NotTo(HaveOccurred())
				Eventually(func() []conversation.Event { return log.ofKind(conversation.EventError) }).Should(HaveLen(1))

				entry, _ := store.Get("gpt-4")
				Expect(entry.SupportsFunctionCalling).To(BeTrue())
			})
		})
	})

	Describe("InvokeTool", func() {
		It("fails without an invoker", func() {
			_, err := conv.InvokeTool(context.Background(), "web", "search", nil)
			Expect(err).To(MatchError(conversation.ErrNoInvoker))
		})

		Context("with an invoker", func() {
			BeforeEach(func() {
				opts.Invoker = invokerFunc(func(_ context.Context, server, tool string, params map[string]any) (*mcp.ToolInvocationRecord, error) {
					return &mcp.ToolInvocationRecord{ToolName: tool, ServerName: server, Parameters: params, Result: "3 hits", Status: "success"}, nil
				})
			})

			It("appends the outcome as a system note", func() {
				record, err := conv.InvokeTool(context.Background(), "web", "search", map[string]any{"q": "go"})
				Expect(err).NotTo(HaveOccurred())
				Expect(record.Result).To(Equal("3 hits"))

				msgs := conv.Messages()
				Expect(msgs).To(HaveLen(1))
				Expect(msgs[0].IsSystem()).To(BeTrue())
				Expect(msgs[0].Content).To(Equal(`Tool search (server web) called with {"q":"go"} returned: 3 hits`))
				Expect(log.ofKind(conversation.EventNote)).To(HaveLen(1))
			})

			It("leaves notes out of request history", func() {
				fake.Push(testutil.Turn{Events: deltas("ok")})
				_, err := conv.InvokeTool(context.Background(), "web", "search", nil)
				Expect(err).NotTo(HaveOccurred())

				_, err = conv.Submit("hi")
				Expect(err).NotTo(HaveOccurred())
				waitIdle()
				Expect(fake.Requests()[0].Messages).To(HaveLen(1))
			})
		})
	})

	It("delivers events in order without gaps", func() {
		fake.Push(testutil.Turn{Events: deltas("a", "b", "c")})
		_, err := conv.Submit("x")
		Expect(err).NotTo(HaveOccurred())
		waitIdle()
		Eventually(log.count).Should(BeNumerically(">=", 4))

		prev := ""
		for _, ev := range log.ofKind(conversation.EventSnapshot) {
			Expect(ev.Message.Raw).To(HavePrefix(prev))
			prev = ev.Message.Raw
		}
		Expect(prev).To(Equal("abc"))
	})
})

type invokerFunc func(ctx context.Context, server, tool string, params map[string]any) (*mcp.ToolInvocationRecord, error)

func (f invokerFunc) Invoke(ctx context.Context, server, tool string, params map[string]any) (*mcp.ToolInvocationRecord, error) {
	return f(ctx, server, tool, params)
}

// staticSearcher answers every query with the same references
type staticSearcher struct {
	mu   sync.Mutex
	refs []blocks.Reference
	seen []string
}

func (s *staticSearcher) Search(_ context.Context, query string, _ int) ([]blocks.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, query)
	return s.refs, nil
}

func (s *staticSearcher) queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}
