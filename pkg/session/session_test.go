package session_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oqwn/minichat/pkg/session"
	"github.com/oqwn/minichat/pkg/stream"
)

type snapshot struct {
	text  string
	final bool
}

// recorder collects snapshots delivered to a session sink
type recorder struct {
	mu    sync.Mutex
	snaps []snapshot
}

func (r *recorder) OnSnapshot(_ *session.Session, text string, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snapshot{text, final})
}

func (r *recorder) all() []snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]snapshot(nil), r.snaps...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

var _ = Describe("Session", func() {
	var rec *recorder

	BeforeEach(func() {
		rec = &recorder{}
	})

	Context("without coalescing", func() {
		It("pushes a snapshot per delta and a final one", func() {
			s := session.New(context.Background(), "", session.Options{Sink: rec})
			err := s.Run(stream.FromEvents(stream.Delta("Hel"), stream.Delta("lo"), stream.Done()))

			Expect(err).NotTo(HaveOccurred())
			Expect(s.State()).To(Equal(session.StateCompleted))
			Expect(s.Raw()).To(Equal("Hello"))
			Expect(rec.all()).To(Equal([]snapshot{
				{"Hel", false},
				{"Hello", false},
				{"Hello", true},
			}))
			Expect(s.Stats().Deltas).To(Equal(2))
		})

		It("renders on top of the base text", func() {
			s := session.New(context.Background(), "before\n\n", session.Options{Sink: rec})
			Expect(s.Run(stream.FromEvents(stream.Delta("after"), stream.Done()))).To(Succeed())

			Expect(s.Raw()).To(Equal("after"))
			Expect(s.Text()).To(Equal("before\n\nafter"))
			last := rec.all()[len(rec.all())-1]
			Expect(last).To(Equal(snapshot{"before\n\nafter", true}))
		})
	})

	Context("with coalescing", func() {
		It("never drops or reorders text and ends with the exact final text", func() {
			events := make(chan stream.Event)
			s := session.New(context.Background(), "", session.Options{
				Sink:             rec,
				CoalesceInterval: 50 * time.Millisecond,
			})

			errc := make(chan error, 1)
			go func() { errc <- s.Run(events) }()

			want := ""
			for _, part := range []string{"a", "b", "c", "d", "e", "f"} {
				events <- stream.Delta(part)
				want += part
			}
			events <- stream.Done()
			Eventually(errc).Should(Receive(BeNil()))

			snaps := rec.all()
			Expect(len(snaps)).To(BeNumerically("<", 7), "snapshots should be batched")
			Expect(snaps[len(snaps)-1]).To(Equal(snapshot{want, true}))

			prev := ""
			for _, sn := range snaps {
				Expect(sn.text).To(HavePrefix(prev))
				prev = sn.text
			}
		})

		It("flushes a deferred snapshot when the interval elapses", func() {
			events := make(chan stream.Event)
			s := session.New(context.Background(), "", session.Options{
				Sink:             rec,
				CoalesceInterval: 30 * time.Millisecond,
			})
			go s.Run(events)

			events <- stream.Delta("x")
			events <- stream.Delta("y")
			Eventually(func() []snapshot { return rec.all() }).Should(ContainElement(snapshot{"xy", false}))

			s.Cancel()
		})
	})

	Context("on failure", func() {
		It("keeps partial text and records the error", func() {
			boom := &stream.RemoteError{Message: "API error: boom"}
			s := session.New(context.Background(), "", session.Options{Sink: rec})
			err := s.Run(stream.FromEvents(stream.Delta("partial"), stream.Fail(boom)))

			Expect(err).To(Equal(boom))
			Expect(s.State()).To(Equal(session.StateErrored))
			Expect(s.Err()).To(Equal(boom))
			Expect(rec.all()[len(rec.all())-1]).To(Equal(snapshot{"partial", true}))
		})

		It("treats a stream that ends without a terminal event as a transport error", func() {
			s := session.New(context.Background(), "", session.Options{})
			err := s.Run(stream.FromEvents(stream.Delta("x")))

			var te *stream.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(s.State()).To(Equal(session.StateErrored))
		})
	})

	Context("on cancellation", func() {
		It("emits nothing after Cancel returns even with deltas in flight", func() {
			events := make(chan stream.Event, 100)
			s := session.New(context.Background(), "", session.Options{Sink: rec})

			errc := make(chan error, 1)
			go func() { errc <- s.Run(events) }()

			events <- stream.Delta("one")
			Eventually(rec.count).Should(Equal(1))

			s.Cancel()
			seen := rec.count()
			for i := 0; i < 50; i++ {
				events <- stream.Delta("late")
			}
			events <- stream.Done()

			Eventually(errc).Should(Receive(MatchError(stream.ErrCancelled)))
			Consistently(rec.count, 50*time.Millisecond).Should(Equal(seen))
			Expect(s.State()).To(Equal(session.StateAborted))
			Expect(s.Raw()).NotTo(ContainSubstring("late"))
		})

		It("clears a pending coalesced flush", func() {
			events := make(chan stream.Event, 10)
			s := session.New(context.Background(), "", session.Options{
				Sink:             rec,
				CoalesceInterval: 40 * time.Millisecond,
			})
			go s.Run(events)

			events <- stream.Delta("a")
			Eventually(rec.count).Should(Equal(1))
			events <- stream.Delta("b")
			s.Cancel()

			Consistently(rec.count, 100*time.Millisecond).Should(Equal(1))
			Eventually(s.Done()).Should(BeClosed())
		})

		It("is idempotent and follows the parent context", func() {
			parent, cancel := context.WithCancel(context.Background())
			s := session.New(parent, "", session.Options{Sink: rec})
			events := make(chan stream.Event)
			errc := make(chan error, 1)
			go func() { errc <- s.Run(events) }()

			cancel()
			Eventually(errc).Should(Receive(MatchError(stream.ErrCancelled)))
			s.Cancel()
			s.Cancel()
			Expect(s.State()).To(Equal(session.StateAborted))
			Expect(rec.count()).To(BeZero())
		})

		It("treats a cancellation error event as an abort", func() {
			s := session.New(context.Background(), "", session.Options{Sink: rec})
			err := s.Run(stream.FromEvents(stream.Fail(context.Canceled)))
			Expect(err).To(MatchError(stream.ErrCancelled))
			Expect(s.State()).To(Equal(session.StateAborted))
		})

		It("does not affect other sessions", func() {
			a := session.New(context.Background(), "", session.Options{})
			b := session.New(context.Background(), "", session.Options{})
			a.Cancel()

			Expect(b.Run(stream.FromEvents(stream.Delta("ok"), stream.Done()))).To(Succeed())
			Expect(b.State()).To(Equal(session.StateCompleted))
		})
	})

	Describe("decision states", func() {
		It("moves between completed and awaiting decision", func() {
			s := session.New(context.Background(), "", session.Options{})
			Expect(s.MarkAwaitingDecision()).To(BeFalse())

			Expect(s.Run(stream.FromEvents(stream.Done()))).To(Succeed())
			Expect(s.MarkAwaitingDecision()).To(BeTrue())
			Expect(s.State()).To(Equal(session.StateAwaitingDecision))
			Expect(s.Resolve()).To(BeTrue())
			Expect(s.State()).To(Equal(session.StateCompleted))
		})

		It("refuses to run twice", func() {
			s := session.New(context.Background(), "", session.Options{})
			Expect(s.Run(stream.FromEvents(stream.Done()))).To(Succeed())
			Expect(s.Run(stream.FromEvents(stream.Done()))).NotTo(Succeed())
		})
	})
})
