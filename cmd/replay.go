package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/oqwn/minichat/pkg/blocks"
	"github.com/oqwn/minichat/pkg/capability"
	"github.com/oqwn/minichat/pkg/config"
	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/render"
	"github.com/oqwn/minichat/pkg/session"
	"github.com/oqwn/minichat/pkg/stream"
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Render a captured response stream",
	Long: `Replay a captured response body through the stream decoders and the
renderer, split into fixed-size chunks to reproduce chunk boundaries.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		chunk, _ := cmd.Flags().GetInt("chunk")
		plain, _ := cmd.Flags().GetBool("plain")
		if transport == "" {
			transport = cfg.Backend.Transport
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open capture: %w", err)
		}
		defer f.Close()

		p := render.NewPrinter(render.New(render.Options{Plain: plain}), cmd.OutOrStdout())
		return replay(cmd.Context(), f, transport, chunk, cfg.Stream, p)
	},
}

func init() {
	replayCmd.Flags().String("transport", "", "wire shape of the capture: raw or framed (default from config)")
	replayCmd.Flags().Int("chunk", 7, "bytes per read")
	replayCmd.Flags().Bool("plain", false, "disable syntax highlighting")
	rootCmd.AddCommand(replayCmd)
}

func replay(ctx context.Context, r io.Reader, transport string, chunk int, sc config.StreamConfig, p *render.Printer) error {
	var dec stream.Decoder
	switch transport {
	case config.TransportRaw:
		dec = stream.NewRawDecoder()
	case config.TransportFramed:
		dec = stream.NewFrameDecoder()
	default:
		return fmt.Errorf("cannot replay transport %q", transport)
	}

	sess := session.New(ctx, "", session.Options{
		CoalesceInterval: sc.CoalesceInterval,
		Sink: session.SinkFunc(func(s *session.Session, text string, final bool) {
			p.Snapshot(s.ID(), blocks.Classify(text), !final)
		}),
	})
	err := sess.Run(stream.Pump(ctx, newChunkReader(r, chunk), dec))
	if err != nil && capability.Classify(err) != capability.Aborted {
		p.Error(capability.UserMessage(err))
	}

	stats := sess.Stats()
	logger.WithComponent("replay").Info("replay finished",
		"transport", transport, "chunk", chunk, "state", sess.State().String(), "deltas", stats.Deltas, "snapshots", stats.Snapshots)
	if perm, ok := blocks.Classify(sess.Raw()).PendingPermission(); ok {
		p.Note(fmt.Sprintf("stream ends with a permission request for %s", perm.Tool))
	}
	return nil
}

// chunkReader returns at most size bytes per Read
type chunkReader struct {
	r    io.Reader
	size int
}

func newChunkReader(r io.Reader, size int) io.Reader {
	if size <= 0 {
		return r
	}
	return &chunkReader{r: r, size: size}
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.r.Read(p)
}
