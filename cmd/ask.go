package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oqwn/minichat/pkg/backend"
	"github.com/oqwn/minichat/pkg/capability"
	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/stream"
)

var askCmd = &cobra.Command{
	Use:   "ask PROMPT",
	Short: "Send one prompt and print the raw reply",
	Long: `Send a single prompt and stream the reply text to stdout without any
rendering. Useful in scripts and for inspecting what the backend sends.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := backend.New(cfg)
		if err != nil {
			return err
		}
		req := backend.Request{
			Messages:       []backend.Message{{Role: backend.RoleUser, Content: strings.Join(args, " ")}},
			Options:        backend.OptionsFromConfig(cfg.Model),
			RAGEnabled:     cfg.RAG.Enabled,
			MCPAutoApprove: cfg.Permissions.AutoApprove,
			ConversationID: uuid.New().String(),
			Model:          cfg.Model.Name,
		}

		_, err = ask(cmd.Context(), be, req, cmd.OutOrStdout())
		if err == nil {
			return nil
		}
		if store, serr := capability.NewStore(cfg.Capabilities.StorePath); serr == nil {
			store.Observe(req.ModelName(), err)
		}
		if msg := capability.UserMessage(err); msg != "" {
			return errors.New(msg)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
}

// ask streams one turn to w and returns the full reply text
func ask(ctx context.Context, be backend.Backend, req backend.Request, w io.Writer) (string, error) {
	log := logger.WithComponent("ask")

	events, err := be.Open(ctx, req)
	if err != nil {
		return "", err
	}
	out := stream.NewWriterHandler(w)
	var deltas int
	h := stream.NewMultiHandler(out, stream.HandlerFunc{
		DeltaFunc: func(string) { deltas++ },
		DoneFunc:  func() { log.Debug("reply finished", "deltas", deltas) },
		ErrorFunc: func(err error) { log.Warn("reply failed", "deltas", deltas, "error", err) },
	})

	err = stream.Dispatch(ctx, events, h)
	if werr := out.Err(); werr != nil && err == nil {
		err = fmt.Errorf("failed to write reply: %w", werr)
	}
	return out.Content(), err
}
