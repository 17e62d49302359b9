package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/oqwn/minichat/pkg/backend"
	"github.com/oqwn/minichat/pkg/capability"
	"github.com/oqwn/minichat/pkg/config"
	"github.com/oqwn/minichat/pkg/conversation"
	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/mcp"
	"github.com/oqwn/minichat/pkg/render"
)

const settlePoll = 10 * time.Millisecond

const chatHelp = `Commands:
  /approve, /cancel          answer a pending permission request
  /stop                      stop the reply in flight
  /tool SERVER TOOL [JSON]   call a tool and record the result
  /help                      show this help
  /quit                      leave`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		cont, _ := cmd.Flags().GetBool("continue")
		plain, _ := cmd.Flags().GetBool("plain")
		width, _ := cmd.Flags().GetInt("width")
		canvas, _ := cmd.Flags().GetBool("canvas")

		if err := logger.InitTranscript(cfg.Logging.TranscriptFile, cont); err != nil {
			return err
		}
		if !cmd.Flags().Changed("width") {
			if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
				width = w
			}
		}

		r := render.New(render.Options{Width: width, Plain: plain})
		opts := chatOptions{
			Canvas: canvas,
			// scripted input waits for each turn before the next line
			Sync: !term.IsTerminal(int(os.Stdin.Fd())),
		}
		return runChat(cmd.Context(), cfg, opts, cmd.InOrStdin(), render.NewPrinter(r, cmd.OutOrStdout()))
	},
}

func init() {
	chatCmd.Flags().Bool("continue", false, "append to the previous transcript instead of starting a new one")
	chatCmd.Flags().Bool("plain", false, "disable syntax highlighting")
	chatCmd.Flags().Int("width", 80, "render width")
	chatCmd.Flags().Bool("canvas", false, "ask the assistant for canvas output")

	chatCmd.Flags().Bool("rag", false, "enable retrieval augmentation")
	viper.BindPFlag("rag.enabled", chatCmd.Flags().Lookup("rag"))

	chatCmd.Flags().Bool("auto-approve", false, "approve tool permission requests automatically")
	viper.BindPFlag("permissions.auto_approve", chatCmd.Flags().Lookup("auto-approve"))

	rootCmd.AddCommand(chatCmd)
}

type chatOptions struct {
	Canvas bool
	Sync   bool
}

func runChat(ctx context.Context, cfg *config.Config, opts chatOptions, in io.Reader, printer *render.Printer) error {
	log := logger.WithComponent("chat")

	be, err := backend.New(cfg)
	if err != nil {
		return err
	}
	caps, err := capability.NewStore(cfg.Capabilities.StorePath)
	if err != nil {
		return err
	}
	perms, err := mcp.NewPermissionManagerFromConfig(cfg.Permissions)
	if err != nil {
		return err
	}

	conv, err := conversation.New(ctx, conversation.Options{
		Backend:          be,
		Request:          backend.OptionsFromConfig(cfg.Model),
		RAGEnabled:       cfg.RAG.Enabled,
		CanvasMode:       opts.Canvas,
		MCPAutoApprove:   cfg.Permissions.AutoApprove,
		CoalesceInterval: cfg.Stream.CoalesceInterval,
		Permissions:      perms,
		AutoApproveDelay: cfg.Permissions.AutoApproveDelay,
		Capabilities:     caps,
		Invoker:          mcp.NewHTTPInvoker(cfg.Backend.URL, cfg.Backend.APIKey, cfg.Backend.Timeout),
		Observer:         observe(printer),
	})
	if err != nil {
		return err
	}
	defer conv.Close()

	config.Watch(func(next *config.Config) {
		if err := perms.Reload(next.Permissions); err != nil {
			log.Warn("permission rules not reloaded", "error", err)
			return
		}
		log.Info("permission rules reloaded", "rules", len(next.Permissions.Rules))
	}, func(err error) {
		log.Warn("ignoring invalid settings change", "error", err)
	})

	log.Info("chat started", "conversation", conv.ID(), "transport", cfg.Backend.Transport)
	return chatLoop(ctx, conv, in, printer, opts.Sync)
}

// observe prints conversation events
func observe(p *render.Printer) conversation.Observer {
	return func(ev conversation.Event) {
		switch ev.Kind {
		case conversation.EventSnapshot:
			p.Snapshot(ev.Message.ID, ev.Result, ev.Streaming)
		case conversation.EventRemoved:
			p.Forget(ev.Message.ID)
		case conversation.EventError:
			p.Error(ev.Text)
		case conversation.EventWarning:
			p.Warning(ev.Text)
		case conversation.EventNote:
			p.Note(ev.Text)
		}
	}
}

// chatLoop reads one line per input until EOF or /quit. With sync set it
// waits for every turn to settle before reading on.
func chatLoop(ctx context.Context, conv *conversation.Conversation, in io.Reader, p *render.Printer, sync bool) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := handleLine(ctx, conv, line, p); err != nil {
			p.Error(err.Error())
		}
		if sync {
			waitSettled(ctx, conv)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	waitSettled(ctx, conv)
	return nil
}

// waitSettled blocks until no session is streaming
func waitSettled(ctx context.Context, conv *conversation.Conversation) {
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		switch conv.State() {
		case conversation.StateIdle, conversation.StatePendingDecision:
			if conv.Active() == nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func handleLine(ctx context.Context, conv *conversation.Conversation, line string, p *render.Printer) error {
	// a bare answer resolves a pending request
	if conv.State() == conversation.StatePendingDecision {
		switch strings.ToLower(line) {
		case "approve", "yes", "y":
			return conv.Decide(conversation.Approve)
		case "cancel", "no", "n":
			return conv.Decide(conversation.Cancel)
		}
	}

	if !strings.HasPrefix(line, "/") {
		_, err := conv.Submit(line)
		return err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/approve":
		return conv.Decide(conversation.Approve)
	case "/cancel":
		return conv.Decide(conversation.Cancel)
	case "/stop":
		if !conv.Cancel() {
			p.Note("nothing to stop")
		}
		return nil
	case "/tool":
		return invokeTool(ctx, conv, line)
	case "/help":
		p.Note(chatHelp)
		return nil
	default:
		return fmt.Errorf("unknown command %s, try /help", fields[0])
	}
}

func invokeTool(ctx context.Context, conv *conversation.Conversation, line string) error {
	parts := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "/tool")), " ", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return errors.New("usage: /tool SERVER TOOL [JSON]")
	}
	params := map[string]any{}
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		if err := json.Unmarshal([]byte(parts[2]), &params); err != nil {
			return fmt.Errorf("invalid tool parameters: %w", err)
		}
	}
	record, err := conv.InvokeTool(ctx, parts[0], parts[1], params)
	if record == nil {
		return err
	}
	// a failed call is already recorded as a note
	return nil
}
