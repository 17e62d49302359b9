package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/oqwn/minichat/pkg/capability"
)

var probeCmd = &cobra.Command{
	Use:   "probe [MODEL]",
	Short: "Check whether a model supports tool calling",
	Long: `Ask the backend whether MODEL supports tool calling and record the answer
in the capability store. Without MODEL the recorded answers are listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := capability.NewStore(cfg.Capabilities.StorePath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			listCapabilities(out, store)
			return nil
		}

		prober := capability.NewProber(cfg.Backend.URL, cfg.Backend.APIKey, cfg.Backend.Timeout, store)
		res, err := prober.Probe(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("%s", capability.UserMessage(err))
		}
		switch {
		case res.Supported == nil:
			fmt.Fprintf(out, "%s: undetermined (%s)\n", res.Model, res.Error)
		case *res.Supported:
			fmt.Fprintf(out, "%s: supports tool calling\n", res.Model)
		default:
			fmt.Fprintf(out, "%s: does not support tool calling\n", res.Model)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func listCapabilities(w io.Writer, store *capability.Store) {
	all := store.All()
	if len(all) == 0 {
		fmt.Fprintln(w, "no models recorded")
		return
	}
	models := make([]string, 0, len(all))
	for m := range all {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		e := all[m]
		fmt.Fprintf(w, "%-30s tools=%-5t checked %s\n", m, e.SupportsFunctionCalling, e.LastChecked.Format(time.RFC3339))
	}
}
