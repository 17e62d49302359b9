package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oqwn/minichat/pkg/config"
	"github.com/oqwn/minichat/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "minichat",
	Short: "Terminal chat client for streaming assistant backends",
	Long: `Chat with a streaming assistant backend from the terminal. Replies are
rendered as they arrive; tool permission requests pause the turn until
they are approved or cancelled.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := logger.Init(loaded); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.CloseTranscript()
		logger.Close()
	},
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.WithComponent("cmd").Warn("command failed", "error", err)
		logger.CloseTranscript()
		logger.Close()
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./.minichat/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("backend", "", "backend base URL")
	viper.BindPFlag("backend.url", rootCmd.PersistentFlags().Lookup("backend"))

	rootCmd.PersistentFlags().StringP("model", "m", "", "model name sent with every request")
	viper.BindPFlag("model.name", rootCmd.PersistentFlags().Lookup("model"))
}

