package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oqwn/minichat/pkg/backend"
	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/vectorstore"
)

var indexCmd = &cobra.Command{
	Use:   "index FILE...",
	Short: "Add documents to the local retrieval store",
	Long: `Split text files into chunks and add them to the retrieval store used by
the langchain transport when rag.enabled is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt("chunk-size")
		overlap, _ := cmd.Flags().GetInt("chunk-overlap")
		log := logger.WithComponent("index")

		store, err := backend.NewStore(cfg)
		if err != nil {
			return err
		}
		splitter := vectorstore.Splitter(size, overlap)

		for _, path := range args {
			docs, err := vectorstore.LoadFile(cmd.Context(), path, splitter)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", path, err)
			}
			if err := store.Add(cmd.Context(), docs...); err != nil {
				return fmt.Errorf("failed to index %s: %w", path, err)
			}
			log.Info("file indexed", "path", path, "chunks", len(docs))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks\n", path, len(docs))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d documents in %s\n", store.Count(), cfg.RAG.Collection)
		return nil
	},
}

func init() {
	indexCmd.Flags().Int("chunk-size", vectorstore.DefaultChunkSize, "characters per chunk")
	indexCmd.Flags().Int("chunk-overlap", vectorstore.DefaultChunkOverlap, "characters shared by neighbouring chunks")
	rootCmd.AddCommand(indexCmd)
}
