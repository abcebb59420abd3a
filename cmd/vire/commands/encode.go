package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vireflow/vire/pkg/wiring"
)

func newEncodeCommand() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "encode <graph>",
		Short: "Encode a graph description into a configuration blob",
		Long: `Encode parses a graph description and compiles it into the binary
configuration a node installs.

The format is chosen by extension: .cue, .yaml/.yml, .json or .star.
A directory is read as CUE. Without --output the blob goes to stdout.`,
		Example: `  # Encode a CUE graph
  vire encode graph.cue -o graph.blob

  # Encode a Starlark graph and pipe it elsewhere
  vire encode pipeline.star > pipeline.blob`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := encodeFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if outputPath == "" {
				_, err := cmd.OutOrStdout().Write(blob)
				return err
			}
			if err := os.WriteFile(outputPath, blob, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outputPath, err)
			}

			meta, _, err := wiring.Decompile(blob)
			if err != nil {
				return err
			}
			log.Info().
				Str("output", outputPath).
				Int("bytes", len(blob)).
				Str("flags", meta.Flags.String()).
				Msg("Graph encoded")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Encoded %s (%d bytes, flags %s)\n", outputPath, len(blob), meta.Flags)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default stdout)")

	return cmd
}
