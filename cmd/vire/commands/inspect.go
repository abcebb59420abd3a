package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vireflow/vire/pkg/config"
	"github.com/vireflow/vire/pkg/wiring"
)

func newInspectCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inspect <blob>",
		Short: "Decode a configuration blob back into a graph description",
		Long: `Inspect decodes a configuration blob and prints it as a graph
description. Elements are named after their catalogue templates.`,
		Example: `  # Print a blob as YAML
  vire inspect graph.blob

  # Print it as CUE, resolving scripted templates from the node catalogue
  vire inspect graph.blob -c node.yaml --format cue

  # Render the wiring with Graphviz
  vire inspect graph.blob -f dot | dot -Tsvg > graph.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			meta, g, err := wiring.Decompile(blob)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}

			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			cat, err := openCatalogue(ctx, cfg)
			if err != nil {
				return err
			}
			defer cat.close(ctx)

			spec := config.FromGraph(meta, g, cat.names)
			if jsonOutput {
				format = "json"
			}

			var out []byte
			switch format {
			case "yaml":
				out, err = yaml.Marshal(spec)
			case "json":
				out, err = config.NewGraphParser().ExportJSON(spec)
				out = append(out, '\n')
			case "cue":
				out, err = config.NewGraphParser().ExportCUE(spec)
			case "dot":
				out = []byte(g.Topology().DOT(aliasOf(spec)))
			default:
				return fmt.Errorf("unknown format %q (want yaml, json, cue or dot)", format)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml, json, cue or dot")

	return cmd
}

// aliasOf labels elements with the aliases FromGraph gave them.
func aliasOf(spec *config.GraphSpec) func(wiring.ElementKey) string {
	aliases := make(map[wiring.ElementKey]string, len(spec.Elements))
	for alias, el := range spec.Elements {
		aliases[wiring.ElementKey{Template: wiring.TemplateID(el.Template), Instance: el.Instance}] = alias
	}
	return func(k wiring.ElementKey) string {
		if a, ok := aliases[k]; ok {
			return a
		}
		return k.String()
	}
}
