package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vireflow/vire/pkg/policy"
	"github.com/vireflow/vire/pkg/wiring"
)

func newValidateCommand() *cobra.Command {
	var policyDir string

	cmd := &cobra.Command{
		Use:   "validate <graph|blob>",
		Short: "Check a configuration against the admission policies",
		Long: `Validate encodes a graph description (or reads a blob), decodes it the
way a node does and evaluates the admission policies against it.

The built-in policies always run. Custom policies come from --policies,
or from the node config when its policy section is enabled. The command
fails when any policy denies the configuration.`,
		Example: `  # Validate a graph with the built-in policies
  vire validate graph.cue

  # Validate with a node's policies, as JSON
  vire validate graph.blob -c node.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}

			blob, err := readConfiguration(ctx, args[0])
			if err != nil {
				return err
			}
			meta, g, err := wiring.Decompile(blob)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}

			cat, err := openCatalogue(ctx, cfg)
			if err != nil {
				return err
			}
			defer cat.close(ctx)

			pcfg := cfg.Policy
			switch {
			case policyDir != "":
				pcfg.Dir = policyDir
			case !pcfg.Enabled:
				pcfg.Dir = ""
			}
			pe, err := openPolicies(ctx, pcfg, zerolog.Nop(), false)
			if err != nil {
				return err
			}

			in := policy.NewInput(meta, g, cat.names)
			in.Context = &policy.PolicyContext{Source: "validate"}
			decision, err := pe.Admit(ctx, in)
			if err != nil {
				return err
			}

			if err := printDecision(cmd, args[0], in, g.Topology(), decision); err != nil {
				return err
			}
			if !decision.Allowed {
				return errors.New("configuration denied by policy")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&policyDir, "policies", "p", "", "directory of custom .rego policies")

	return cmd
}

func printDecision(cmd *cobra.Command, src string, in *policy.Input, topo *wiring.Topology, d *policy.Decision) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}

	fmt.Fprintf(out, "%s: %s install, %d elements, %d wires, %d parameter records\n",
		src, in.Mode, len(in.Elements), len(in.Wires), len(in.Params))
	fmt.Fprintf(out, "%d stages", len(topo.Stages))
	if topo.Cyclic() {
		fmt.Fprintf(out, ", feedback loop %s", topo.FormatCycle())
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Evaluated %d policies\n", len(d.Evaluated))
	for _, v := range d.Violations {
		mark := "!"
		if v.Severity.Blocking() {
			mark = "✗"
		}
		where := ""
		if v.Element != "" {
			where = " [" + v.Element + "]"
		}
		fmt.Fprintf(out, "  %s %s (%s)%s: %s\n", mark, v.Policy, v.Severity, where, v.Message)
	}
	for _, w := range d.Warnings {
		fmt.Fprintf(out, "  ! %s\n", w)
	}

	if d.Allowed {
		fmt.Fprintln(out, "✓ Configuration admitted")
	} else {
		fmt.Fprintln(out, "✗ Configuration denied")
	}
	return nil
}
