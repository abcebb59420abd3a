package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vireflow/vire/pkg/delivery"
	"github.com/vireflow/vire/pkg/wiring"
)

func newInstallCommand() *cobra.Command {
	var inboxDir string
	var name string

	cmd := &cobra.Command{
		Use:   "install <graph|blob>",
		Short: "Deliver a configuration to a running node",
		Long: `Install drops a configuration into a node's inbox. Graph descriptions
are encoded first; .blob files are delivered as they are.

The file is staged under a hidden name and renamed into place, so the
node never picks up a partial write. The node reports the result in its
log and moves the file to processed/ or failed/.`,
		Example: `  # Deliver a graph to the inbox from the node config
  vire install graph.cue -c node.yaml

  # Deliver a prebuilt blob to an explicit inbox
  vire install graph.blob --inbox /var/lib/vire/inbox`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src := args[0]

			if inboxDir == "" {
				cfg, err := loadNodeConfig()
				if err != nil {
					return err
				}
				inboxDir = cfg.Inbox.Dir
			}

			blob, err := readConfiguration(ctx, src)
			if err != nil {
				return err
			}
			meta, _, err := wiring.Decompile(blob)
			if err != nil {
				return fmt.Errorf("refusing to deliver %s: %w", src, err)
			}

			if name == "" {
				name = strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
			}
			target, err := dropBlob(inboxDir, name, blob)
			if err != nil {
				return err
			}

			log.Info().
				Str("source", src).
				Str("target", target).
				Str("flags", meta.Flags.String()).
				Msg("Configuration delivered")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Delivered %s to %s\n", src, target)
			return nil
		},
	}

	cmd.Flags().StringVar(&inboxDir, "inbox", "", "inbox directory (default from node config)")
	cmd.Flags().StringVar(&name, "name", "", "file name in the inbox (default source name)")

	return cmd
}

// dropBlob writes blob to dir/<name>.blob through a hidden staging file.
func dropBlob(dir, name string, blob []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create inbox: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".staging-*"+delivery.Extension)
	if err != nil {
		return "", fmt.Errorf("failed to stage configuration: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to stage configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to stage configuration: %w", err)
	}

	target := filepath.Join(dir, name+delivery.Extension)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to deliver configuration: %w", err)
	}
	return target, nil
}
