package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vireflow/vire/pkg/delivery"
	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/stores"
)

// recordingInstaller records every install that reached the engine in the
// store's history.
type recordingInstaller struct {
	installer delivery.Installer
	history   stores.InstallHistory
	logger    zerolog.Logger
}

func (r *recordingInstaller) Deliver(ctx context.Context, blob []byte) (*engine.InstallResult, error) {
	start := time.Now()
	res, err := r.installer.Deliver(ctx, blob)
	if res == nil {
		// The request never reached the engine loop.
		return res, err
	}

	rec := stores.NewInstallRecord(res, err, time.Since(start))
	if herr := r.history.RecordInstall(context.WithoutCancel(ctx), rec); herr != nil {
		r.logger.Warn().Err(herr).Str("install_id", rec.ID).Msg("Failed to record install")
	}
	return res, err
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent install attempts",
		Long: `History lists the most recent install attempts recorded in the node's
store, newest first. The memory backend keeps no history across runs.`,
		Example: `  # Show the last 20 installs
  vire history -c node.yaml

  # Show everything as JSON
  vire history -c node.yaml --limit 0 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}

			logger := zerolog.Nop()
			store, err := stores.Open(ctx, cfg.Store, &logger)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			records, err := store.ListInstalls(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list installs: %w", err)
			}
			return printHistory(cmd, records)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show, 0 for all")

	return cmd
}

func printHistory(cmd *cobra.Command, records []*stores.InstallRecord) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No installs recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tMODE\tOUTCOME\tELEMENTS\tSPAWNED\tREMOVED\tDURATION")
	for _, r := range records {
		outcome := string(r.Outcome)
		if r.ErrorClass != nil {
			outcome += " (" + *r.ErrorClass + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Mode, outcome,
			r.Elements, r.Spawned, r.Removed, r.Duration.Round(time.Microsecond))
	}
	return w.Flush()
}
