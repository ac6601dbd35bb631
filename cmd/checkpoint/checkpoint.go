package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/dszqbsm/policedata/config"
	"github.com/spf13/cobra"
)

var CheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "print the last committed checkpoint.",
	Long:  "print the last committed checkpoint of the configured source.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closer, err := config.Boot(cfgFile, overrides)
		if err != nil {
			return err
		}
		defer closer.Close()
		defer logger.Sync()

		ctx := cmd.Context()
		store, err := cfg.OpenStore(ctx, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		src := cfg.Source
		if source != "" {
			src = source
		}
		cp, ok, err := store.Checkpoint(ctx, src)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(cmd.OutOrStdout(), "no checkpoint for %s\n", src)
			return nil
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(cp)
	},
}

var (
	cfgFile   string
	source    string
	overrides config.Overrides
)

func init() {
	CheckpointCmd.Flags().StringVar(
		&cfgFile, "config", "configs/policedata.yaml", "set config file")
	CheckpointCmd.Flags().StringVar(
		&source, "source", "", "checkpoint source, defaults to the configured one")
	CheckpointCmd.Flags().StringVar(
		&overrides.DSN, "dsn", "", "override storage dsn")
}
