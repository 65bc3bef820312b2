package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qeodomain/ddscored/internal/store"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump the persisted handshake audit and ignore set",
	Long: `inspect opens the same store a running domaind uses and prints its
tables to stdout, for operators diagnosing a domain without stopping it
(spec §A's store is append-only/last-write-wins, so concurrent reads
are safe).`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfigFile(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var dbCfg DatabaseConfig
		if err := viper.UnmarshalKey("db", &dbCfg); err != nil {
			return fmt.Errorf("decoding db configuration: %w", err)
		}
		db, err := dbCfg.getState()
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		return runInspect(cmd, db)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().String("peer", "", "Restrict the handshake audit to one hex-encoded peer GUID prefix")
}

func runInspect(cmd *cobra.Command, db *store.DB) error {
	peer, err := cmd.Flags().GetString("peer")
	if err != nil {
		return err
	}

	filters := map[string]interface{}{}
	if peer != "" {
		filters["peer_prefix"] = peer
	}
	audits, err := db.ListHandshakes(filters)
	if err != nil {
		return fmt.Errorf("listing handshakes: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tPLUGIN\tOUTCOME\tRETRIES\tOCCURRED_AT")
	for _, a := range audits {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.PeerPrefix, a.Plugin, a.Outcome, a.RetryCount, a.OccurredAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	ignored, err := db.LoadIgnored()
	if err != nil {
		return fmt.Errorf("listing ignored participants: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "IGNORED_PEER\tREARM_AT")
	for _, ig := range ignored {
		fmt.Fprintf(w, "%s\t%s\n", ig.PeerPrefix, ig.RearmAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return w.Flush()
}
