package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"easyconnect/discovery"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List devices currently advertising on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		asJSON, _ := cmd.Flags().GetBool("json")

		peers, err := discovery.Scan(cmd.Context(), discovery.Config{
			DeviceName:  cfg.DeviceName,
			ScanTimeout: timeout,
			Logger:      newLogger(cfg),
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(peers)
		}
		if len(peers) == 0 {
			fmt.Fprintln(out, "No peers found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS\tPORT")
		for _, peer := range peers {
			fmt.Fprintf(w, "%s\t%s\t%d\n", peer.DisplayName, peer.Address, peer.Port)
		}
		return w.Flush()
	},
}

func init() {
	peersCmd.Flags().Duration("timeout", 3*time.Second, "How long to listen for advertisements")
	peersCmd.Flags().Bool("json", false, "Print peers as JSON")
}
