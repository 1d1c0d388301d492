package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Delete least recently used items until the bucket fits the threshold",
	Args:  cobra.NoArgs,
	RunE:  runEvict,
}

func init() {
	evictCmd.Flags().Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(evictCmd)
}

func runEvict(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	sched, err := current.scheduler()
	if err != nil {
		return err
	}
	res, err := sched.RunOnce(cmd.Context())
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Threshold <= 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "eviction disabled, no threshold set")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s stored, threshold %s: deleted %d of %d items (%s)\n",
		humanize.Bytes(uint64(res.TotalSize)), humanize.Bytes(uint64(res.Threshold)),
		res.Deleted, res.Selected, humanize.Bytes(uint64(res.SelectedBytes)))
	return nil
}
