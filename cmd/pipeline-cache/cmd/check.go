package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the bucket is reachable",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	repo, err := current.repository()
	if err != nil {
		return err
	}
	ok, err := repo.BucketExists(cmd.Context())
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", current.cfg.S3Bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", current.cfg.S3Bucket)
	}

	total, err := repo.TotalSize(cmd.Context())
	if err != nil {
		return err
	}
	threshold := "disabled"
	if current.cfg.SizeThreshold > 0 {
		threshold = humanize.Bytes(uint64(current.cfg.SizeThreshold))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "bucket %s: %s stored, threshold %s\n",
		current.cfg.S3Bucket, humanize.Bytes(uint64(total)), threshold)
	return nil
}
