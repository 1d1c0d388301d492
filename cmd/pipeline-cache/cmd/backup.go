package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/j3t/pipeline-cache/internal/compression"
)

var backupCmd = &cobra.Command{
	Use:   "backup <key>",
	Short: "Store a cache archive",
	Long:  "Upload the input under key. Nothing is written when the key already exists.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

func init() {
	backupCmd.Flags().StringP("input", "i", "-", "file to upload, - for stdin")
	backupCmd.Flags().Bool("zstd", false, "compress the input with zstd")
	backupCmd.Flags().Int("zstd-level", 2, "zstd level, 1 (fastest) to 3 (best)")
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) (err error) {
	key := args[0]
	input, _ := cmd.Flags().GetString("input")
	useZstd, _ := cmd.Flags().GetBool("zstd")
	level, _ := cmd.Flags().GetInt("zstd-level")

	var r io.Reader = cmd.InOrStdin()
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if useZstd {
		zr := compression.Compress(r, level)
		defer zr.Close()
		r = zr
	}

	c, err := current.cache()
	if err != nil {
		return err
	}
	res, err := c.Backup(cmd.Context(), key, r)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	if !res.Saved {
		fmt.Fprintf(cmd.ErrOrStderr(), "Cache %s already exists, skipped.\n", key)
	}
	return nil
}
