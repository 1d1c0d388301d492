package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/j3t/pipeline-cache/internal/cache"
	"github.com/j3t/pipeline-cache/internal/compression"
)

var errCacheMiss = errors.New("no cache found")

var restoreCmd = &cobra.Command{
	Use:   "restore <key> [restore-keys...]",
	Short: "Restore a cache archive",
	Long: "Restore the item stored under key. Otherwise each restore key is tried in order, " +
		"first as an exact key and then as a prefix, taking the newest match.",
	Args: cobra.MinimumNArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringP("output", "o", "-", "file to write, - for stdout")
	restoreCmd.Flags().Bool("zstd", false, "decompress the item with zstd")
	restoreCmd.Flags().Bool("fail-on-miss", false, "exit non-zero when nothing matches")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	useZstd, _ := cmd.Flags().GetBool("zstd")
	failOnMiss, _ := cmd.Flags().GetBool("fail-on-miss")

	c, err := current.cache()
	if err != nil {
		return err
	}

	var found bool
	if output != "-" && !useZstd {
		found, err = restoreFile(cmd, c, output, args[0], args[1:])
	} else {
		found, err = restoreStream(cmd, c, output, useZstd, args[0], args[1:])
	}
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	if !found {
		fmt.Fprintf(cmd.ErrOrStderr(), "No cache found for %s.\n", args[0])
		if failOnMiss {
			return errCacheMiss
		}
	}
	return nil
}

// restoreFile downloads into a temporary file next to path with parallel
// ranged requests and renames it into place on a hit.
func restoreFile(cmd *cobra.Command, c *cache.Cache, path, key string, restoreKeys []string) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pipeline-cache-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return false, err
	}

	res, err := c.RestoreTo(cmd.Context(), tmp, key, restoreKeys...)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil || !res.Found {
		return false, err
	}
	return true, os.Rename(tmp.Name(), path)
}

func restoreStream(cmd *cobra.Command, c *cache.Cache, path string, useZstd bool, key string, restoreKeys []string) (_ bool, err error) {
	e, ok, err := c.Open(cmd.Context(), key, restoreKeys...)
	if err != nil || !ok {
		return false, err
	}
	defer e.Close()

	var r io.Reader = e
	if useZstd {
		zr, err := compression.NewReader(e)
		if err != nil {
			return false, err
		}
		defer zr.Close()
		r = zr
	}

	w := cmd.OutOrStdout()
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return false, err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}
	if _, err := io.Copy(w, r); err != nil {
		return false, err
	}
	return true, nil
}
