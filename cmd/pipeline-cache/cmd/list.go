package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List cached items",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	repo, err := current.repository()
	if err != nil {
		return err
	}

	items := repo.FindAll(cmd.Context())
	if len(args) == 1 {
		items = repo.FindByPrefix(cmd.Context(), args[0])
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tLAST ACCESS")
	var (
		count int
		total int64
	)
	for item, err := range items {
		if err != nil {
			return err
		}
		count++
		total += item.ContentLength
		fmt.Fprintf(tw, "%s\t%s\t%s\n", item.Key, humanize.IBytes(uint64(item.ContentLength)), humanize.Time(item.LastAccess))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s in %d items\n", humanize.IBytes(uint64(total)), count)
	return nil
}
