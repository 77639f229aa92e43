package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/replylog"
)

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Conversation log commands",
	}
	cmd.AddCommand(newLogStatsCmd())
	return cmd
}

func newLogStatsCmd() *cobra.Command {
	var (
		flags configFlags
		file  string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the conversation log",
		Long:  "Reads the TSV conversation log and counts rows by approval status. --file overrides log.tsv_path from the config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				cfg, err := flags.load()
				if err != nil {
					return err
				}
				path = cfg.Log.TSVPath
			}
			rows, err := replylog.ReadTSV(path)
			if err != nil {
				return err
			}
			printLogStats(cmd.OutOrStdout(), path, rows)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "TSV log to read")
	return cmd
}

func printLogStats(out io.Writer, path string, rows []replylog.Row) {
	counts := replylog.CountByStatus(rows)
	fmt.Fprintf(out, "%s: %d rows\n", path, len(rows))
	for _, s := range []replylog.Status{
		replylog.StatusUnset,
		replylog.StatusApproved,
		replylog.StatusDiscarded,
		replylog.StatusDiscardedThenManual,
	} {
		fmt.Fprintf(out, "  %-22s %d\n", s, counts[s])
	}
	if len(rows) > 0 {
		fmt.Fprintf(out, "First: %s\nLast:  %s\n",
			rows[0].Timestamp.Format("2006-01-02 15:04:05"),
			rows[len(rows)-1].Timestamp.Format("2006-01-02 15:04:05"))
	}
}
