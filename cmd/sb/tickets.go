package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/relay"
)

func newTicketsCmd() *cobra.Command {
	var (
		flags     configFlags
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List pending autoreply tickets",
		Long:  "Prints ticket counts by state and every PENDING ticket, oldest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			gormDB, err := connect(cfg)
			if err != nil {
				return err
			}
			tickets, err := relay.NewTicketMachine(gormDB)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			counts, err := tickets.CountByState(ctx)
			if err != nil {
				return err
			}
			pending, err := tickets.ListPending(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			printTickets(cmd.OutOrStdout(), counts, pending, time.Now())
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only list tickets pending for at least this long")
	return cmd
}

func printTickets(out io.Writer, counts map[string]int64, pending []models.AutoreplyTicket, now time.Time) {
	fmt.Fprintf(out, "PENDING: %d  APPROVED: %d  DISCARDED: %d\n",
		counts[models.TicketPending], counts[models.TicketApproved], counts[models.TicketDiscarded])
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending tickets.")
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TICKET\tENTRY\tAGE\tDRAFT")
	for _, t := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.RelayedMessageID, now.Sub(t.CreatedAt).Truncate(time.Second), truncate(t.GeneratedText, 50))
	}
	w.Flush()
}

// truncate shortens s to n runes on a single line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
