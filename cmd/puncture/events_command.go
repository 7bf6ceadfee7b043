package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"puncture/internal/client"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var count int
	var idle time.Duration

	cmd := &cobra.Command{
		Use:   "events <daemon>",
		Short: "Stream payment and balance events",
		Long: "Prints events from the daemon's retained history onwards. Stops after --count events, " +
			"after --idle without a new event, or on interrupt.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withConnection(cmd, args[0], func(cl *client.Client, conn *client.Connection) error {
				out := cmd.OutOrStdout()
				color := shouldColorize(out)
				for seen := 0; count <= 0 || seen < count; seen++ {
					waitCtx, cancel := cmd.Context(), context.CancelFunc(func() {})
					if idle > 0 {
						waitCtx, cancel = context.WithTimeout(cmd.Context(), idle)
					}
					ev, err := conn.NextEvent(waitCtx)
					cancel()
					if err != nil {
						if errors.Is(err, context.DeadlineExceeded) && cmd.Context().Err() == nil {
							return nil
						}
						return err
					}
					fmt.Fprintln(out, formatEvent(ev, color))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many events (0 streams until interrupted)")
	cmd.Flags().DurationVar(&idle, "idle", 0, "Stop after this long without an event (0 waits forever)")
	return cmd
}

func formatEvent(ev client.Event, color bool) string {
	switch e := ev.(type) {
	case client.PaymentEvent:
		line := fmt.Sprintf("payment %s %s %s %s", shortID(e.ID), e.PaymentType, statusText(e.Status, color), formatSignedMsat(e.AmountMsat))
		if e.FeeMsat != 0 {
			line += " fee " + formatSignedMsat(e.FeeMsat)
		}
		if e.LnAddress != "" {
			line += " to " + e.LnAddress
		}
		if e.Description != "" {
			line += fmt.Sprintf(" %q", e.Description)
		}
		return line
	case client.BalanceEvent:
		return "balance " + formatMsat(e.AmountMsat)
	case client.UpdateEvent:
		return fmt.Sprintf("update %s %s", shortID(e.ID), statusText(e.Status, color))
	default:
		return fmt.Sprintf("%v", ev)
	}
}

func statusText(s client.PaymentStatus, color bool) string {
	switch s {
	case client.StatusSettled:
		return colorize(string(s), text.FgGreen, color)
	case client.StatusFailed:
		return colorize(string(s), text.FgRed, color)
	default:
		return colorize(string(s), text.FgYellow, color)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
