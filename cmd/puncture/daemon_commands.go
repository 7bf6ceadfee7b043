package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"puncture/internal/client"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	registerCmd := &cobra.Command{
		Use:   "register <invite>",
		Short: "Register a daemon from an invite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(cl *client.Client) error {
				conn, err := cl.Register(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				defer conn.Close()
				d := conn.Daemon()
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", d.Name(), d.ID())
				return nil
			})
		},
	}

	daemonsCmd := &cobra.Command{
		Use:     "daemons",
		Aliases: []string{"ls"},
		Short:   "List registered daemons",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(cl *client.Client) error {
				daemons, err := cl.Daemons(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(daemons) == 0 {
					fmt.Fprintln(out, "No daemons registered")
					return nil
				}
				rows := make([][]string, 0, len(daemons))
				for _, d := range daemons {
					rows = append(rows, []string{
						d.Name(),
						d.ID(),
						d.Address(),
						d.RegisteredAt().Format("2006-01-02 15:04"),
					})
				}
				fmt.Fprintln(out, renderTable([]string{"Name", "ID", "Address", "Registered"}, rows, nil))
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <daemon>",
		Short: "Forget a registered daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(cl *client.Client) error {
				d, err := cl.Daemon(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("daemon %q: %w", args[0], err)
				}
				if err := cl.DeleteDaemon(cmd.Context(), d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", d.Name())
				return nil
			})
		},
	}

	return []*cobra.Command{registerCmd, daemonsCmd, deleteCmd}
}
