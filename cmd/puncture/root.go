package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"puncture/internal/client"
	"puncture/internal/logging"
)

const dataDirEnv = "PUNCTURE_DATA_DIR"

type commandContext struct {
	dataDirFlag *string
}

func newRootCommand() *cobra.Command {
	var dataDirFlag string
	var verbose bool

	ctx := &commandContext{dataDirFlag: &dataDirFlag}

	rootCmd := &cobra.Command{
		Use:           "puncture",
		Short:         "Coordinate payments across Lightning daemons",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logging.SetOutput(cmd.ErrOrStderr())
			} else {
				logging.SetOutput(io.Discard)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&dataDirFlag, "data-dir", "d", "", "Client data directory (default $"+dataDirEnv+" or ~/.puncture)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")

	for _, cmd := range newDaemonCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range newPaymentCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newEventsCommand(ctx))
	rootCmd.AddCommand(newDecodeCommand())
	rootCmd.AddCommand(newSimCommand())

	return rootCmd
}

func (c *commandContext) dataDir() string {
	if dir := strings.TrimSpace(*c.dataDirFlag); dir != "" {
		return dir
	}
	if dir := strings.TrimSpace(os.Getenv(dataDirEnv)); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".puncture"
	}
	return filepath.Join(home, ".puncture")
}

// withClient opens the registry for the duration of fn.
func (c *commandContext) withClient(cmd *cobra.Command, fn func(*client.Client) error) error {
	cl, err := client.New(cmd.Context(), c.dataDir())
	if err != nil {
		return err
	}
	defer cl.Close()
	return fn(cl)
}

// withConnection resolves a daemon by id, prefix or name and connects to it.
func (c *commandContext) withConnection(cmd *cobra.Command, daemon string, fn func(*client.Client, *client.Connection) error) error {
	return c.withClient(cmd, func(cl *client.Client) error {
		d, err := cl.Daemon(cmd.Context(), daemon)
		if err != nil {
			return fmt.Errorf("daemon %q: %w", daemon, err)
		}
		conn := d.Connect()
		defer conn.Close()
		return fn(cl, conn)
	})
}
