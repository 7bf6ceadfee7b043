package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"puncture/internal/daemonsim"
	"puncture/internal/logging"
)

func newSimCommand() *cobra.Command {
	var (
		addr       string
		publicAddr string
		invites    int
		cfg        = daemonsim.Config{RateLimit: daemonsim.DefaultRateLimitConfig()}
	)

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a simulated daemon and print invites for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetOutput(cmd.ErrOrStderr())

			d, err := daemonsim.New(cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			address := publicAddr
			if address == "" {
				address = "http://" + ln.Addr().String()
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon %s (%s) listening on %s\n", d.Name(), d.ID(), address)
			for i := 0; i < invites; i++ {
				text, err := d.IssueInvite(address)
				if err != nil {
					ln.Close()
					return err
				}
				fmt.Fprintln(out, text)
			}

			server := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				logging.Sim.Println("shutting down...")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logging.Sim.Printf("shutdown error: %v", err)
				}
			}()

			if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:9735", "Listen address")
	flags.StringVar(&publicAddr, "public-address", "", "Base URL written into invites (default http://<addr>)")
	flags.IntVar(&invites, "invites", 1, "Number of invites to print")
	flags.StringVar(&cfg.Name, "name", "sim", "Daemon name")
	flags.Uint64Var(&cfg.FeePPM, "fee-ppm", 1000, "Proportional fee in parts per million")
	flags.Uint64Var(&cfg.BaseFeeMsat, "base-fee-msat", 1000, "Base fee in millisatoshi")
	flags.Uint64Var(&cfg.InitialBalanceMsat, "balance-msat", 100_000_000, "Starting balance in millisatoshi")
	flags.DurationVar(&cfg.AutoSettle, "auto-settle", 2*time.Second, "Settle outgoing payments after this delay")
	flags.IntVar(&cfg.MaxPendingSends, "max-pending", 10, "Pending outgoing payments allowed per session")
	flags.StringVar(&cfg.Network, "network", "bcrt", "Invoice currency prefix")
	return cmd
}
