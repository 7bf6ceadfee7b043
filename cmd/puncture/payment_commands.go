package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"puncture/internal/client"
	"puncture/internal/config"
	"puncture/internal/payreq"
)

func newPaymentCommands(ctx *commandContext) []*cobra.Command {
	feesCmd := &cobra.Command{
		Use:   "fees <daemon>",
		Short: "Show a daemon's fee schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withConnection(cmd, args[0], func(cl *client.Client, conn *client.Connection) error {
				fees, err := conn.Fees(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{
					{"Proportional", strconv.FormatUint(fees.FeePPM, 10) + " ppm"},
					{"Base", formatMsat(fees.BaseFeeMsat)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Fee", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}

	var quoteMsat uint64
	quoteCmd := &cobra.Command{
		Use:   "quote <daemon> <request>",
		Short: "Show what paying a request would cost",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withConnection(cmd, args[0], func(cl *client.Client, conn *client.Connection) error {
				req, err := resolveRequest(cmd, cl.Config(), args[1], quoteMsat)
				if err != nil {
					return err
				}
				quote, err := conn.QuoteRequest(cmd.Context(), req)
				if err != nil {
					return err
				}
				printQuote(cmd, req, quote)
				return nil
			})
		},
	}
	quoteCmd.Flags().Uint64Var(&quoteMsat, "msat", 0, "Amount in millisatoshi for requests without one")

	var payMsat uint64
	payCmd := &cobra.Command{
		Use:   "pay <daemon> <request>",
		Short: "Pay an invoice, offer, LNURL or Lightning Address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withConnection(cmd, args[0], func(cl *client.Client, conn *client.Connection) error {
				req, err := resolveRequest(cmd, cl.Config(), args[1], payMsat)
				if err != nil {
					return err
				}
				quote, err := conn.QuoteRequest(cmd.Context(), req)
				if err != nil {
					return err
				}
				printQuote(cmd, req, quote)
				if err := conn.Send(cmd.Context(), req); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Payment sent")
				return nil
			})
		},
	}
	payCmd.Flags().Uint64Var(&payMsat, "msat", 0, "Amount in millisatoshi for requests without one")

	var receiveMsat uint64
	var receiveDescription string
	receiveCmd := &cobra.Command{
		Use:   "receive <daemon>",
		Short: "Create a Bolt11 invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if receiveMsat == 0 {
				return errors.New("--msat is required")
			}
			return ctx.withConnection(cmd, args[0], func(cl *client.Client, conn *client.Connection) error {
				invoice, err := conn.Bolt11Receive(cmd.Context(), receiveMsat, receiveDescription)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), invoice)
				return nil
			})
		},
	}
	receiveCmd.Flags().Uint64Var(&receiveMsat, "msat", 0, "Invoice amount in millisatoshi")
	receiveCmd.Flags().StringVar(&receiveDescription, "description", "", "Invoice description")

	offerCmd := &cobra.Command{
		Use:   "offer <daemon>",
		Short: "Create a reusable Bolt12 offer for any amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withConnection(cmd, args[0], func(cl *client.Client, conn *client.Connection) error {
				offer, err := conn.Bolt12ReceiveVariableAmount(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), offer)
				return nil
			})
		},
	}

	return []*cobra.Command{feesCmd, quoteCmd, payCmd, receiveCmd, offerCmd}
}

// resolveRequest turns user input into a sendable request. A request that
// already carries its amount is used as is when no amount was given.
func resolveRequest(cmd *cobra.Command, cfg config.Config, text string, amountMsat uint64) (payreq.WithAmount, error) {
	if amountMsat == 0 {
		if req, ok := payreq.ParseWithAmount(text); ok {
			return req, nil
		}
	}
	open, ok := payreq.ParseWithoutAmount(text)
	if !ok {
		return payreq.WithAmount{}, fmt.Errorf("%w: %q", payreq.ErrUnsupported, shorten(text))
	}
	if amountMsat == 0 {
		fixed, ok := open.FixedAmount()
		if !ok {
			return payreq.WithAmount{}, fmt.Errorf("%s: --msat is required", open.Display())
		}
		amountMsat = fixed
	}

	return payreq.NewResolver(cfg.LnurlTimeoutDuration()).Resolve(cmd.Context(), open, amountMsat)
}

func printQuote(cmd *cobra.Command, req payreq.WithAmount, quote client.Quote) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, req.Display())
	rows := [][]string{
		{"Amount", formatMsat(quote.AmountMsat)},
		{"Fee", formatMsat(quote.FeeMsat)},
	}
	if quote.Description != "" {
		rows = append(rows, []string{"Description", quote.Description})
	}
	if quote.ExpirySecs != 0 {
		rows = append(rows, []string{"Expiry", strconv.FormatUint(quote.ExpirySecs, 10) + "s"})
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
}

func newDecodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <request>",
		Short: "Describe a payment request without contacting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, ok := payreq.ParseWithoutAmount(args[0])
			if !ok {
				return fmt.Errorf("%w: %q", payreq.ErrUnsupported, shorten(args[0]))
			}
			rows := [][]string{
				{"Kind", req.Kind().String()},
				{"Summary", req.Display()},
			}
			if amount, ok := req.FixedAmount(); ok {
				rows = append(rows, []string{"Amount", formatMsat(amount)})
			}
			if desc := req.Description(); desc != "" {
				rows = append(rows, []string{"Description", desc})
			}
			if endpoint := req.Endpoint(); endpoint != nil {
				rows = append(rows, []string{"Endpoint", endpoint.String()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func shorten(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 24 {
		return s[:24] + "..."
	}
	return s
}
