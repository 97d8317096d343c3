package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"trustlord/gateway"
	"trustlord/lease"
	"trustlord/reconcile"
)

func runLeaseCommand(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, leaseUsage())
		return 1
	}
	switch args[0] {
	case "show":
		return runLeaseShow(ctx, configPath, args[1:], stdout, stderr)
	case "clear":
		return runLeaseClear(ctx, configPath, args[1:], stdout, stderr)
	case "reconcile":
		return runLeaseReconcile(ctx, configPath, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown lease subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, leaseUsage())
		return 1
	}
}

func leaseUsage() string {
	return "Usage: trustlord lease <show [-json]|clear [-yes]|reconcile <paymentID>>"
}

func runLeaseShow(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("lease show", stderr)
	asJSON := fs.Bool("json", false, "print the stored record as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	env := openCommandEnv(ctx, configPath, stderr, false, false)
	if env == nil {
		return 1
	}
	defer env.Close()

	record, err := env.store.GetLease(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describe(err))
		return 1
	}
	if record == nil {
		fmt.Fprintln(stdout, "No lease saved. Scan a landlord's QR code with `trustlord scan`.")
		return 0
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(record); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	printSummary(stdout, *record, lease.DateOf(cliNow()))
	return 0
}

func runLeaseClear(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("lease clear", stderr)
	yes := fs.Bool("yes", false, "clear without asking")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	env := openCommandEnv(ctx, configPath, stderr, false, false)
	if env == nil {
		return 1
	}
	defer env.Close()

	record, err := env.store.GetLease(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describe(err))
		return 1
	}
	if record == nil {
		fmt.Fprintln(stdout, "No lease saved.")
		return 0
	}
	if !*yes {
		ok, err := newAsker(stdout).Confirm(fmt.Sprintf("Delete the lease for %s?", record.Lease.PropertyName))
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v (pass -yes to clear non-interactively)\n", err)
			return 1
		}
		if !ok {
			fmt.Fprintln(stdout, "Lease kept.")
			return 0
		}
	}
	if err := env.store.ClearLease(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describe(err))
		return 1
	}
	fmt.Fprintf(stdout, "Lease %s cleared.\n", record.Lease.LeaseID)
	return 0
}

func runLeaseReconcile(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("lease reconcile", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		fmt.Fprintln(stderr, "Error: a payment id is required")
		fmt.Fprintln(stderr, leaseUsage())
		return 1
	}
	paymentID := strings.TrimSpace(fs.Arg(0))
	env := openCommandEnv(ctx, configPath, stderr, true, true)
	if env == nil {
		return 1
	}
	defer env.Close()

	reconciler := reconcile.New(env.gateway, env.store,
		reconcile.WithClock(cliNow),
		reconcile.WithPollInterval(env.cfg.Gateway.PollInterval.Duration),
		reconcile.WithMaxPolls(env.cfg.Gateway.MaxPolls),
		reconcile.WithLedger(env.ledger),
		reconcile.WithLogger(env.logger),
		reconcile.WithMetrics(env.metrics),
	)
	record, err := reconciler.Crypto(ctx, paymentID)
	if err != nil {
		if errors.Is(err, reconcile.ErrSettlementPending) {
			fmt.Fprintf(stdout, "Payment %s is still pending.\n", paymentID)
			return 0
		}
		fmt.Fprintf(stderr, "Payment not reconciled: %s\n", describe(err))
		return 1
	}
	fmt.Fprintln(stdout, "Rent paid.")
	printSummary(stdout, record, lease.DateOf(cliNow()))
	return 0
}

func printOffer(w io.Writer, offer lease.Offer) {
	fmt.Fprintln(w, "Lease offer")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Property:\t%s, %s\n", offer.PropertyName, offer.PropertyAddress)
	if offer.UnitNumber != "" {
		fmt.Fprintf(tw, "Unit:\t%s\n", offer.UnitNumber)
	}
	fmt.Fprintf(tw, "Landlord:\t%s (%s)\n", offer.LandlordName, offer.LandlordPhone)
	fmt.Fprintf(tw, "Monthly rent:\t%s\n", lease.FormatAmount(offer.MonthlyRent, offer.Currency))
	fmt.Fprintf(tw, "Deposit:\t%s\n", lease.FormatAmount(offer.SecurityDeposit, offer.Currency))
	fmt.Fprintf(tw, "Term:\t%d months, %s - %s\n", offer.LeaseDurationMonths, offer.LeaseStartDate.Display(), offer.EndDate().Display())
	tw.Flush()
}

func printIntent(w io.Writer, intent gateway.PaymentIntent) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Payment:\t%s (%s)\n", intent.PaymentID, intent.Status)
	fmt.Fprintf(tw, "Send:\t%s %s\n", strconv.FormatFloat(intent.CryptoAmount, 'f', -1, 64), intent.CryptoCurrency)
	fmt.Fprintf(tw, "To:\t%s\n", intent.WalletAddress)
	if intent.PaymentURL != "" {
		fmt.Fprintf(tw, "Pay online:\t%s\n", intent.PaymentURL)
	}
	if !intent.ExpiresAt.IsZero() {
		fmt.Fprintf(tw, "Expires:\t%s\n", intent.ExpiresAt.Format("2006-01-02 15:04 MST"))
	}
	tw.Flush()
}

func printSummary(w io.Writer, record lease.Record, today lease.Date) {
	summary := lease.Summarize(record, today)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Property:\t%s\n", summary.Property)
	if summary.Unit != "" {
		fmt.Fprintf(tw, "Unit:\t%s\n", summary.Unit)
	}
	fmt.Fprintf(tw, "Landlord:\t%s\n", summary.Landlord)
	fmt.Fprintf(tw, "Monthly rent:\t%s\n", summary.Rent)
	fmt.Fprintf(tw, "Deposit:\t%s\n", summary.Deposit)
	fmt.Fprintf(tw, "Lease period:\t%s\n", summary.Period)
	fmt.Fprintf(tw, "Next due:\t%s (%s)\n", summary.NextDue, dueIn(summary.DaysUntilDue))
	fmt.Fprintf(tw, "Status:\t%s\n", summary.Status)
	fmt.Fprintf(tw, "Last payment:\t%s\n", summary.LastPayment)
	tw.Flush()
}

func dueIn(days int) string {
	switch {
	case days == 0:
		return "today"
	case days == 1:
		return "in 1 day"
	case days > 1:
		return fmt.Sprintf("in %d days", days)
	case days == -1:
		return "1 day overdue"
	default:
		return fmt.Sprintf("%d days overdue", -days)
	}
}
