package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"trustlord/history"
	"trustlord/lease"
)

func runHistoryCommand(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, historyUsage())
		return 1
	}
	switch args[0] {
	case "list":
		return runHistoryList(ctx, configPath, args[1:], stdout, stderr)
	case "export":
		return runHistoryExport(ctx, configPath, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown history subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, historyUsage())
		return 1
	}
}

func historyUsage() string {
	return "Usage: trustlord history <list [-lease id]|export [-format csv|parquet] [-out path] [-lease id]>"
}

func runHistoryList(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("history list", stderr)
	leaseID := fs.String("lease", "", "only list payments for this lease")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	env := openCommandEnv(ctx, configPath, stderr, false, true)
	if env == nil {
		return 1
	}
	defer env.Close()

	receipts, err := env.ledger.List(ctx, *leaseID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(receipts) == 0 {
		fmt.Fprintln(stdout, "No payments recorded.")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PAID ON\tLEASE\tREFERENCE\tVIA\tAMOUNT\tRECEIPT")
	for _, r := range receipts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.PaidOn, r.LeaseID, r.Reference, channelLabel(r),
			lease.FormatAmount(r.Amount, lease.Currency(r.Currency)), r.ID)
	}
	tw.Flush()
	return 0
}

func runHistoryExport(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("history export", stderr)
	format := fs.String("format", "csv", "export format: csv or parquet")
	out := fs.String("out", "", "output file (csv defaults to stdout)")
	leaseID := fs.String("lease", "", "only export payments for this lease")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	kind := strings.ToLower(strings.TrimSpace(*format))
	path := strings.TrimSpace(*out)
	switch kind {
	case "csv":
	case "parquet":
		if path == "" {
			fmt.Fprintln(stderr, "Error: -out is required for parquet exports")
			return 1
		}
	default:
		fmt.Fprintf(stderr, "Error: unsupported export format %q\n", *format)
		return 1
	}

	env := openCommandEnv(ctx, configPath, stderr, false, true)
	if env == nil {
		return 1
	}
	defer env.Close()

	receipts, err := env.ledger.List(ctx, *leaseID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if kind == "parquet" {
		err = history.ExportParquet(path, receipts)
	} else {
		err = exportCSV(path, receipts, stdout)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if path != "" {
		fmt.Fprintf(stdout, "Exported %d payments to %s\n", len(receipts), path)
	}
	return 0
}

func exportCSV(path string, receipts []history.Receipt, stdout io.Writer) error {
	if path == "" {
		return history.ExportCSV(stdout, receipts)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := history.ExportCSV(f, receipts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func channelLabel(r history.Receipt) string {
	if r.Channel == "" {
		return string(r.Source)
	}
	return string(r.Source) + "/" + r.Channel
}
