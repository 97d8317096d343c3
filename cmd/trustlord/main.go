package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trustlord/cmd/internal/prompt"
)

const defaultConfigPath = "./trustlord.toml"

var (
	cliNow              = time.Now
	cliStdin  io.Reader = os.Stdin
	cliGetenv           = os.Getenv
	newAsker            = func(stdout io.Writer) prompt.Asker { return prompt.NewTerminal(os.Stdin, stdout) }
	apiKeyFor           = func() (string, error) {
		return prompt.NewSecret("TRUSTLORD_API_KEY", "payment API key").Get()
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	configPath, args, err := applyGlobalFlags(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "scan":
		return runScanCommand(ctx, configPath, args[1:], stdout, stderr)
	case "lease":
		return runLeaseCommand(ctx, configPath, args[1:], stdout, stderr)
	case "history":
		return runHistoryCommand(ctx, configPath, args[1:], stdout, stderr)
	case "offer":
		return runOfferCommand(args[1:], stdout, stderr)
	case "sim":
		return runSimCommand(ctx, configPath, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

// applyGlobalFlags consumes flags that precede the command name.
func applyGlobalFlags(args []string, stderr io.Writer) (string, []string, error) {
	fs := flag.NewFlagSet("trustlord", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the tenant configuration (TOML)")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = strings.TrimSpace(cliGetenv("TRUSTLORD_CONFIG"))
	}
	if path == "" {
		path = defaultConfigPath
	}
	return path, fs.Args(), nil
}

func usage() string {
	return strings.Join([]string{
		"Usage: trustlord [-config path] <command> [flags]",
		"",
		"Commands:",
		"  scan [flags] [payload]        Scan a lease offer, accept it and pay the first month's rent",
		"  lease show [-json]            Show the saved lease and its payment status",
		"  lease reconcile <paymentID>   Wait for a crypto payment and mark the rent paid",
		"  lease clear [-yes]            Delete the saved lease",
		"  history list [-lease id]      List settled rent payments",
		"  history export [flags]        Export payment history as CSV or Parquet",
		"  offer [flags]                 Generate a lease offer payload (landlord)",
		"  sim reset                     Reset the payment simulator",
	}, "\n")
}

// newFlagSet returns a flag set that reports parse errors on stderr.
func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
