package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"trustlord/cmd/internal/prompt"
	"trustlord/faults"
	"trustlord/gateway"
	"trustlord/lease"
	"trustlord/reconcile"
	"trustlord/session"
)

const maxPayloadBytes = 64 << 10

type scanOptions struct {
	file     string
	method   string
	phone    string
	email    string
	asset    string
	provider string
	accept   bool
	attempts int
	noWait   bool
	verbose  bool
}

func runScanCommand(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("scan", stderr)
	var opts scanOptions
	fs.StringVar(&opts.file, "file", "", "read the QR payload from a file (\"-\" for stdin)")
	fs.StringVar(&opts.method, "method", "mobile_money", "payment method: mobile_money or crypto")
	fs.StringVar(&opts.phone, "phone", "", "mobile money number")
	fs.StringVar(&opts.email, "email", "", "receipt email for crypto payments")
	fs.StringVar(&opts.asset, "asset", "", "crypto asset (BTC, USDT, USDC)")
	fs.StringVar(&opts.provider, "provider", "", "mobile money network (mtn_momo, airtel_money, vodacom_mpesa, tigo_pesa, orange_money)")
	fs.BoolVar(&opts.accept, "accept", false, "accept the lease terms without asking")
	fs.IntVar(&opts.attempts, "attempts", 3, "most payment attempts to offer; every retry is confirmed first")
	fs.BoolVar(&opts.noWait, "no-wait", false, "do not wait for crypto settlement")
	fs.BoolVar(&opts.verbose, "v", false, "print session transitions")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	raw, err := readPayload(opts.file, fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	method, ok := session.ParseMethod(opts.method)
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown payment method %q\n", opts.method)
		return 1
	}
	if opts.attempts <= 0 {
		opts.attempts = 1
	}

	env := openCommandEnv(ctx, configPath, stderr, true, true)
	if env == nil {
		return 1
	}
	defer env.Close()

	machineOpts := []session.Option{
		session.WithClock(cliNow),
		session.WithCodec(lease.NewCodec(
			lease.WithClock(cliNow),
			lease.WithMaxAge(env.cfg.Offer.MaxAge.Duration),
			lease.WithFutureSkew(env.cfg.Offer.FutureSkew.Duration),
		)),
		session.WithLogger(env.logger),
		session.WithMetrics(env.metrics),
		session.WithDefaultCrypto(gateway.CryptoCurrency(strings.ToUpper(env.cfg.Gateway.CryptoCurrency))),
		session.WithDefaultProvider(gateway.MobileMoneyProvider(env.cfg.MobileMoney.Provider)),
	}
	if opts.verbose {
		machineOpts = append(machineOpts, session.WithObserver(func(tr session.Transition) {
			fmt.Fprintf(stderr, "session: %s -> %s (%s)\n", tr.From, tr.To, tr.Event)
		}))
	}
	m := session.New(env.gateway, env.mobile, env.store, machineOpts...)

	// A terminal has no camera; reading the payload stands in for the scan.
	if err := m.GrantPermission(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := m.SubmitPayload(raw); err != nil {
		fmt.Fprintf(stderr, "Could not read lease offer: %s\n", describe(err))
		return 1
	}

	offer := *m.Snapshot().Offer
	printOffer(stdout, offer)

	asker := newAsker(stdout)
	accepted := opts.accept
	if !accepted {
		accepted, err = asker.Confirm("Accept these lease terms?")
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v (pass -accept to accept non-interactively)\n", err)
			_ = m.Cancel()
			return 1
		}
	}
	if !accepted {
		_ = m.Reject()
		_ = m.Cancel()
		fmt.Fprintln(stdout, "Lease offer declined.")
		return 0
	}
	if err := m.SetTermsAccepted(true); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := m.Accept(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	payer, err := resolvePayer(opts, method, asker)
	if err != nil {
		_ = m.Cancel()
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := submitPayment(ctx, m, method, payer, opts.attempts, asker, stdout); err != nil {
		snap := m.Snapshot()
		if snap.State == session.Settled && snap.Outcome == session.OutcomeNotSaved {
			if retryErr := m.RetrySave(ctx); retryErr == nil {
				err = nil
			}
		}
		if err != nil {
			if m.State() != session.Settled {
				_ = m.Cancel()
			}
			fmt.Fprintf(stderr, "Payment not completed: %s\n", describe(err))
			return 1
		}
	}

	snap := m.Snapshot()
	reconciler := reconcile.New(env.gateway, env.store,
		reconcile.WithClock(cliNow),
		reconcile.WithPollInterval(env.cfg.Gateway.PollInterval.Duration),
		reconcile.WithMaxPolls(env.cfg.Gateway.MaxPolls),
		reconcile.WithLedger(env.ledger),
		reconcile.WithLogger(env.logger),
		reconcile.WithMetrics(env.metrics),
	)

	var record lease.Record
	switch {
	case snap.Receipt != nil:
		fmt.Fprintf(stdout, "%s payment received (%s).\n", snap.Receipt.Provider.DisplayName(), snap.Receipt.TransactionID)
		record, err = reconciler.Direct(ctx, *snap.Receipt)
	case snap.Intent != nil:
		printIntent(stdout, *snap.Intent)
		if opts.noWait {
			fmt.Fprintf(stdout, "Run `trustlord lease reconcile %s` once the transfer is sent.\n", snap.Intent.PaymentID)
			return 0
		}
		fmt.Fprintln(stdout, "Waiting for settlement...")
		record, err = reconciler.Crypto(ctx, snap.Intent.PaymentID)
	default:
		fmt.Fprintln(stderr, "Error: payment finished without a receipt")
		return 1
	}
	if err != nil {
		return reportReconcileError(stdout, stderr, snap, err)
	}
	fmt.Fprintln(stdout, "Rent paid. Lease saved.")
	printSummary(stdout, record, lease.DateOf(cliNow()))
	return 0
}

// submitPayment runs SelectMethod and, after a retryable failure, offers the
// tenant another attempt. Nothing is resubmitted without a yes.
func submitPayment(ctx context.Context, m *session.Machine, method session.Method, payer session.Payer, attempts int, asker prompt.Asker, stdout io.Writer) error {
	for attempt := 1; ; attempt++ {
		err := m.SelectMethod(ctx, method, payer)
		if err == nil || m.State() != session.AwaitingPaymentMethod {
			return err
		}
		if !faults.KindOf(err).Retryable() || attempt >= attempts {
			return err
		}
		fmt.Fprintf(stdout, "Payment attempt %d failed: %s.\n", attempt, describe(err))
		again, askErr := asker.Confirm("Try the payment again?")
		if askErr != nil || !again {
			return err
		}
	}
}

func resolvePayer(opts scanOptions, method session.Method, asker prompt.Asker) (session.Payer, error) {
	payer := session.Payer{
		Phone: strings.TrimSpace(opts.phone),
		Email: strings.TrimSpace(opts.email),
	}
	if opts.asset != "" {
		asset, ok := gateway.ParseCryptoCurrency(opts.asset)
		if !ok {
			return payer, fmt.Errorf("unsupported crypto asset %q", opts.asset)
		}
		payer.Crypto = asset
	}
	if opts.provider != "" {
		provider, ok := gateway.ParseMobileMoneyProvider(opts.provider)
		if !ok {
			return payer, fmt.Errorf("unsupported mobile money network %q", opts.provider)
		}
		payer.Provider = provider
	}
	if method == session.MethodMobileMoney && payer.Phone == "" {
		phone, err := asker.Line("Mobile money number")
		if err != nil {
			return payer, fmt.Errorf("mobile money number required: %w", err)
		}
		payer.Phone = phone
	}
	return payer, nil
}

func readPayload(file string, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case file == "-":
		data, err = io.ReadAll(io.LimitReader(cliStdin, maxPayloadBytes))
	case file != "":
		data, err = os.ReadFile(file)
	case len(args) > 0:
		data = []byte(strings.Join(args, " "))
	default:
		return "", errors.New("no lease payload: pass it as an argument or with -file")
	}
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", errors.New("lease payload is empty")
	}
	return raw, nil
}

func reportReconcileError(stdout, stderr io.Writer, snap session.Snapshot, err error) int {
	if errors.Is(err, reconcile.ErrSettlementPending) && snap.Intent != nil {
		fmt.Fprintf(stdout, "Payment is still pending. Run `trustlord lease reconcile %s` later.\n", snap.Intent.PaymentID)
		return 0
	}
	fmt.Fprintf(stderr, "Lease saved but payment not reconciled: %s\n", describe(err))
	return 1
}

// describe renders err for the tenant: the kind code and the message without
// the operation prefix.
func describe(err error) string {
	var typed *faults.Error
	if errors.As(err, &typed) {
		msg := typed.Msg
		if msg == "" && typed.Err != nil {
			msg = typed.Err.Error()
		}
		if msg == "" {
			return typed.Kind.String()
		}
		return typed.Kind.String() + ": " + msg
	}
	return err.Error()
}
