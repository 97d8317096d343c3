package main

import (
	"context"
	"fmt"
	"io"
)

type simResetter interface {
	Reset(ctx context.Context) error
}

func runSimCommand(ctx context.Context, configPath string, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] != "reset" {
		fmt.Fprintln(stderr, "Usage: trustlord sim reset")
		return 1
	}
	env := openCommandEnv(ctx, configPath, stderr, true, false)
	if env == nil {
		return 1
	}
	defer env.Close()

	resetter, ok := env.gateway.(simResetter)
	if !ok {
		fmt.Fprintln(stderr, "Error: the configured gateway cannot be reset")
		return 1
	}
	if err := resetter.Reset(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describe(err))
		return 1
	}
	fmt.Fprintln(stdout, "Payment simulator reset. The next payment attempt will fail once.")
	return 0
}
