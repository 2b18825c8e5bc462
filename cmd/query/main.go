package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(os.Stdout, os.Stdin).Run(ctx, os.Args); err != nil {
		log.WithError(err).Debug("command failed")
		fmt.Fprintln(os.Stderr, "web-query:", err)
		stop()
		os.Exit(1)
	}
}
