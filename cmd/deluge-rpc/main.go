package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"deluge-rpc/cmd/deluge-rpc/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "deluge-rpc:", err)
		os.Exit(1)
	}
}
