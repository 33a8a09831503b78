// voipctl is the operator CLI for the prescreen VoIP orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/ashureev/prescreen-voip/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
