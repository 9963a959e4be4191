// Command draftgraph runs generation contracts from the command line.
//
//	draftgraph run --brief "Write an onboarding guide for the billing API" --out guide.md
//	draftgraph run --contract format_only --document guide.md --out guide.md
//	draftgraph run --interrupt validate --brief-file brief.txt
//	draftgraph approve <run-id>
//	draftgraph resume <run-id>
//	draftgraph replay <run-id>
//	draftgraph checkpoints list <run-id>
//	draftgraph contract show compose
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
