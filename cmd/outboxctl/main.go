// Command outboxctl queues, inspects and replays offline form submissions.
//
// Submissions go straight to the configured URL while the endpoint is
// reachable and are saved to the local outbox otherwise. "outboxctl replay"
// delivers the saved submissions once connectivity returns.
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

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
