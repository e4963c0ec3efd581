package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/webforge/pkg/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	c := &cli{}
	err := c.rootCmd().ExecuteContext(ctx)
	c.close()
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status. Rejected input exits
// with 2 so scripts can tell it apart from failures.
func exitCode(err error) int {
	switch schema.CodeOf(err) {
	case schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodeConflict:
		return 2
	}
	return 1
}
