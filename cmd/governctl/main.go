package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"content-governance/internal/errcodes"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cctx := newCommandContext(nil)
	defer cctx.close()

	cmd := newRootCommand(cctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		cctx.close()
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when the engine rejected the request on business grounds
// and 1 for everything else, so scripts can tell a refusal from an outage.
func exitCode(err error) int {
	code, ok := errcodes.CodeOf(err)
	if ok && errcodes.HTTPStatus(code) < http.StatusInternalServerError {
		return 2
	}
	return 1
}
