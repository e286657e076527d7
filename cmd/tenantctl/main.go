// Command tenantctl is the operator tool for tenant schemas: central
// migrations, provisioning retries, teardown, status and lifecycle events.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/app"
)

func main() {
	app.ConfigureLogging()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(openApp).ExecuteContext(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("tenantctl failed")
	}
}
