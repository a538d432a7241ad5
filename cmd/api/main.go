// Command api serves the log API, live event streams and run/cancel requests.
package main

import (
	"log"

	"go.uber.org/fx"

	"taskpilot/internal/app"
)

func main() {
	opts := []fx.Option{
		app.Core,
		app.API,
		app.Logger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}
