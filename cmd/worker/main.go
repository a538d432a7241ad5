// Command worker consumes the browser and api lanes and runs the trigger scheduler.
package main

import (
	"log"

	"go.uber.org/fx"

	"taskpilot/internal/app"
)

func main() {
	opts := []fx.Option{
		app.Core,
		app.Worker,
		app.Logger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}
