// Command taskpilot runs the API and a worker in one process.
package main

import (
	"log"

	"go.uber.org/fx"

	"taskpilot/internal/app"
)

func main() {
	opts := []fx.Option{
		app.Core,
		app.All,
		app.Logger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}
