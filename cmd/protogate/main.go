// Command protogate runs the edge gateway. Configuration comes from
// PROTOGATE_* environment variables, optionally loaded from a .env file.
package main

import (
	"go.uber.org/fx"

	"github.com/drblury/protogate/internal/app"
)

func main() {
	fx.New(
		fx.Provide(app.LoadConfig),
		app.Module,
		fx.NopLogger,
	).Run()
}
