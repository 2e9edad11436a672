package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-controlplane/config"
)

type CLI struct {
	Config   string `short:"c" help:"YAML configuration file." env:"CONTROLPLANE_CONFIG"`
	LogLevel string `help:"Override the configured log level." enum:",trace,debug,info,warn,error" default:"" env:"CONTROLPLANE_LOG_LEVEL"`

	Serve    ServeCmd    `cmd:"" help:"Run the dispatcher, the queue consumers and the schedule trigger."`
	Dispatch DispatchCmd `cmd:"" help:"Submit a command."`
	Status   StatusCmd   `cmd:"" help:"Show the stored result of a command."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply the SQL store migrations."`
	Types    TypesCmd    `cmd:"" help:"List the command types."`
}

// Globals carries what every subcommand needs.
type Globals struct {
	Config *config.Config
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("controlplane"),
		kong.Description("Multi-tenant control plane command orchestration."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}

	ctx.FatalIfErrorf(ctx.Run(&Globals{Config: cfg}))
}
