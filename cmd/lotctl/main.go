package main

import (
	"context"
	"os"

	"github.com/erp/fiscalsync/internal/bootstrap"
	"github.com/erp/fiscalsync/internal/infrastructure/config"
	"github.com/erp/fiscalsync/internal/infrastructure/logger"
	"github.com/erp/fiscalsync/internal/interfaces/cli"
)

func main() {
	cmd := cli.NewRootCommand(open)
	if err := cmd.Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}

// open builds the service without the HTTP layer. Logs go to stderr so
// command output on stdout stays parseable.
func open(ctx context.Context, configPath string, verbose bool) (*cli.Env, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.New(&logger.Config{Level: level, Format: "console", Output: "stderr", Service: "lotctl"})
	if err != nil {
		return nil, err
	}

	c, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: log})
	if err != nil {
		return nil, err
	}

	env := &cli.Env{
		Lots:  c.Lots,
		Close: func() error { return c.Shutdown(context.WithoutCancel(ctx)) },
	}
	if c.Sweeper != nil {
		env.Sweeper = c.Sweeper
	}
	return env, nil
}
