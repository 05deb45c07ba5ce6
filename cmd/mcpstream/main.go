package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/shaharia-lab/mcpstream/observability"
)

var version = "dev"

// globalFlags are available on all commands
var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "mcpstream.yaml",
		Usage:   "Path to the YAML configuration file.",
		Sources: cli.EnvVars("MCPSTREAM_CONFIG"),
	},
	&cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Value:   "default",
		Usage:   "Name of the configured server to use.",
	},
	&cli.StringFlag{
		Name:  "url",
		Usage: "Server URL. Overrides the configured one.",
	},
	&cli.StringFlag{
		Name:    "log-level",
		Aliases: []string{"l"},
		Usage:   "Set the log level. One of: debug, info, warn, error.",
	},
	&cli.BoolFlag{
		Name:  "json",
		Usage: "Output logs as JSON.",
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().command().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *Config
	logger observability.Logger
}

func newApp() *app {
	return &app{}
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:    "mcpstream",
		Usage:   "Talk to Model Context Protocol servers over streamable HTTP",
		Version: version,
		Flags:   globalFlags,
		Before:  a.before,
		Commands: []*cli.Command{
			a.toolsCommand(),
			a.callCommand(),
			a.pingCommand(),
			a.trafficCommand(),
		},
	}
}

func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(cmd.String("config"))
	if err != nil {
		return ctx, err
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if cmd.IsSet("log-level") {
		level = cmd.String("log-level")
	}
	logger, err := newLogger(level, cmd.Bool("json"))
	if err != nil {
		return ctx, err
	}
	a.logger = logger
	return ctx, nil
}

func newLogger(level string, json bool) (observability.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if json {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	if level == "" {
		level = "warn"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.SetLevel(parsed)
	return observability.NewLogrusLogger(l), nil
}
