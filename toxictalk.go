package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/toxictalk/cmd"
	"github.com/toxictalk/internal/logging"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "toxictalk",
		Usage:   "Consent-first outreach chatbot for Reddit",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default ./toxictalk.toml or ~/.toxictalk.toml)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"loglevel", "l"},
				Usage:   "Log level (debug, info, warning, error, critical)",
				Value:   "warning",
				EnvVars: []string{"TOXICTALK_LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			return logging.Setup(c.String("log-level"))
		},
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
