package cmd

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/toxictalk/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Create, check and inspect the outreach configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration with Reddit credentials, outreach messages and prompts to fill in",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Where to write the sample",
						Value:   "toxictalk.toml",
					},
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Replace an existing file",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Check that every template renders and every backend is supported",
				Action: runConfigValidate,
			},
			{
				Name:   "show",
				Usage:  "Print the settings the next run would use, without secrets",
				Action: runConfigShow,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath, c.Bool("force")); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Created configuration file at %s\n", outputPath)
	fmt.Fprintln(c.App.Writer, "Fill in [reddit] and [completion], or set TOXICTALK_REDDIT_PASSWORD and TOXICTALK_COMPLETION_API_KEY")
	return nil
}

func runConfigValidate(c *cli.Context) error {
	if _, err := loadConfig(c); err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, "Configuration is valid")
	return nil
}

func runConfigShow(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "bot account:            %s\n", cfg.Reddit.Username)
	fmt.Fprintf(w, "messaging strategy:     %s\n", cfg.Run.MessagingStrategy)
	fmt.Fprintf(w, "max contacts:           %d\n", cfg.Run.MaxContacts)
	fmt.Fprintf(w, "max active per run:     %s\n", limit(cfg.Run.MaxActivePerRun))
	fmt.Fprintf(w, "conditions:             %s\n", strings.Join(cfg.Generation.Conditions, ", "))
	fmt.Fprintf(w, "models:                 %s\n", strings.Join(cfg.Generation.OpenAIModels, ", "))
	fmt.Fprintf(w, "initial variants:       %s\n", strings.Join(cfg.InitialVariants(), ", "))
	fmt.Fprintf(w, "first-consented:        %s\n", strings.Join(cfg.FirstConsentedVariants(), ", "))
	fmt.Fprintf(w, "invite keyword:         %s\n", cfg.Content.InviteKeyword)
	fmt.Fprintf(w, "storage:                %s\n", cfg.Storage.Driver)
	fmt.Fprintf(w, "run lock:               %s\n", cfg.Lock.Backend)
	return nil
}

func limit(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}

// loadConfig loads and validates the file named by the global --config flag
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
