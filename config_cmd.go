package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/config"
)

// redacted replaces secret values in `config show --json`.
const redacted = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Println(mustCLIContext(cmd.Context()).Cfg.Path())
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Long: `Write a config file with every setting present as a commented default.
Refuses to overwrite an existing file. Runs without loading the config, so it
works even when the current file is broken or missing.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(_ *cobra.Command, _ []string) error {
			path := configPathFromFlags()
			if err := config.CreateConfig(path); err != nil {
				return err
			}

			statusf(flagQuiet, "Wrote %s\n", path)

			return nil
		},
	}
}

// configPathFromFlags resolves the config path the way config.Resolve does,
// for commands that skip config loading.
func configPathFromFlags() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if env := config.ReadEnvOverrides(); env.ConfigPath != "" {
		return env.ConfigPath
	}

	return config.DefaultConfigPath()
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg.Config()

	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, redactConfig(cfg)); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}

		return nil
	}

	return config.RenderEffective(cfg, cc.Cfg.Path(), os.Stdout)
}

// redactConfig returns a copy of cfg with inline secrets masked.
func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Repos = append([]config.RepoConfig(nil), cfg.Repos...)

	if out.Server.WebhookSecret != "" {
		out.Server.WebhookSecret = redacted
	}

	if out.GitHub.Token != "" {
		out.GitHub.Token = redacted
	}

	return &out
}
