package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigSetCmd())

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

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file for a backend app",
		Long: `Write a commented config file at the config path. Values not given as flags
are prompted for when stdin is a terminal.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigInit,
	}

	cmd.Flags().String("base-url", "", "backend base URL")
	cmd.Flags().String("app-key", "", "application key")
	cmd.Flags().String("app-secret", "", "application secret")

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <section.key> <value>",
		Short: "Set one config value, keeping comments",
		Long: `Set a key in the config file, for example
  docsync config set sync.store_type cache
  docsync config set sync.collections books,authors`,
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigSet,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), cc.Cfg)
	}

	return config.RenderEffective(cc.Cfg, cmd.OutOrStdout())
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	server := config.ServerConfig{}
	server.BaseURL, _ = cmd.Flags().GetString("base-url")
	server.AppKey, _ = cmd.Flags().GetString("app-key")
	server.AppSecret, _ = cmd.Flags().GetString("app-secret")

	if server.BaseURL == "" {
		server.BaseURL = cc.Env.BaseURL
	}

	if server.AppKey == "" {
		server.AppKey = cc.Env.AppKey
	}

	in := bufio.NewReader(cmd.InOrStdin())

	for _, f := range []struct {
		label    string
		dst      *string
		optional bool
	}{
		{"Base URL", &server.BaseURL, false},
		{"App key", &server.AppKey, false},
		{"App secret", &server.AppSecret, true},
	} {
		if *f.dst != "" {
			continue
		}

		if !stdinIsTerminal() {
			if f.optional {
				continue
			}

			return fmt.Errorf("%s missing: pass it as a flag", strings.ToLower(f.label))
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", f.label)

		v, err := readLine(in)
		if err != nil {
			return err
		}

		*f.dst = strings.TrimSpace(v)
	}

	if err := config.ValidateServer(&server); err != nil {
		return err
	}

	if err := config.CreateConfig(cc.CfgPath, server); err != nil {
		if errors.Is(err, config.ErrConfigExists) {
			return fmt.Errorf("%w; edit it or use 'docsync config set'", err)
		}

		return err
	}

	cc.Statusf("Wrote %s.\n", cc.CfgPath)

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	section, key, ok := strings.Cut(args[0], ".")
	if !ok || section == "" || key == "" {
		return fmt.Errorf("key %q must have the form section.key", args[0])
	}

	if err := config.SetKey(cc.CfgPath, section, key, args[1]); err != nil {
		return err
	}

	cc.Statusf("Set %s.%s in %s.\n", section, key, cc.CfgPath)

	return nil
}
