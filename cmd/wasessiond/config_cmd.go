package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reaje/whatsapp-microservice/internal/config"
)

func runConfigCheck(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	source := configPath
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(out, "config:        %s\n", source)
	fmt.Fprintf(out, "listen:        %s\n", loaded.Server.Addr)
	fmt.Fprintf(out, "data dir:      %s\n", loaded.Storage.DataDir)
	fmt.Fprintf(out, "tenants file:  %s\n", loaded.TenantsPath())
	fmt.Fprintf(out, "default kind:  %s\n", loaded.Providers.DefaultKind)
	fmt.Fprintf(out, "embedded:      %s\n", enabledLabel(loaded.EmbeddedEnabled(), loaded.Embedded.Transport))
	fmt.Fprintf(out, "business api:  %s\n", enabledLabel(loaded.BusinessAPIEnabled(), loaded.BusinessAPI.BaseURL))
	fmt.Fprintf(out, "supervised:    %t\n", loaded.Supervised())

	if len(loaded.Warnings) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}
	for _, w := range loaded.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return nil
}

func enabledLabel(enabled bool, detail string) string {
	if !enabled {
		return "disabled"
	}
	return "enabled (" + detail + ")"
}
