package cli

import (
	"github.com/spf13/cobra"

	"github.com/chaz8081/otaflash/internal/cli/output"
	"github.com/chaz8081/otaflash/internal/config"
)

func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the otaflash configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(configInitCommand())
	return cmd
}

func configInitCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := output.NewPrinter(cmd.OutOrStdout())
			written, err := config.WriteDefault(path)
			if err != nil {
				return err
			}
			if written == "" {
				target := path
				if target == "" {
					target = config.DefaultConfigPath()
				}
				printer.Warn("config file already exists, left unchanged", map[string]any{"path": target})
				return nil
			}
			printer.Success("wrote default config", map[string]any{"path": written})
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "where to write the file (default: ~/.config/otaflash/config.yaml)")
	return cmd
}
