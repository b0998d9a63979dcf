package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/otaflash/internal/ble"
	"github.com/chaz8081/otaflash/internal/cli/output"
)

func ScanCommand(adapter ble.Adapter) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby peripherals advertising the OTA service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetAppConfig(cmd)
			d := timeout
			if d <= 0 {
				d = cfg.Device.ScanTimeout
			}

			devices, err := ble.ScanForDevices(cmd.Context(), adapter, cfg.Service.UUID, d)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				output.NewPrinter(out).Warn("no OTA peripherals found", map[string]any{"timeout": d})
				return nil
			}
			return output.PrintDeviceTable(out, devices)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "scan duration (default: device.scan_timeout)")
	return cmd
}
