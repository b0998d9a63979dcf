package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/otaflash/internal/ble"
	"github.com/chaz8081/otaflash/internal/cli/output"
	"github.com/chaz8081/otaflash/internal/config"
	"github.com/chaz8081/otaflash/internal/firmware"
	"github.com/chaz8081/otaflash/internal/metrics"
	"github.com/chaz8081/otaflash/internal/ota"
)

// ErrNoDevice is returned when no address is configured and a scan finds
// no OTA peripheral.
var ErrNoDevice = errors.New("no OTA peripheral found")

// FlashOptions are the per-invocation settings of the flash command.
type FlashOptions struct {
	ImagePath     string
	Device        string
	Wait          bool
	MetricsListen string
}

func FlashCommand(adapter ble.Adapter) *cobra.Command {
	var device string
	var noWait bool
	var metricsListen string

	cmd := &cobra.Command{
		Use:   "flash <image>",
		Short: "Upload a firmware image to a peripheral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetAppConfig(cmd)
			opts := FlashOptions{
				ImagePath:     args[0],
				Device:        device,
				Wait:          cfg.Transfer.WaitForVerify && !noWait,
				MetricsListen: cfg.Metrics.Listen,
			}
			if device == "" {
				opts.Device = cfg.Device.Address
			}
			if metricsListen != "" {
				opts.MetricsListen = metricsListen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return RunFlash(ctx, adapter, cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "peripheral address (default: device.address, else first scan result)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once every chunk is written, without waiting for verification")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on host:port during the upload")
	return cmd
}

// RunFlash performs one complete update: open the image, connect, push
// every chunk and optionally wait for the peripheral to verify it.
func RunFlash(ctx context.Context, adapter ble.Adapter, cfg *config.Config, opts FlashOptions, out io.Writer) error {
	printer := output.NewPrinter(out)

	img, err := firmware.Open(opts.ImagePath)
	if err != nil {
		return err
	}
	defer img.Close()

	fingerprint, err := img.Fingerprint()
	if err != nil {
		return err
	}
	printer.Info("firmware image", map[string]any{
		"path":    img.Path(),
		"size":    output.HumanizeSize(img.Size()),
		"blake2b": fingerprint,
	})

	address, err := resolveDevice(ctx, adapter, cfg, opts.Device)
	if err != nil {
		return err
	}

	collector := metrics.NewTransferCollector("")
	if opts.MetricsListen != "" {
		srv, err := metrics.Serve(ctx, opts.MetricsListen, collector.Registry())
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	sess, err := ble.Open(ctx, adapter, address, cfg.SessionOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "session", sess.ID, "peer", address, "error", err)
		}
	}()

	engine, err := ota.NewEngine(sess, cfg.EngineOptions(collector))
	if err != nil {
		return err
	}

	slog.Info("[OTA] flashing", "session", sess.ID, "peer", address, "image", img.Path(), "blake2b", fingerprint)

	progress := output.NewTransferProgress(out, filepath.Base(img.Path()))
	if err := progress.Start(img.Size()); err != nil {
		return err
	}
	defer progress.Stop()

	// Events only closes on a terminal phase, which --no-wait may never see.
	stopWatch := make(chan struct{})
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		progress.Watch(engine.Tracker().Events(), stopWatch)
	}()
	defer func() {
		close(stopWatch)
		<-watching
	}()

	start := time.Now()
	if err := engine.Run(ctx, img, progress.Update); err != nil {
		progress.Stop()
		printer.Error("upload failed", map[string]any{"error": err, "phase": engine.Tracker().Phase()})
		return err
	}

	if opts.Wait {
		if err := engine.Wait(ctx); err != nil {
			progress.Stop()
			printer.Error("verification failed", map[string]any{"error": err, "phase": engine.Tracker().Phase()})
			return err
		}
	}
	progress.Stop()

	snap := collector.Snapshot()
	fields := map[string]any{
		"peer":    address,
		"chunks":  snap.ChunksSent,
		"bytes":   snap.BytesSent,
		"phase":   engine.Tracker().Phase(),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}
	if snap.ThroughputBps > 0 {
		fields["throughput"] = fmt.Sprintf("%s/s", output.HumanizeSize(int64(snap.ThroughputBps)))
	}
	if opts.Wait {
		printer.Success("firmware update complete", fields)
	} else {
		printer.Success("firmware uploaded, verification not awaited", fields)
	}
	return nil
}

func resolveDevice(ctx context.Context, adapter ble.Adapter, cfg *config.Config, address string) (string, error) {
	if address != "" {
		return address, nil
	}
	devices, err := ble.ScanForDevices(ctx, adapter, cfg.Service.UUID, cfg.Device.ScanTimeout)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("%w within %s", ErrNoDevice, cfg.Device.ScanTimeout)
	}
	slog.Info("[BLE] selected peripheral", "name", devices[0].Name, "address", devices[0].Address, "rssi", devices[0].RSSI)
	return devices[0].Address, nil
}
