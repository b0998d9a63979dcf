package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pterm/pterm"

	"github.com/chaz8081/otaflash/internal/ble"
	"github.com/chaz8081/otaflash/internal/ble/bletest"
	"github.com/chaz8081/otaflash/internal/firmware"
	"github.com/chaz8081/otaflash/internal/ota"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

func runCLI(t *testing.T, adapter ble.Adapter, args ...string) (string, error) {
	t.Helper()
	out, _, err := runCLIWithLogs(t, adapter, args...)
	return out, err
}

func runCLIWithLogs(t *testing.T, adapter ble.Adapter, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var out, logs bytes.Buffer
	root := NewRootCommand(adapter, &logs)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), logs.String(), err
}

func writeFirmware(t *testing.T, n int) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 13)
	}
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path, data
}

func TestFlashCommand(t *testing.T) {
	p := bletest.NewPeripheral(bletest.DefaultOptions())
	path, data := writeFirmware(t, 500)

	out, err := runCLI(t, p, "flash", path)
	if err != nil {
		t.Fatalf("flash error = %v\n%s", err, out)
	}
	if !bytes.Equal(p.Image(), data) {
		t.Error("peripheral image differs from the file")
	}
	if len(p.Chunks()) != 3 {
		t.Errorf("chunks sent = %d, want 3", len(p.Chunks()))
	}
	if !strings.Contains(out, "firmware update complete") {
		t.Errorf("output missing success line:\n%s", out)
	}
	if !strings.Contains(out, "blake2b") {
		t.Errorf("output missing fingerprint:\n%s", out)
	}
}

func TestFlashCommandWithDeviceFlag(t *testing.T) {
	p := bletest.NewPeripheral(bletest.DefaultOptions())
	path, _ := writeFirmware(t, 100)

	if out, err := runCLI(t, p, "flash", "--device", "24:0A:C4:00:00:01", path); err != nil {
		t.Fatalf("flash error = %v\n%s", err, out)
	}

	_, err := runCLI(t, p, "flash", "--device", "AA:BB:CC:DD:EE:FF", path)
	if !errors.Is(err, ble.ErrConnection) {
		t.Errorf("flash to unknown device error = %v, want ErrConnection", err)
	}
}

func TestFlashCommandPeripheralError(t *testing.T) {
	opts := bletest.DefaultOptions()
	opts.ErrorAtSequence = 1
	p := bletest.NewPeripheral(opts)
	path, _ := writeFirmware(t, 500)

	out, err := runCLI(t, p, "flash", path)
	if ota.KindOf(err) != ota.KindPeripheral {
		t.Fatalf("flash error = %v, want KindPeripheral", err)
	}
	if !strings.Contains(out, "upload failed") {
		t.Errorf("output missing failure line:\n%s", out)
	}
}

func TestFlashCommandNoWait(t *testing.T) {
	opts := bletest.DefaultOptions()
	opts.HoldVerifying = true
	p := bletest.NewPeripheral(opts)
	path, _ := writeFirmware(t, 500)

	out, err := runCLI(t, p, "flash", "--no-wait", path)
	if err != nil {
		t.Fatalf("flash --no-wait error = %v", err)
	}
	if !strings.Contains(out, "verification not awaited") {
		t.Errorf("output missing no-wait line:\n%s", out)
	}
}

func TestFlashCommandLogsDisconnectFailure(t *testing.T) {
	opts := bletest.DefaultOptions()
	opts.DisconnectErr = errors.New("link already gone")
	p := bletest.NewPeripheral(opts)
	path, _ := writeFirmware(t, 100)

	out, logs, err := runCLIWithLogs(t, p, "flash", path)
	if err != nil {
		t.Fatalf("flash error = %v\n%s", err, out)
	}
	if !strings.Contains(logs, "[BLE] disconnect failed") || !strings.Contains(logs, "link already gone") {
		t.Errorf("logs missing disconnect failure:\n%s", logs)
	}
}

func TestFlashCommandNoDevice(t *testing.T) {
	opts := bletest.DefaultOptions()
	opts.NoService = true
	path, _ := writeFirmware(t, 500)

	_, err := runCLI(t, bletest.NewPeripheral(opts), "flash", path)
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("flash error = %v, want ErrNoDevice", err)
	}
}

func TestFlashCommandEmptyImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	p := bletest.NewPeripheral(bletest.DefaultOptions())

	_, err := runCLI(t, p, "flash", path)
	if !errors.Is(err, firmware.ErrEmptyImage) {
		t.Errorf("flash error = %v, want ErrEmptyImage", err)
	}
	if p.Connects() != 0 {
		t.Error("an invalid image must not open a connection")
	}
}

func TestScanCommand(t *testing.T) {
	out, err := runCLI(t, bletest.NewPeripheral(bletest.DefaultOptions()), "scan")
	if err != nil {
		t.Fatalf("scan error = %v", err)
	}
	if !strings.Contains(out, "ESP32_OTA") || !strings.Contains(out, "24:0A:C4:00:00:01") {
		t.Errorf("scan output missing device:\n%s", out)
	}
}

func TestInfoCommand(t *testing.T) {
	path, _ := writeFirmware(t, 500)

	out, err := runCLI(t, nil, "info", "--mtu", "252", path)
	if err != nil {
		t.Fatalf("info error = %v", err)
	}
	for _, want := range []string{"chunk_length: 247", "chunks: 3", "last_chunk: 6", "header: 78563412"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otaflash.yaml")

	out, err := runCLI(t, nil, "config", "init", "--path", path)
	if err != nil {
		t.Fatalf("config init error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(out, "wrote default config") {
		t.Errorf("output = %q", out)
	}

	out, err = runCLI(t, nil, "--config", path, "config", "init", "--path", path)
	if err != nil {
		t.Fatalf("second config init error = %v", err)
	}
	if !strings.Contains(out, "already exists") {
		t.Errorf("second run output = %q", out)
	}
}

func TestRootRejectsBadLogLevel(t *testing.T) {
	_, err := runCLI(t, nil, "--log-level", "loud", "scan")
	if err == nil {
		t.Error("expected a validation error for --log-level loud")
	}
}
