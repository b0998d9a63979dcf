package cli

import (
	"encoding/hex"

	"github.com/spf13/cobra"

	"github.com/chaz8081/otaflash/internal/ble/protocol"
	"github.com/chaz8081/otaflash/internal/cli/output"
	"github.com/chaz8081/otaflash/internal/firmware"
)

func InfoCommand() *cobra.Command {
	var mtuFlag int

	cmd := &cobra.Command{
		Use:   "info <image>",
		Short: "Show the chunk plan and fingerprint of a firmware image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetAppConfig(cmd)
			mtu := mtuFlag
			if mtu <= 0 {
				mtu = cfg.Transfer.FallbackMTU
			}

			img, err := firmware.Open(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			chunkLength := protocol.ChunkLength(mtu)
			spans, err := protocol.PlanChunks(img.Size(), chunkLength)
			if err != nil {
				return err
			}
			fingerprint, err := img.Fingerprint()
			if err != nil {
				return err
			}

			header := protocol.EncodeFileHeader(protocol.FileHeader{
				Magic:     protocol.Magic,
				Version:   cfg.Transfer.FirmwareVersion,
				FileSize:  uint32(img.Size()),
				ChunkSize: uint32(chunkLength),
			})

			fields := map[string]any{
				"size":         img.Size(),
				"mtu":          mtu,
				"chunk_length": chunkLength,
				"chunks":       len(spans),
				"blake2b":      fingerprint,
				"header":       hex.EncodeToString(header),
			}
			if n := len(spans); n > 0 {
				fields["last_chunk"] = spans[n-1].Size
			}
			output.NewPrinter(cmd.OutOrStdout()).Info(img.Path(), fields)
			return nil
		},
	}

	cmd.Flags().IntVar(&mtuFlag, "mtu", 0, "ATT MTU to plan for (default: transfer.fallback_mtu)")
	return cmd
}
