package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardinalfs/cardinal/internal/hal"
	"github.com/cardinalfs/cardinal/internal/halfile"
	"github.com/cardinalfs/cardinal/internal/quorum"
	"github.com/cardinalfs/cardinal/internal/types"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Read and print every Cardinal Vote replica without repair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect()
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect() error {
	if devicePath == "" {
		return fmt.Errorf("--device is required")
	}
	ctx := context.Background()
	dev, err := halfile.Open(halfile.Options{Path: devicePath, SectorSize: sectorSize})
	if err != nil {
		return err
	}
	defer dev.Close()

	caps, err := dev.Caps(ctx)
	if err != nil {
		return err
	}

	// Probe North first to discover block size, mirroring Cardinal Vote
	// step 2, since the replica offsets depend on it.
	northBuf := make([]byte, types.SuperblockSize)
	if err := dev.SyncIO(ctx, hal.OpRead, 0, northBuf, types.SuperblockSize/caps.SectorSize); err != nil {
		return err
	}
	north := types.DecodeSuperblock(northBuf)

	for _, slot := range []types.CardinalSlot{types.North, types.East, types.West, types.South} {
		lba, ok := quorum.CardinalOffset(slot, north.Capacity, north.BlockSize, caps.SectorSize)
		if !ok {
			fmt.Printf("%-6s: not addressable at this capacity\n", slot)
			continue
		}
		buf := make([]byte, types.SuperblockSize)
		if err := dev.SyncIO(ctx, hal.OpRead, lba, buf, types.SuperblockSize/caps.SectorSize); err != nil {
			fmt.Printf("%-6s: read error: %v\n", slot, err)
			continue
		}
		sb := types.DecodeSuperblock(buf)
		fmt.Printf("%-6s: lba=%-8d uuid=%x generation=%-6d state=%#x crc_ok=%v\n",
			slot, lba, sb.UUID, sb.Generation, uint32(sb.State), types.VerifyCRCBytes(buf))
	}
	return nil
}
