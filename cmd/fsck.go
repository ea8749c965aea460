package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardinalfs/cardinal/internal/chronicle"
	"github.com/cardinalfs/cardinal/internal/engineconfig"
	"github.com/cardinalfs/cardinal/internal/halfile"
	"github.com/cardinalfs/cardinal/internal/quorum"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

var fsckRepair bool

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Run the Cardinal Vote and Chronicle verify_integrity diagnostic passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFsck()
	},
}

func init() {
	fsckCmd.Flags().BoolVar(&fsckRepair, "repair", false, "allow Cardinal Vote's heal phase to rewrite divergent replicas")
	rootCmd.AddCommand(fsckCmd)
}

func runFsck() error {
	if devicePath == "" {
		return fmt.Errorf("--device is required")
	}
	ctx := context.Background()
	dev, err := halfile.Open(halfile.Options{Path: devicePath, SectorSize: sectorSize})
	if err != nil {
		return err
	}
	defer dev.Close()

	cfg := engineconfig.Default()
	vote := &quorum.Vote{
		Replicas: []quorum.Replica{
			{Slot: types.North, Device: dev},
			{Slot: types.East, Device: dev},
			{Slot: types.West, Device: dev},
			{Slot: types.South, Device: dev},
		},
		SectorSize:               sectorSize,
		ReplayWindowNS:           cfg.ReplayWindowNS,
		HealDivergenceMultiplier: cfg.HealDivergenceMultiplier,
	}
	sb, err := vote.Execute(ctx, fsckRepair)
	if err != nil {
		return fmt.Errorf("cardinal vote: %w", err)
	}
	fmt.Printf("cardinal vote: ok  uuid=%x generation=%d\n", sb.UUID, sb.Generation)

	v := volume.New(sb.UUID, sb.Profile, *sb, cfg, halfile.SystemClock{})
	ring := chronicle.New(v, dev, sectorSize)
	if err := ring.VerifyIntegrity(ctx); err != nil {
		return fmt.Errorf("chronicle verify_integrity: %w", err)
	}
	fmt.Printf("chronicle: ok  last_journal_seq=%d\n", v.Superblock.LastJournalSeq)
	return nil
}
