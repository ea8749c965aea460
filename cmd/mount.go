package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cardinalfs/cardinal/internal/engineconfig"
	"github.com/cardinalfs/cardinal/internal/halfile"
	"github.com/cardinalfs/cardinal/internal/mount"
	"github.com/cardinalfs/cardinal/internal/quorum"
	"github.com/cardinalfs/cardinal/internal/telemetry"
	"github.com/cardinalfs/cardinal/internal/types"
	"github.com/cardinalfs/cardinal/internal/volume"
)

var (
	mountRO       bool
	mountWormhole bool
	mountMetrics  bool
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Run the full Mount State Machine against --device, then unmount",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount()
	},
}

func init() {
	mountCmd.Flags().BoolVar(&mountRO, "ro", false, "request a read-only mount")
	mountCmd.Flags().BoolVar(&mountWormhole, "wormhole", false, "request wormhole mode")
	mountCmd.Flags().BoolVar(&mountMetrics, "metrics", false, "print volume.health as Prometheus samples before unmounting")
	rootCmd.AddCommand(mountCmd)
}

func runMount() error {
	if devicePath == "" {
		return fmt.Errorf("--device is required")
	}
	ctx := context.Background()
	dev, err := halfile.Open(halfile.Options{Path: devicePath, SectorSize: sectorSize})
	if err != nil {
		return err
	}
	defer dev.Close()

	m := &mount.Mounter{
		Replicas: []quorum.Replica{
			{Slot: types.North, Device: dev},
			{Slot: types.East, Device: dev},
			{Slot: types.West, Device: dev},
			{Slot: types.South, Device: dev},
		},
		SectorSize:      sectorSize,
		Config:          engineconfig.Default(),
		Clock:           halfile.SystemClock{},
		Dev:             dev,
		RequestRO:       mountRO,
		RequestWormhole: mountWormhole,
	}

	v, err := m.Mount(ctx)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	fmt.Printf("mounted  uuid=%x profile=%d generation=%d state=%#x\n",
		v.UUID, v.Profile, v.Superblock.Generation, uint32(v.State()))

	if mountMetrics {
		if err := printHealthMetrics(v); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	if err := m.Unmount(ctx, v); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	fmt.Printf("unmounted  generation=%d state=%#x\n", v.Superblock.Generation, uint32(v.State()))
	return nil
}

// printHealthMetrics registers a telemetry.HealthCollector over v on a
// scratch registry, gathers once, and prints the samples in the usual
// "name{labels} value" exposition shape.
func printHealthMetrics(v *volume.Volume) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(telemetry.NewHealthCollector(v)); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			}
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf("%s=%q ", lp.GetName(), lp.GetValue())
			}
			fmt.Printf("metric  %s{%s} %v\n", mf.GetName(), labels, value)
		}
	}
	return nil
}
