//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tinyrange/virtcore/internal/config"
	"github.com/tinyrange/virtcore/internal/devices/pci"
	"github.com/tinyrange/virtcore/internal/irq"
	"github.com/tinyrange/virtcore/internal/physmem"
	"github.com/tinyrange/virtcore/internal/virtio"
)

func newProbeCommand(g *globalFlags) *cobra.Command {
	var device, interrupt string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Initialize a host virtio function and describe it",
		Long: "Probe opens a host PCI function through sysfs and /dev/mem, " +
			"runs the virtio initialization sequence, prints what it found and resets the device.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			if device != "" {
				cfg.Device = device
			}
			if interrupt != "" {
				cfg.Interrupt = interrupt
			}
			return runProbe(cmd.Context(), cmd.OutOrStdout(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "PCI address of the function, e.g. 0000:00:04.0")
	cmd.Flags().StringVar(&interrupt, "interrupt", "", "UIO device delivering the function's interrupt, e.g. /dev/uio0")
	return cmd
}

func runProbe(ctx context.Context, out io.Writer, cfg config.Config, log *slog.Logger) error {
	addr, err := cfg.Address()
	if err != nil {
		return err
	}
	fn, err := pci.OpenSysfs(addr)
	if err != nil {
		return err
	}
	defer fn.Close()

	mem, err := physmem.OpenDevMem()
	if err != nil {
		return err
	}
	defer mem.Close()

	opts, err := cfg.Options(log)
	if err != nil {
		return err
	}
	opts.Mapper = mem
	if cfg.Interrupt != "" {
		uio, err := irq.OpenUIO(cfg.Interrupt)
		if err != nil {
			return err
		}
		defer uio.Close()
		opts.Interrupts = uio
	}

	dev, err := virtio.Initialize(ctx, fn, opts)
	if err != nil {
		return err
	}
	defer dev.Close()

	bars, err := fn.BARs()
	if err != nil {
		return err
	}
	describe(out, addr, dev, bars)
	return dev.Reset(ctx)
}

func describe(out io.Writer, addr pci.Address, dev *virtio.Device, bars []pci.BAR) {
	fmt.Fprintf(out, "%s: virtio %s, state %s\n", addr, dev.Type(), dev.State())
	fmt.Fprintf(out, "features: %s\n\n", dev.Features())

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BAR\tKIND\tADDRESS\tSIZE")
	for _, b := range bars {
		if b.Size == 0 {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%#x\t%s\n", b.Index, b.Kind, b.Address, humanize.IBytes(b.Size))
	}
	fmt.Fprintln(w)

	caps := dev.Capabilities()
	records := []virtio.CapabilityRecord{caps.Common, caps.Notify, caps.ISR, caps.Device}
	if caps.PCI != nil {
		records = append(records, *caps.PCI)
	}
	fmt.Fprintln(w, "CAPABILITY\tBAR\tOFFSET\tLENGTH")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%#x\t%s\n", r.Kind, r.BAR, r.Offset, humanize.IBytes(uint64(r.Length)))
	}
	fmt.Fprintf(w, "notify multiplier\t%d\n\n", caps.NotifyOffMultiplier)

	fmt.Fprintln(w, "QUEUE\tSIZE\tFREE")
	for _, q := range dev.Queues() {
		fmt.Fprintf(w, "%d\t%d\t%d\n", q.Index(), q.Size(), q.NumFree())
	}
	_ = w.Flush()
}
