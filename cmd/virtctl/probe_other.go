//go:build !linux

package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func newProbeCommand(*globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Initialize a host virtio function and describe it (Linux only)",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return errors.New("probe requires Linux sysfs and /dev/mem")
		},
	}
}
