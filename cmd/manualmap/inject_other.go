//go:build !windows

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInjectCmd() *cobra.Command {
	var (
		pid            uint32
		export         string
		pathResolution bool
	)

	cmd := &cobra.Command{
		Use:   "inject <dll-path>",
		Short: "Map a DLL into a running process by PID (Windows only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInject(args[0], pid, export, pathResolution)
		},
	}
	cmd.Flags().Uint32Var(&pid, "pid", 0, "target process ID (required)")
	cmd.Flags().StringVar(&export, "export", "", "optional export to call once mapped")
	cmd.Flags().BoolVar(&pathResolution, "path-resolution", false, "treat <dll-path> as a bare name to search for, instead of an explicit path")
	cmd.MarkFlagRequired("pid")
	return cmd
}

func runInject(path string, pid uint32, export string, pathResolution bool) error {
	return fmt.Errorf("manualmap: inject is only supported on windows")
}
