//go:build windows

package main

import (
	"fmt"

	"github.com/darkit/manualmap/internal/hostpaths"
	"github.com/darkit/manualmap/internal/remoteproc"
	"github.com/darkit/manualmap/mapper"
	"github.com/sirupsen/logrus"
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
		Short: "Map a DLL into a running process by PID",
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
	if pid == 0 {
		return fmt.Errorf("manualmap: --pid is required and must be nonzero")
	}

	proc, err := remoteproc.Open(pid)
	if err != nil {
		return fmt.Errorf("manualmap: opening pid %d: %w", pid, err)
	}
	defer proc.Close()

	modules := remoteproc.NewModuleEnumerator(pid)
	host := hostpaths.WindowsHost{}
	localExports := remoteproc.LocalExportLoader{}
	log := logrus.WithField("pid", pid)

	m := mapper.New(proc, modules, host, localExports, log)

	base, err := m.InjectDll(path, export, pathResolution)
	if err != nil {
		return fmt.Errorf("manualmap: %w", err)
	}

	fmt.Printf("mapped %s at %#x in pid %d\n", path, base, pid)
	return nil
}
