// Command pm3 is the control-plane client: it talks to a running pm3d over
// its Unix domain socket to start, stop, inspect, and tail the processes
// pm3d supervises.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pm3io/pm3/internal/paths"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var socketPath string
	var envProfile string

	root := &cobra.Command{
		Use:           "pm3",
		Short:         "control a running pm3d process supervisor",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "pm3d control socket (defaults to the standard data-dir location)")
	root.PersistentFlags().StringVar(&envProfile, "env", "", "env profile to activate for start/restart (must be declared in env_profiles)")

	resolveSocket := func() (string, error) {
		if socketPath != "" {
			return socketPath, nil
		}
		p, err := paths.New()
		if err != nil {
			return "", err
		}
		return p.SocketFile(), nil
	}

	root.AddCommand(
		newStartCmd(resolveSocket, &envProfile),
		newStopCmd(resolveSocket),
		newRestartCmd(resolveSocket, &envProfile),
		newReloadCmd(resolveSocket),
		newListCmd(resolveSocket),
		newInfoCmd(resolveSocket),
		newSignalCmd(resolveSocket),
		newKillCmd(resolveSocket),
		newLogCmd(resolveSocket),
		newFlushCmd(resolveSocket),
		newSaveCmd(resolveSocket),
		newResurrectCmd(resolveSocket),
	)
	return root
}
