package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pm3io/pm3/internal/rpc"
)

type socketResolver func() (string, error)

// call dials the daemon, performs a single request/response round trip, and
// closes the connection. Most subcommands need nothing more elaborate.
func call(resolve socketResolver, req rpc.Request) (rpc.Response, error) {
	sock, err := resolve()
	if err != nil {
		return rpc.Response{}, err
	}
	client, err := rpc.Dial(sock)
	if err != nil {
		return rpc.Response{}, err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.Call(req)
	if err != nil {
		return rpc.Response{}, err
	}
	if resp.Type == rpc.RespError {
		return rpc.Response{}, fmt.Errorf("%s", resp.Message)
	}
	return resp, nil
}

func newStartCmd(resolve socketResolver, envProfile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start [name...]",
		Short: "start one or more processes (all, if none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(resolve, rpc.Request{Type: rpc.ReqStart, Names: args, Env: *envProfile})
			return err
		},
	}
}

func newStopCmd(resolve socketResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [name...]",
		Short: "stop one or more processes (all, if none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(resolve, rpc.Request{Type: rpc.ReqStop, Names: args})
			return err
		},
	}
}

func newRestartCmd(resolve socketResolver, envProfile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restart [name...]",
		Short: "restart one or more processes (all, if none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(resolve, rpc.Request{Type: rpc.ReqRestart, Names: args, Env: *envProfile})
			return err
		},
	}
}

func newReloadCmd(resolve socketResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "reload the daemon's configuration from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(resolve, rpc.Request{Type: rpc.ReqReload})
			return err
		},
	}
}

func newListCmd(resolve socketResolver) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "status"},
		Short:   "list every supervised process and its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(resolve, rpc.Request{Type: rpc.ReqList})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPID\tSTATUS\tUPTIME(s)\tRESTARTS\tGROUP")
			for _, p := range resp.Processes {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%s\n", p.Name, p.PID, p.Status, p.UptimeSecs, p.Restarts, p.Group)
			}
			return w.Flush()
		},
	}
}

func newInfoCmd(resolve socketResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "show full details for one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(resolve, rpc.Request{Type: rpc.ReqInfo, Name: args[0]})
			if err != nil {
				return err
			}
			d := resp.Detail
			if d == nil {
				return fmt.Errorf("daemon returned no detail for %s", args[0])
			}
			fmt.Printf("name:         %s\n", d.Name)
			fmt.Printf("status:       %s\n", d.Status)
			fmt.Printf("pid:          %d\n", d.PID)
			fmt.Printf("uptime:       %ds\n", d.UptimeSecs)
			fmt.Printf("restarts:     %d\n", d.Restarts)
			fmt.Printf("command:      %s\n", d.Command)
			fmt.Printf("workdir:      %s\n", d.WorkDir)
			fmt.Printf("health_check: %s\n", d.HealthCheck)
			fmt.Printf("depends_on:   %s\n", strings.Join(d.DependsOn, ", "))
			fmt.Printf("stdout_log:   %s\n", d.StdoutLog)
			fmt.Printf("stderr_log:   %s\n", d.StderrLog)
			return nil
		},
	}
}

func newSignalCmd(resolve socketResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "signal <name> <signal>",
		Short: "deliver an arbitrary signal to a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(resolve, rpc.Request{Type: rpc.ReqSignal, Name: args[0], Signal: args[1]})
			return err
		},
	}
}

func newKillCmd(resolve socketResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <name...>",
		Short: "send SIGKILL to one or more processes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(resolve, rpc.Request{Type: rpc.ReqKill, Names: args})
			return err
		},
	}
}

func newFlushCmd(resolve socketResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "flush [name...]",
		Short: "truncate stdout/stderr logs for one or more processes (all, if none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(resolve, rpc.Request{Type: rpc.ReqFlush, Names: args})
			return err
		},
	}
}

func newSaveCmd(resolve socketResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "persist the current process table to the dump file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(resolve, rpc.Request{Type: rpc.ReqSave})
			return err
		},
	}
}

func newResurrectCmd(resolve socketResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "resurrect",
		Short: "restore processes from the last saved dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(resolve, rpc.Request{Type: rpc.ReqResurrect})
			if err != nil {
				return err
			}
			if resp.Message != "" {
				fmt.Println("restored:", resp.Message)
			} else {
				fmt.Println("nothing to restore")
			}
			return nil
		},
	}
}

func newLogCmd(resolve socketResolver) *cobra.Command {
	var lines int
	var follow bool
	cmd := &cobra.Command{
		Use:   "log <name>",
		Short: "show (optionally follow) a process's stdout log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sock, err := resolve()
			if err != nil {
				return err
			}
			client, err := rpc.Dial(sock)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := client.Send(rpc.Request{Type: rpc.ReqLog, Name: args[0], Lines: lines, Follow: follow}); err != nil {
				return err
			}
			for {
				resp, err := client.Recv()
				if err != nil {
					return err
				}
				switch resp.Type {
				case rpc.RespError:
					return fmt.Errorf("%s", resp.Message)
				case rpc.RespLogLine:
					fmt.Println(resp.Line)
				case rpc.RespSuccess:
					return nil
				}
			}
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 50, "number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new lines")
	return cmd
}
