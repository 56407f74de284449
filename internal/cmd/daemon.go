package cmd

import (
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/undoable-org/undoable/internal/config"
)

// daemonFlags are shared by every daemon subcommand.
type daemonFlags struct {
	port    int
	host    string
	jsonOut bool
	waitMs  int
}

// Daemon groups the daemon lifecycle commands.
func Daemon() *cobra.Command {
	flags := &daemonFlags{}
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the undoable daemon",
	}
	cmd.PersistentFlags().IntVar(&flags.port, "port", 0, "listener port (overrides settings and env)")
	cmd.PersistentFlags().StringVar(&flags.host, "host", "", "listener host (overrides settings and env)")
	cmd.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "print results as JSON")
	cmd.PersistentFlags().IntVar(&flags.waitMs, "wait-ms", 5000, "how long to wait for the daemon to exit")

	cmd.AddCommand(daemonStart(flags))
	cmd.AddCommand(daemonStop(flags))
	cmd.AddCommand(daemonStatus(flags))
	return cmd
}

func daemonStart(flags *daemonFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.WithPort(flags.port), config.WithHost(flags.host))
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

func daemonStop(flags *daemonFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			info, err := readPIDFile(cfg.Paths.DaemonPID)
			if err != nil || !pidAlive(info.PID) {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return nil
			}
			if err := syscall.Kill(info.PID, syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to signal pid %d: %w", info.PID, err)
			}

			deadline := time.Now().Add(time.Duration(flags.waitMs) * time.Millisecond)
			for time.Now().Before(deadline) {
				if !pidAlive(info.PID) {
					fmt.Fprintf(cmd.OutOrStdout(), "stopped daemon (pid %d)\n", info.PID)
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("daemon (pid %d) did not exit within %dms", info.PID, flags.waitMs)
		},
	}
}

// statusView is the machine-readable daemon status (--json).
type statusView struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Version   string    `json:"version,omitempty"`
}

func daemonStatus(flags *daemonFlags) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show whether the daemon is running",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			view := statusView{}
			if info, err := readPIDFile(cfg.Paths.DaemonPID); err == nil && pidAlive(info.PID) {
				view = statusView{Running: true, PID: info.PID, Port: info.Port, StartedAt: info.StartedAt}
				view.Version = fetchDaemonVersion(info.Port)
			}

			if flags.jsonOut {
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(view); err != nil {
					return err
				}
				if !view.Running {
					return errDaemonNotRunning
				}
				return nil
			}
			if !view.Running {
				color.New(color.FgRed).Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return errDaemonNotRunning
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(),
				"daemon is running (pid %d, port %d, since %s)\n",
				view.PID, view.Port, view.StartedAt.Format(time.RFC3339))
			if view.Version != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "version: %s\n", view.Version)
			}
			return nil
		},
	}
}

var errDaemonNotRunning = fmt.Errorf("daemon is not running")

// fetchDaemonVersion asks the local daemon for its version; best-effort.
func fetchDaemonVersion(port int) string {
	var health struct {
		Version string `json:"version"`
	}
	client := resty.New().SetTimeout(2 * time.Second)
	resp, err := client.R().SetResult(&health).Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil || resp.IsError() {
		return ""
	}
	return health.Version
}
