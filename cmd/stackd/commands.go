package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/stackd/internal/conda"
	"github.com/loykin/stackd/internal/config"
	"github.com/loykin/stackd/internal/gitrepo"
	"github.com/loykin/stackd/internal/installer"
	"github.com/loykin/stackd/internal/journal"
	"github.com/loykin/stackd/internal/logger"
	"github.com/loykin/stackd/internal/npm"
	"github.com/loykin/stackd/internal/service"
	"github.com/loykin/stackd/internal/supervise"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	path  string
	debug bool
}

// app wires the components for one command invocation.
type app struct {
	cfg   config.Config
	log   *slog.Logger
	sup   *supervise.Supervisor
	coord *service.Coordinator
	ins   *installer.Installer
	jnl   *journal.Journal
}

func newApp(flags *globalFlags) (*app, func(), error) {
	cfg, err := config.New(flags.path, flags.debug)
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log, _, err := logger.Setup(logger.Options{Dir: cfg.LogDir, Level: level})
	if err != nil {
		return nil, nil, err
	}

	jnl, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		log.Warn("lifecycle journal unavailable", "err", err)
		jnl = nil
	}

	sup := supervise.New(log, cfg.LogDir)
	nc := npm.New(log, conda.RunPrefix(cfg.CondaPrefix))
	ins := installer.New(log, cfg, gitrepo.New(log), conda.New(log), nc, consoleSink())
	coord := service.New(log, cfg, sup, nc)

	a := &app{cfg: cfg, log: log, sup: sup, coord: coord, ins: ins, jnl: jnl}
	cleanup := func() {
		if a.jnl != nil {
			_ = a.jnl.Close()
		}
	}
	return a, cleanup, nil
}

// consoleSink prints installer progress as simple percent-prefixed lines.
func consoleSink() installer.ProgressSink {
	return installer.SinkFunc(func(_ installer.Phase, message string, percent int) {
		fmt.Printf("[%3d%%] %s\n", percent, message)
	})
}

func (a *app) record(kind, detail string) {
	if a.jnl == nil {
		return
	}
	if err := a.jnl.Record(context.Background(), kind, detail); err != nil {
		a.log.Debug("journal write failed", "err", err)
	}
}

func buildRoot() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "stackd",
		Short:         "Install and run the managed application stack",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.path, "path", "", "install root (defaults to the saved location)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "verbose logging and backend auto-reload")

	root.AddCommand(
		newInstallCmd(flags),
		newStartCmd(flags),
		newStopCmd(flags),
		newRestartCmd(flags),
		newUpdateCmd(flags),
		newStatusCmd(flags),
		newLogsCmd(flags),
	)
	return root
}

func newInstallCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the application stack",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := newApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()
			a.record(journal.KindInstallStarted, a.cfg.InstallRoot)
			err = a.coord.Exclusive("install", func() error {
				return a.ins.Install(cmd.Context())
			})
			if err != nil {
				a.record(journal.KindInstallFailed, err.Error())
				return err
			}
			a.record(journal.KindInstallCompleted, a.cfg.InstallRoot)
			fmt.Printf("Installed to %s\n", a.cfg.InstallRoot)
			return nil
		},
	}
}

func newStartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the backend and frontend services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := newApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := a.coord.StartServices(cmd.Context()); err != nil {
				return err
			}
			st := a.coord.CurrentStatus()
			a.record(journal.KindServicesStarted,
				fmt.Sprintf("backend %s frontend %s", st.BackendURL, st.FrontendURL))
			fmt.Printf("Backend:  %s\nFrontend: %s\n", st.BackendURL, st.FrontendURL)
			return nil
		},
	}
}

func newStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the services and verify their ports are released",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := newApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := a.coord.StopServices(cmd.Context()); err != nil {
				return err
			}
			a.record(journal.KindServicesStopped, "")
			fmt.Println("Services stopped")
			return nil
		},
	}
}

func newRestartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := newApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := a.coord.RestartServices(cmd.Context()); err != nil {
				return err
			}
			st := a.coord.CurrentStatus()
			a.record(journal.KindServicesStarted,
				fmt.Sprintf("backend %s frontend %s", st.BackendURL, st.FrontendURL))
			fmt.Printf("Backend:  %s\nFrontend: %s\n", st.BackendURL, st.FrontendURL)
			return nil
		},
	}
}

func newUpdateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Update the installed application",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := newApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()
			st := a.coord.CurrentStatus()
			if st.BackendRunning || st.FrontendRunning {
				return fmt.Errorf("services are running; stop them before updating")
			}
			a.record(journal.KindUpdateStarted, a.cfg.InstallRoot)
			err = a.coord.Exclusive("update", func() error {
				return a.ins.Update(cmd.Context())
			})
			if err != nil {
				a.record(journal.KindUpdateFailed, err.Error())
				return err
			}
			a.record(journal.KindUpdateCompleted, a.cfg.InstallRoot)
			fmt.Println("Update complete")
			return nil
		},
	}
}

// statusOutput is the --json document: the live service state plus recent
// lifecycle history from the journal.
type statusOutput struct {
	service.Status
	InstallPath string          `json:"install_path"`
	History     []journal.Event `json:"history,omitempty"`
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show install and service state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := newApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			out := statusOutput{Status: a.coord.CurrentStatus(), InstallPath: a.cfg.InstallRoot}
			if a.jnl != nil {
				if history, err := a.jnl.Recent(cmd.Context(), 10); err == nil {
					out.History = history
				}
			}
			if asJSON {
				data, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			printStatus(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func printStatus(out statusOutput) {
	fmt.Printf("Installed: %t (%s)\n", out.Installed, out.InstallPath)
	fmt.Printf("Backend:   %s\n", runState(out.BackendRunning, out.BackendURL))
	fmt.Printf("Frontend:  %s\n", runState(out.FrontendRunning, out.FrontendURL))
	if len(out.History) > 0 {
		fmt.Println("Recent activity:")
		for _, ev := range out.History {
			line := fmt.Sprintf("  %s  %s", ev.At.Format("2006-01-02 15:04:05"), ev.Kind)
			if ev.Detail != "" {
				line += "  " + ev.Detail
			}
			fmt.Println(line)
		}
	}
}

func runState(running bool, url string) string {
	if !running {
		return "stopped"
	}
	return "running at " + url
}

func newLogsCmd(flags *globalFlags) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:       "logs [backend|frontend|session]",
		Short:     "Show recent log output",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"backend", "frontend", "session"},
		RunE: func(_ *cobra.Command, args []string) error {
			a, cleanup, err := newApp(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			which := "session"
			if len(args) == 1 {
				which = args[0]
			}
			var files []string
			switch which {
			case "session":
				files = []string{filepath.Join(a.cfg.LogDir, "session.log")}
			default:
				files = []string{
					filepath.Join(a.cfg.LogDir, which+".stdout.log"),
					filepath.Join(a.cfg.LogDir, which+".stderr.log"),
				}
			}
			for _, f := range files {
				if err := printTail(f, lines); err != nil {
					a.log.Debug("log file unreadable", "file", f, "err", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of trailing lines per file")
	return cmd
}

// printTail prints the last n lines of a log file with a header.
func printTail(path string, n int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > n {
		all = all[len(all)-n:]
	}
	fmt.Printf("==> %s <==\n", path)
	for _, line := range all {
		fmt.Println(line)
	}
	return nil
}
