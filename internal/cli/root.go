package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/turtacn/vboxhalt/internal/blocker"
	"github.com/turtacn/vboxhalt/internal/executor"
	"github.com/turtacn/vboxhalt/internal/monitor"
	"github.com/turtacn/vboxhalt/internal/orchestrator"
	"github.com/turtacn/vboxhalt/internal/platform"
	"github.com/turtacn/vboxhalt/internal/vbox"
	"github.com/turtacn/vboxhalt/internal/vmctx"
	"github.com/turtacn/vboxhalt/pkg/consts"
	"github.com/turtacn/vboxhalt/pkg/logger"
	"github.com/turtacn/vboxhalt/pkg/protocol"
)

var (
	cfgFile  string
	logLevel string

	// connect builds the management API connector; replaced in tests.
	connect = vbox.Connect
)

var rootCmd = &cobra.Command{
	Use:           consts.AppName,
	Short:         "vboxhalt: stop VirtualBox machines gracefully before the host shuts down",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon and stop machines when the host shuts down",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. Load Config
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		// 2. Init Logger & Metrics
		closer, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		if closer != nil {
			defer closer.Close()
		}
		if cfg.Observability.MetricsPort != "" {
			srv := monitor.InitMetrics(cfg.Observability.MetricsPort)
			defer srv.Close()
		}

		// 3. Host integration
		if err := platform.RaiseShutdownPriority(); err != nil {
			logger.Log.Warn("Failed to raise shutdown priority", "err", err)
		}
		veto, win := hostVeto(cfg)
		if win != nil {
			defer win.Close()
		}
		engine := newEngine(cfg, veto)
		engine.AddSource(orchestrator.SignalSource{})
		if win != nil {
			engine.AddSource(&orchestrator.SessionSource{Watcher: win})
		}
		if cfg.Shutdown.Logind {
			bus, err := platform.DialLogind()
			if err != nil {
				logger.Log.Warn("logind unavailable, relying on signals", "err", err)
			} else {
				defer bus.Close()
				engine.AddSource(&orchestrator.LogindSource{Watcher: bus, Reason: cfg.Shutdown.VetoReason})
			}
		}

		// 4. Start Engine
		logger.Log.Info("Booting vboxhalt", "config", cfgFile)
		if err := engine.Run(cmd.Context()); err != nil && err != context.Canceled {
			logger.Log.Error("Engine fatal error", "err", err)
			return err
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List machines and their states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, done, err := oneShot(cmd)
		if err != nil {
			return err
		}
		defer done()

		ms, ok := engine.ListMachines()
		if !ok {
			return fmt.Errorf("cannot list machines")
		}
		out := cmd.OutOrStdout()
		for _, m := range ms {
			mark := ""
			if m.State.IsOff() {
				mark = " (off)"
			}
			fmt.Fprintf(out, "%d\t%s%s\n", m.Index, m, mark)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name|index>",
	Short: "Stop one machine: ACPI shutdown, then save state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, done, err := oneShot(cmd)
		if err != nil {
			return err
		}
		defer done()

		s, err := engine.FindMachine(args[0])
		if err != nil {
			return err
		}
		res := engine.StopMachine(s)
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Name, res.Outcome)
		return res.Err
	},
}

var stopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop every running machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, done, err := oneShot(cmd)
		if err != nil {
			return err
		}
		defer done()

		rep := engine.StopAll()
		for _, r := range rep.Results {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Machine.Name, r.Outcome)
		}
		return rep.Err()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", consts.AppName+".yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override observability.log_level")
	rootCmd.AddCommand(runCmd, listCmd, stopCmd, stopAllCmd)
}

// loadConfig reads the config file; the default path may be absent.
func loadConfig(cmd *cobra.Command) (*protocol.Config, error) {
	cfg, err := protocol.Load(cfgFile, !cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setupLogging points the global logger at the configured file, or at
// stdout when no file is set.
func setupLogging(cfg *protocol.Config) (io.Closer, error) {
	if path := resolveLogFile(cfg.Observability.LogFile); path != "" {
		return logger.InitFileLogger(cfg.Observability.LogLevel, path)
	}
	logger.InitLogger(cfg.Observability.LogLevel)
	return nil, nil
}

// resolveLogFile maps "auto" to a log file next to the executable.
func resolveLogFile(v string) string {
	if v != "auto" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return consts.DefaultLogFileName
	}
	return filepath.Join(filepath.Dir(exe), consts.DefaultLogFileName)
}

// hostVeto prefers the session window where the OS has one. The window is
// returned too so the caller can close it and read its session messages.
func hostVeto(cfg *protocol.Config) (platform.Veto, *platform.Window) {
	win, err := platform.OpenWindow(consts.AppName)
	if err == nil {
		return win, win
	}
	if err != platform.ErrUnsupported {
		logger.Log.Warn("Session window unavailable", "err", err)
	}
	return platform.NewVeto(cfg.Shutdown.Logind), nil
}

func newEngine(cfg *protocol.Config, veto platform.Veto) *orchestrator.Engine {
	connector := connect(vbox.Config{Path: cfg.Manager.VBoxManage})
	factory := func() (*vmctx.Context, error) {
		return vmctx.Open(connector,
			vmctx.WithAttempts(cfg.AttemptsOrDefault()),
			vmctx.WithPollInterval(cfg.PollIntervalDuration()),
		)
	}
	exec := executor.New(factory, cfg.IdleTimeoutDuration())
	blk := blocker.New(veto, cfg.Shutdown.VetoReason)
	return orchestrator.NewEngine(exec, blk)
}

// oneShot prepares an engine for a single command; logs go to stderr so
// they do not mix with command output. done releases the engine.
func oneShot(cmd *cobra.Command) (*orchestrator.Engine, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	lvl, err := logger.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger.Log = logger.New(cmd.ErrOrStderr(), lvl)

	veto, win := hostVeto(cfg)
	engine := newEngine(cfg, veto)
	done := func() {
		engine.Stop()
		if win != nil {
			win.Close()
		}
	}
	return engine, done, nil
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
