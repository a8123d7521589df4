package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	fluxtrain "github.com/nkVas1/nkVasi-Flux2-LoRA-Manager"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/envcheck"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/guard"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/logger"
)

func buildRoot() *cobra.Command {
	var g GlobalFlags

	root := &cobra.Command{
		Use:   "fluxtrain",
		Short: "Supervise FLUX LoRA training with kohya-ss sd-scripts",
	}
	root.PersistentFlags().StringVarP(&g.ConfigPath, "config", "c", "fluxtrain.toml", "path to TOML config")
	root.PersistentFlags().BoolVar(&g.Debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(&g),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newCheckCmd(&g),
		newSetupCmd(),
		newPlanCmd(&g),
		newGuardCmd(&g),
	)
	return root
}

func newServeCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the training supervisor daemon with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*g)
		},
	}
}

func runServe(g GlobalFlags) error {
	fc, err := fluxtrain.LoadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	log := logger.NewDefault(fc.Debug || g.Debug)
	t := fluxtrain.NewWithLogger(log)
	defer func() { _ = t.Close() }()

	if err := fluxtrain.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	if gc, extra := fc.GuardSettings(); gc.Dir != "" {
		if err := t.EnableGuard(gc, extra...); err != nil {
			return fmt.Errorf("install import guard: %w", err)
		}
	}

	if fc.Store.Type != "" || fc.Store.Path != "" || fc.Store.DSN != "" {
		s, err := fluxtrain.NewStore(fc.Store)
		if err != nil {
			return fmt.Errorf("open run history store: %w", err)
		}
		if err := t.SetStore(s); err != nil {
			return fmt.Errorf("prepare run history store: %w", err)
		}
	}

	var sinks []fluxtrain.HistorySink
	for _, dsn := range fc.History.DSNs {
		sink, err := fluxtrain.NewHistorySink(dsn)
		if err != nil {
			return fmt.Errorf("history sink %s: %w", dsn, err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) > 0 {
		t.SetHistorySinks(sinks...)
	}

	spec := fc.TrainerSpec()
	if len(spec.Command) == 0 && fc.Train.ImageDir != "" {
		plan, err := fluxtrain.BuildCommand(fc.Train)
		if err != nil {
			return fmt.Errorf("build training command: %w", err)
		}
		spec.Command = plan.Command
	}

	// Relay training output to the daemon's stdout.
	t.SetSink(func(line string) { fmt.Println(line) })

	if t.Recover(spec) {
		log.Info("re-attached to running training", "text", t.StatusText())
	}

	listen := fc.Server.Listen
	if listen == "" {
		listen = ":8080"
	}
	base := fc.Server.BasePath
	if base == "" {
		base = "/train"
	}
	srv := fluxtrain.NewHTTPServer(listen, base, t, spec)
	log.Info("supervisor daemon listening", "addr", listen, "base_path", base)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	// The training subprocess runs in its own process group and survives a
	// daemon restart; the next serve re-attaches via the pidfile.
	log.Info("shutting down daemon", "training", t.State().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newStartCmd() *cobra.Command {
	var api APIFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start training (idempotent; duplicate requests are ignored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(api)
			if !c.IsReachable() {
				return fmt.Errorf("daemon not reachable at %s - start it first with 'fluxtrain serve'", c.base)
			}
			out, err := c.Start()
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	addAPIFlags(cmd, &api)
	return cmd
}

func newStopCmd() *cobra.Command {
	var f StopFlags
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop training (graceful, then kill after the wait window)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(f.API)
			out, err := c.Stop(f.Wait)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	addAPIFlags(cmd, &f.API)
	cmd.Flags().DurationVar(&f.Wait, "wait", 5*time.Second, "graceful termination window before kill")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var api APIFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show training status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(api)
			out, err := c.Status()
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	addAPIFlags(cmd, &api)
	return cmd
}

func newLogsCmd() *cobra.Command {
	var f LogsFlags
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent training output lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(f.API)
			out, err := c.Logs(f.N)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	addAPIFlags(cmd, &f.API)
	cmd.Flags().IntVarP(&f.N, "lines", "n", 50, "number of lines")
	return cmd
}

func newCheckCmd(g *GlobalFlags) *cobra.Command {
	var f CheckFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the Python training environment (advisory)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.NewDefault(g.Debug)
			chk := envcheck.New(f.Python, nil, log)
			report := chk.FullCheck(cmd.Context())
			for _, msg := range report.Messages {
				fmt.Println(msg)
			}
			if f.Install && len(report.Missing) > 0 {
				failed := chk.InstallMissing(cmd.Context(), report.Missing)
				if len(failed) > 0 {
					return fmt.Errorf("failed to install: %v", failed)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Python, "python", "python", "python interpreter to probe")
	cmd.Flags().BoolVar(&f.Install, "install", false, "pip install missing packages")
	return cmd
}

func newSetupCmd() *cobra.Command {
	var f SetupFlags
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Clone kohya-ss/sd-scripts if not present",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fluxtrain.FetchSDScripts(f.Dir)
		},
	}
	cmd.Flags().StringVar(&f.Dir, "dir", "sd-scripts", "target directory for the checkout")
	return cmd
}

func newPlanCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Generate the training command and dataset TOML without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := fluxtrain.LoadConfig(g.ConfigPath)
			if err != nil {
				return err
			}
			plan, err := fluxtrain.BuildCommand(fc.Train)
			if err != nil {
				return err
			}
			printJSONValue(plan)
			return nil
		},
	}
}

func newGuardCmd(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Manage the import guard for embedded Python runtimes",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Render the guard stubs into the configured guard directory",
			RunE: func(cmd *cobra.Command, args []string) error {
				grd, extra, err := guardFromConfig(*g)
				if err != nil {
					return err
				}
				if err := grd.InstallDefaults(); err != nil {
					return err
				}
				if len(extra) > 0 {
					if err := grd.Install(extra...); err != nil {
						return err
					}
				}
				fmt.Printf("guard installed in %s, blocking: %v\n", grd.Dir(), grd.Modules())
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Verify the installed guard stubs (advisory)",
			RunE: func(cmd *cobra.Command, args []string) error {
				grd, _, err := guardFromConfig(*g)
				if err != nil {
					return err
				}
				if grd.Verify() {
					fmt.Println("guard verification passed")
				} else {
					fmt.Println("guard verification failed (see log for details)")
				}
				return nil
			},
		},
	)
	return cmd
}

func guardFromConfig(g GlobalFlags) (*guard.Guard, []string, error) {
	fc, err := fluxtrain.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	gc, extra := fc.GuardSettings()
	if gc.Dir == "" {
		return nil, nil, fmt.Errorf("guard.dir is not configured in %s", g.ConfigPath)
	}
	return guard.New(gc, logger.NewDefault(g.Debug)), extra, nil
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.URL, "api-url", defaultAPIURL, "daemon API base URL")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 30*time.Second, "API request timeout")
}
