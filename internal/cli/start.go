package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskq/internal/daemon"
	"taskq/internal/resource"
	"taskq/internal/runstate"
	"taskq/internal/scheduler"
	logx "taskq/pkg/logx"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgMgr.Get()

			states := runStates(cfg)
			cur, err := states.Get()
			if err != nil {
				return fmt.Errorf("read run state: %w", err)
			}
			if cur == runstate.Running {
				fmt.Println("Scheduler already running.")
				return nil
			}

			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			monitor := resource.NewSystemMonitor(cfg.SampleInterval())
			disp := scheduler.New(scheduler.FromFile(cfg), st, states, monitor, log)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// Hot reload: thresholds, batch size and log sinks follow the file.
			go func() {
				if err := cfgMgr.Watch(ctx); err != nil {
					log.Warn("config watch unavailable", logx.Err(err))
				}
			}()
			sub := cfgMgr.Subscribe(1)
			defer cfgMgr.Unsubscribe(sub)
			go func() {
				for c := range sub {
					disp.Apply(scheduler.FromFile(c))
					logSvc.Apply(logx.Config{
						Level:   c.LogLevel(),
						Console: c.LogConsole(),
						File: logx.FileConfig{
							Enabled: c.Logging.File.Enabled,
							Path:    c.Logging.File.Path,
						},
					})
				}
			}()

			go func() {
				<-ctx.Done()
				daemon.NotifyStopping(log)
			}()

			fmt.Println("Scheduler started.")
			daemon.NotifyReady(log)
			err = disp.Run(ctx)
			daemon.NotifyStopping(log)
			fmt.Println("Scheduler stopped.")
			return err
		},
	}
}
