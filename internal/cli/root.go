package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"taskq/internal/config"
	"taskq/internal/runstate"
	"taskq/internal/store"
	logx "taskq/pkg/logx"
)

var (
	flagConfig   string
	flagLogLevel string

	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
)

// defaultConfigPath checks the TASKQ_CONFIG env var, then ~/.taskq/config.yaml.
func defaultConfigPath() string {
	if v := os.Getenv("TASKQ_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".taskq", "config.yaml")
}

// NewRootCmd creates the root cobra command for the taskq CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskq",
		Short: "Single-host priority task queue",
		Long:  "taskq queues shell commands with a priority and runs them through a resource-aware scheduler.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgMgr = config.NewManager(flagConfig)
			cfg, err := cfgMgr.Load()
			if err != nil {
				return err
			}

			level := cfg.LogLevel()
			if flagLogLevel != "" {
				level = flagLogLevel
			}
			logSvc, log = logx.New(logx.Config{
				Level:   level,
				Console: cfg.LogConsole(),
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			cfgMgr.SetLogger(log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logSvc != nil {
				_ = logSvc.Close()
			}
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "Config file (or TASKQ_CONFIG env)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(),
		newSubmitCmd(),
		newListCmd(),
		newCancelCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
	)

	return root
}

func openStore(cfg *config.Config) (store.Store, error) {
	return store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.StorePath(),
		BusyTimeout: cfg.StoreBusyTimeout(),
	}, log)
}

func runStates(cfg *config.Config) runstate.Store {
	return runstate.NewFileStore(cfg.RunStatePath())
}
