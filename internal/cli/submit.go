package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskq/internal/task"
)

func newSubmitCmd() *cobra.Command {
	var (
		flagName     string
		flagPriority int
		flagStdout   string
		flagStderr   string
		flagTimeout  int
	)

	cmd := &cobra.Command{
		Use:   "submit <command>...",
		Short: "Submit a shell command to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validation happens before any state mutation.
			if flagPriority < 0 || flagPriority > 9 {
				return fmt.Errorf("priority %d out of range 0-9", flagPriority)
			}
			if flagTimeout < 0 {
				return fmt.Errorf("timeout must be >= 0 seconds")
			}

			command := strings.Join(args, " ")
			name := strings.TrimSpace(flagName)
			if name == "" {
				name = strings.Fields(command)[0]
			}

			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}

			cfg := cfgMgr.Get()
			stdoutFile, stderrFile, err := capturePaths(cfg.TaskLogDir(), flagStdout, flagStderr)
			if err != nil {
				return err
			}

			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			t := &task.Task{
				Name:        name,
				Command:     command,
				Priority:    flagPriority,
				Status:      task.StatusPending,
				Environment: environSnapshot(),
				Cwd:         cwd,
				StdoutFile:  stdoutFile,
				StderrFile:  stderrFile,
				Timeout:     time.Duration(flagTimeout) * time.Second,
			}
			id, err := st.InsertTask(cmd.Context(), t)
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}

			fmt.Printf("Task %d submitted: %s (priority=%d)\n", id, name, flagPriority)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagName, "name", "", "Display name (defaults to the first word of the command)")
	cmd.Flags().IntVar(&flagPriority, "priority", 0, "Priority 0-9, lower runs first")
	cmd.Flags().StringVar(&flagStdout, "stdout", "", "Stdout capture file (append mode)")
	cmd.Flags().StringVar(&flagStderr, "stderr", "", "Stderr capture file (append mode)")
	cmd.Flags().IntVar(&flagTimeout, "timeout", 0, "Timeout in seconds, 0 means unbounded")

	return cmd
}

// capturePaths resolves the stdout/stderr files to absolute paths, defaulting
// into the task log directory.
func capturePaths(logDir, stdout, stderr string) (string, string, error) {
	if stdout == "" || stderr == "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return "", "", fmt.Errorf("create task log dir: %w", err)
		}
		base := filepath.Join(logDir, fmt.Sprintf("task-%d", time.Now().UnixNano()))
		if stdout == "" {
			stdout = base + ".out"
		}
		if stderr == "" {
			stderr = base + ".err"
		}
	}
	var err error
	if stdout, err = filepath.Abs(stdout); err != nil {
		return "", "", err
	}
	if stderr, err = filepath.Abs(stderr); err != nil {
		return "", "", err
	}
	return stdout, stderr, nil
}

// environSnapshot captures the caller's environment so the scheduler can
// restore it at execution time.
func environSnapshot() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}
