package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/legion/internal/appstate"
	"github.com/cuemby/legion/internal/client"
	"github.com/cuemby/legion/internal/config"
	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/task"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "legion",
	Short:   "Legion - distributed task supervisor",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Legion version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "legion.toml", "Path to config file")

	cobra.OnInitialize(initLogging)

	taskCmd.AddCommand(taskSubmitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logx.Init(logx.Config{
		Level:      logx.Level(level),
		JSONOutput: jsonOut,
	})
}

// loadConfig exits the process directly on a config load failure, with
// status code 0 rather than the nonzero code every other RunE failure
// produces via main()'s generic error path. This looks wrong — it is — but
// it is preserved verbatim from the original config-load call site, which
// exits(0) on a load error rather than propagating it (Open Question,
// spec.md's design notes: "preserve as-is").
func loadConfig(cmd *cobra.Command) *config.Tree {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(0)
	}
	return cfg
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor: worker-bus router, controllers, task tree and tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		app, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Shutdown()

		fmt.Println("Legion is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last recorded app status report without starting the supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)

		appID := cfg.GetVar("general.id")
		dbPath := cfg.GetVar("app.db")

		db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return fmt.Errorf("legion: open app.db %s: %w", dbPath, err)
		}
		defer db.Close()

		report, err := appstate.ReadSnapshot(db, appID)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one task to an embedded supervisor instance and wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		name, _ := cmd.Flags().GetString("name")
		plugin, _ := cmd.Flags().GetString("plugin")
		workerID, _ := cmd.Flags().GetString("worker-id")
		params, _ := cmd.Flags().GetString("params")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		restartDelay, _ := cmd.Flags().GetDuration("restart-delay")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		app, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Shutdown()

		def := task.Definition[string]{
			TaskUUID:     task.NewUUID(),
			Name:         name,
			Plugin:       plugin,
			WorkerID:     workerID,
			Params:       params,
			RestartDelay: restartDelay,
		}

		c := client.New(def, app.arbiters, app.tracker, app.maxConsecutiveErr)

		done := make(chan task.Update, 1)
		app.tracker.SubscribeByUUID(def.TaskUUID, "cli-submit", sendableFunc(func(msg any) {
			if u, ok := msg.(task.Update); ok && u.Tag == task.TagFinished {
				select {
				case done <- u:
				default:
				}
			}
		}))
		defer app.tracker.Unsubscribe(def.TaskUUID, "cli-submit")

		app.processor.Process(c, task.ExecutionContext{TaskUUID: def.TaskUUID})

		select {
		case u := <-done:
			fmt.Printf("task %s finished: %s\n", def.TaskUUID, u.Status)
			if u.CenterMessage != nil {
				out, _ := json.MarshalIndent(u.CenterMessage, "", "  ")
				fmt.Println(string(out))
			}
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("legion: timed out waiting for task %s", def.TaskUUID)
		}
	},
}

func init() {
	taskSubmitCmd.Flags().String("name", "", "task name")
	taskSubmitCmd.Flags().String("plugin", "", "plugin identifier")
	taskSubmitCmd.Flags().String("worker-id", "", "pin to a specific worker id (empty = any)")
	taskSubmitCmd.Flags().String("params", "", "opaque plugin parameters, passed through as-is")
	taskSubmitCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the task to finish")
	taskSubmitCmd.Flags().Duration("restart-delay", 0, "if positive, auto-restart this task after this delay on failure (§4.10)")
	_ = taskSubmitCmd.MarkFlagRequired("name")
}

// sendableFunc adapts a plain function to task.Sendable, for a one-off CLI
// subscriber that doesn't warrant its own named type.
type sendableFunc func(msg any)

func (f sendableFunc) Send(msg any) { f(msg) }
