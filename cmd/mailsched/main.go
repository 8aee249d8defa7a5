package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mailsched/internal/app"
	"mailsched/internal/storage"
	"mailsched/internal/task/engine"
)

var (
	cfgPath   string
	envFile   string
	outputFmt string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailsched",
	Short: "Periodic mailing scheduler",
	Long: `mailsched sends recurring mail campaigns. The run command starts the
daemon with a one-minute dispatch tick and weekly history housekeeping; the
other commands run one job or manage campaigns from the terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Values from the env file never override the real environment.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "config file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "output format (table, json)")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	executionsCmd.Flags().String("job", "", "filter by job name")
	executionsCmd.Flags().Int("limit", 20, "rows to show")

	rootCmd.AddCommand(runCmd, tickCmd, housekeepingCmd, migrateCmd, executionsCmd)
	addAdminCommands(rootCmd)
}

// openApp builds the app and applies pending migrations when allowed.
func openApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := a.Prepare(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Close()
			return err
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopBudget(a))
		defer cancel()
		stopErr := a.Stop(stopCtx, reason)
		if err := a.Err(); err != nil && reason == app.StopFatalError {
			return err
		}
		return stopErr
	},
}

// stopBudget leaves room for the remaining shutdown steps after the
// scheduler's own drain timeout.
func stopBudget(a *app.App) time.Duration {
	d, _ := a.Config().Durations()
	return d.StopTimeout + 5*time.Second
}

func runJobCmd(use, short, job string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			item, err := a.RunJob(cmd.Context(), job)
			if outputFmt == "json" {
				if ferr := formatOutput(item); ferr != nil {
					return ferr
				}
			} else {
				fmt.Printf("%s %s in %s (run %s)\n", item.Name, item.Status, item.Duration.Round(time.Millisecond), item.ID)
			}
			if errors.Is(err, engine.ErrOverlapSkip) {
				return nil
			}
			return err
		},
	}
}

var tickCmd = runJobCmd("tick", "Run one dispatch tick now", app.JobDispatch)

var housekeepingCmd = runJobCmd("housekeeping", "Prune execution history now", app.JobHousekeeping)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database schema migrations",
}

func migrateRun(cmd storage.MigrateCommand) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Store().RunMigrations(c.Context(), cmd)
	}
}

var migrateUpCmd = &cobra.Command{Use: "up", Short: "Apply all pending migrations", RunE: migrateRun(storage.MigrateUp)}

var migrateDownCmd = &cobra.Command{Use: "down", Short: "Roll back the latest migration", RunE: migrateRun(storage.MigrateDown)}

var migrateStatusCmd = &cobra.Command{Use: "status", Short: "Show migration status", RunE: migrateRun(storage.MigrateStatus)}

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List recent scheduler job runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		job, _ := cmd.Flags().GetString("job")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rows, err := a.Store().ListExecutions(cmd.Context(), job, limit)
		if err != nil {
			return err
		}
		if outputFmt != "table" {
			return formatOutput(rows)
		}
		fmt.Printf("%-36s %-14s %-8s %-20s %-10s %s\n", "RUN", "JOB", "STATUS", "STARTED", "DURATION", "ERROR")
		fmt.Println(strings.Repeat("-", 100))
		for _, e := range rows {
			fmt.Printf("%-36s %-14s %-8s %-20s %-10s %s\n",
				e.RunID, e.Job, e.Status,
				e.StartedAt.Local().Format("2006-01-02 15:04:05"),
				e.Duration.Round(time.Millisecond), e.Error)
		}
		fmt.Printf("\nTotal: %d runs\n", len(rows))
		return nil
	},
}
