package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/expertgrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("expertgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
ExpertGrid - Decomposes a goal into a graph of jobs and runs them on experts.

Usage:
  expertgrid [options] --plan PLAN_PATH [GOAL]

Arguments:
  GOAL
    The goal of the job. Used when --goal is not given.

Options:
`)
		flagSet.PrintDefaults()
	}

	planFlag := flagSet.String("plan", "", "Path to the plan file or directory.")
	pFlag := flagSet.String("p", "", "Path to the plan file or directory (shorthand).")
	goalFlag := flagSet.String("goal", "", "Goal of the job.")
	gFlag := flagSet.String("g", "", "Goal of the job (shorthand).")
	contextFlag := flagSet.String("context", "", "Additional context for the job.")
	sessionFlag := flagSet.String("session", "", "Session id to record the job under. Generated when empty.")
	expertFlag := flagSet.String("expert", "", "Pin the job to one expert and skip decomposition.")
	workersFlag := flagSet.Int("workers", 0, "Concurrent expert executions. 0 uses the plan settings.")
	lifeCycleFlag := flagSet.Int("life-cycle", 0, "How many times a job may be decomposed further. 0 uses the plan settings.")
	storeDirFlag := flagSet.String("store-dir", "", "Directory for persistent job records. Empty keeps them in memory.")
	statusPortFlag := flagSet.Int("status-port", 0, "Port for the HTTP status server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	plan := firstNonEmpty(*planFlag, *pFlag)
	goal := firstNonEmpty(*goalFlag, *gFlag, strings.Join(flagSet.Args(), " "))
	slog.Debug("Plan and goal determined.", "plan", plan, "goal", goal)

	if plan == "" && goal == "" {
		slog.Debug("Nothing to run, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		PlanPath:   plan,
		Goal:       goal,
		Context:    *contextFlag,
		SessionID:  *sessionFlag,
		Expert:     *expertFlag,
		Workers:    *workersFlag,
		LifeCycle:  *lifeCycleFlag,
		StoreDir:   *storeDirFlag,
		StatusPort: *statusPortFlag,
		LogFormat:  logFormat,
		LogLevel:   logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
