// Package cli wires the bitmap-lifecycle actions into a single flat
// urfave/cli/v2 application (spec §6). There are no subcommands: the
// action name is a positional argument, looked up in internal/action's
// dispatch table, mirroring the way the Java original's Main resolved an
// action class by name but without the reflection.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/urfave/cli/v2"

	"github.com/GerritForge/ghs-actions-executor/internal/action"
	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
	"github.com/GerritForge/ghs-actions-executor/internal/housekeeping"
	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packlog"
	"github.com/GerritForge/ghs-actions-executor/internal/stats"
)

const (
	flagVerbose             = "verbose"
	flagSequentialBitmapGen = "sequential-bitmap-generation"
	flagPushgatewayURL      = "metrics-pushgateway-url"
)

// NewApp builds the CLI application described by spec §6:
//
//	program [-v] [--sequential-bitmap-generation] <actionName> <repositoryPath> [<outputFile>]
func NewApp() *cli.App {
	return &cli.App{
		Name:      "ghs-actions-executor",
		Usage:     "run a single bitmap-lifecycle maintenance action against a bare Git repository",
		UsageText: "ghs-actions-executor [-v] [--sequential-bitmap-generation] <actionName> <repositoryPath> [<outputFile>]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "enable verbose (debug) logging",
			},
			&cli.BoolFlag{
				Name:  flagSequentialBitmapGen,
				Usage: "fold non-head objects into a single consolidated pack",
			},
			&cli.StringFlag{
				Name:  flagPushgatewayURL,
				Usage: "Prometheus Pushgateway URL to push task metrics to after the action completes (disabled when empty)",
			},
		},
		Action:                 run,
		UseShortOptionHandling: true,
		// main() reports failures itself (see cmd/ghs-actions-executor), so
		// prevent the library's default handler from calling os.Exit before
		// Run returns the error.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func run(c *cli.Context) error {
	if c.Bool(flagVerbose) {
		log.EnableVerbose()
	}

	if c.NArg() < 2 {
		cli.ShowAppHelp(c)
		return cli.Exit("usage: ghs-actions-executor [-v] [--sequential-bitmap-generation] <actionName> <repositoryPath> [<outputFile>]", -1)
	}

	actionName := c.Args().Get(0)
	repoPath := c.Args().Get(1)
	outputFile := c.Args().Get(2)
	if outputFile == "" {
		outputFile = fmt.Sprintf("/tmp/ghs-action-execution-%d.json", os.Getpid())
	}

	fn, ok := action.Registry[actionName]
	if !ok {
		return cli.Exit(fmt.Sprintf("unknown action %q", actionName), -1)
	}

	logger := log.New(actionName)
	metrics := housekeeping.NewMetrics()

	env := action.Env{
		Repo:       gitrepo.NewCLIRepository(repoPath, logger),
		RepoPath:   repoPath,
		Log:        packlog.New(logger),
		Logger:     logger,
		SinglePack: c.Bool(flagSequentialBitmapGen),
		Verbose:    c.Bool(flagVerbose),
		Metrics:    metrics,
	}

	collector := stats.Start()
	result := fn(c.Context, env)
	execResult := action.ExecutionResult{Action: result, Stats: collector.Stop()}

	logger.WithField("successful", result.Successful).Info(result.Message)

	if url := c.String(flagPushgatewayURL); url != "" {
		pusher := push.New(url, "ghs_actions_executor").
			Collector(metrics).
			Grouping("action", actionName)
		if err := pusher.Push(); err != nil {
			logger.WithError(err).Warn("failed to push task metrics to pushgateway")
		}
	}

	data, err := execResult.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}

	if err := writeResultFile(outputFile, data); err != nil {
		return fmt.Errorf("write result file %s: %w", outputFile, err)
	}

	return nil
}

func writeResultFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
