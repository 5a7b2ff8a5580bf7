package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/connectortools/bluegreen/internal/config"
	"github.com/connectortools/bluegreen/internal/install"
	"github.com/connectortools/bluegreen/internal/orchestrator"
	"github.com/connectortools/bluegreen/internal/registry"
	"github.com/connectortools/bluegreen/internal/runindex"
	"github.com/connectortools/bluegreen/internal/telemetry"
)

func entrypointCmd(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "entrypoint",
		Usage:     "Run a connector command under both versions and collect artifact bundles",
		ArgsUsage: "[connector arguments, e.g. read --config config.json --catalog catalog.json]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Harness configuration file (YAML)",
			},
			&cli.StringFlag{
				Name:    "artifacts-root-directory",
				Usage:   "Directory that receives per-version artifact bundles",
				EnvVars: []string{"BLUE_GREEN_DIR"},
			},
			&cli.StringFlag{
				Name:    "metadata",
				Usage:   "Connector metadata YAML with the current version and package name",
				EnvVars: []string{"PATH_TO_METADATA"},
			},
			&cli.StringFlag{
				Name:  "target-version",
				Usage: "Candidate version to compare against, skipping registry resolution",
			},
		},
		Action: func(c *cli.Context) error {
			return runEntrypoint(c, logger)
		},
	}
}

func runEntrypoint(c *cli.Context, logger *slog.Logger) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("artifacts-root-directory"); v != "" {
		cfg.ArtifactsRoot = v
	}
	if v := c.String("metadata"); v != "" {
		cfg.Registry.MetadataPath = v
	}

	shutdown, err := telemetry.Init("bluegreen", logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Run.TimeoutDuration())
	defer cancel()

	meta, err := registry.LoadMetadata(cfg.Registry.MetadataPath)
	if err != nil {
		return err
	}
	packageName, err := meta.PackageName()
	if err != nil {
		return err
	}
	controlVersion := meta.CurrentVersion()

	targetVersion := c.String("target-version")
	if targetVersion == "" {
		targetVersion, err = registry.NewClient(cfg.Registry.BaseURL).
			LatestVersion(ctx, packageName, controlVersion)
		if err != nil {
			return err
		}
	}
	logger.Info("resolved comparison",
		slog.String("package", packageName),
		slog.String("control_version", controlVersion),
		slog.String("target_version", targetVersion))

	targetBin, err := install.New(cfg.Install.Root, logger).Install(ctx, packageName, targetVersion)
	if err != nil {
		return err
	}

	var index *runindex.Store
	if cfg.Index.Path != "" {
		index, err = runindex.Open(cfg.Index.Path)
		if err != nil {
			logger.Warn("run index unavailable", slog.String("error", err.Error()))
		} else {
			defer index.Close()
		}
	}

	// The control connector is whatever this harness shadows on PATH;
	// the target is the freshly installed candidate.
	result, err := orchestrator.Run(ctx, orchestrator.Options{
		ArtifactsRoot:  cfg.ArtifactsRoot,
		PackageName:    packageName,
		ControlVersion: controlVersion,
		TargetVersion:  targetVersion,
		ControlCommand: []string{install.EntrypointName(packageName)},
		TargetCommand:  []string{targetBin},
		EntrypointArgs: c.Args().Slice(),
		Proxy:          cfg.Proxy,
		Index:          index,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if result.ControlExitCode != 0 {
		return cli.Exit("", result.ControlExitCode)
	}
	return nil
}

func historyCmd(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List recorded comparisons for a package",
		ArgsUsage: "<package-name>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Harness configuration file (YAML)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: bluegreen history <package-name>", 2)
			}
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if cfg.Index.Path == "" {
				return cli.Exit("no run index configured (index.path)", 1)
			}
			index, err := runindex.Open(cfg.Index.Path)
			if err != nil {
				return err
			}
			defer index.Close()

			comparisons, err := index.ListByPackage(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			for _, cmp := range comparisons {
				fmt.Printf("%s  %s  %s -> %s  %s  control=%d target=%d\n",
					cmp.CreatedAt.Format("2006-01-02 15:04:05"), cmp.Command,
					cmp.ControlVersion, cmp.TargetVersion, cmp.ID,
					cmp.ControlExit, cmp.TargetExit)
			}
			return nil
		},
	}
}
