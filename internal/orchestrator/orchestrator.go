// Package orchestrator sequences one comparison: a control run with the
// interceptor recording, then a target run replaying the control run's
// session, each producing its own artifact bundle. The two runs are
// strictly sequential; the target depends on the control's completed
// session log and on the released proxy environment.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/connectortools/bluegreen/internal/collector"
	"github.com/connectortools/bluegreen/internal/config"
	"github.com/connectortools/bluegreen/internal/proxy"
	"github.com/connectortools/bluegreen/internal/runindex"
	"github.com/connectortools/bluegreen/internal/runner"
	"github.com/connectortools/bluegreen/internal/telemetry"
)

// Options describes one comparison.
type Options struct {
	ArtifactsRoot  string
	PackageName    string
	ControlVersion string
	TargetVersion  string

	// ControlCommand and TargetCommand are the per-version entrypoints;
	// EntrypointArgs are appended to both verbatim.
	ControlCommand []string
	TargetCommand  []string
	EntrypointArgs []string

	Proxy config.ProxyConfig

	// Index, when set, receives a record of the finished comparison.
	Index *runindex.Store

	Logger *slog.Logger
}

// Result is the outcome of one comparison. ControlExitCode is the
// orchestrator's externally observable status; the target's outcome is
// comparison data only.
type Result struct {
	ComparisonID    string
	ControlExitCode int
	TargetExitCode  int
	TargetErr       error
	ControlDir      string
	TargetDir       string
}

// ArtifactDir keys a bundle directory by package identity, version and
// sub-command.
func ArtifactDir(root, packageName, version, command string) string {
	return filepath.Join(root, packageName, version, command)
}

// Run executes the comparison. It returns an error only for failures of
// the control phase or of the harness itself; target-run failures land
// in Result.TargetErr.
func Run(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	command := "unknown"
	if len(opts.EntrypointArgs) > 0 {
		command = opts.EntrypointArgs[0]
	}

	sessionDir, err := os.MkdirTemp("", "bluegreen-session-")
	if err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	defer os.RemoveAll(sessionDir)
	sessionName := filepath.Join(sessionDir, "session")

	result := &Result{
		ComparisonID: uuid.New().String(),
		ControlDir:   ArtifactDir(opts.ArtifactsRoot, opts.PackageName, opts.ControlVersion, command),
		TargetDir:    ArtifactDir(opts.ArtifactsRoot, opts.PackageName, opts.TargetVersion, command),
	}

	ctx, span := telemetry.Tracer().Start(ctx, "comparison", trace.WithAttributes(
		attribute.String("package", opts.PackageName),
		attribute.String("control_version", opts.ControlVersion),
		attribute.String("target_version", opts.TargetVersion),
		attribute.String("command", command),
	))
	defer span.End()

	logger.Info("running control version",
		slog.String("version", opts.ControlVersion),
		slog.String("artifacts", result.ControlDir))
	controlCounts, controlExit, err := runPhase(ctx, phase{
		name:        "control",
		command:     opts.ControlCommand,
		args:        opts.EntrypointArgs,
		artifactDir: result.ControlDir,
		sessionName: sessionName,
		proxyPort:   opts.Proxy.ControlPort,
		tee:         true,
		proxyCfg:    opts.Proxy,
		logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("control run: %w", err)
	}
	result.ControlExitCode = controlExit

	logger.Info("running target version",
		slog.String("version", opts.TargetVersion),
		slog.String("artifacts", result.TargetDir))
	_, targetExit, targetErr := runPhase(ctx, phase{
		name:          "target",
		command:       opts.TargetCommand,
		args:          opts.EntrypointArgs,
		artifactDir:   result.TargetDir,
		replaySession: sessionName,
		proxyPort:     opts.Proxy.TargetPort,
		proxyCfg:      opts.Proxy,
		logger:        logger,
	})
	result.TargetExitCode = targetExit
	if targetErr != nil {
		// The target run exists to produce comparison data; its failure
		// is recorded, attributed, and deliberately not propagated.
		result.TargetErr = targetErr
		logger.Error("target run failed",
			slog.String("version", opts.TargetVersion),
			slog.String("error", targetErr.Error()))
	}

	if opts.Index != nil {
		record := &runindex.Comparison{
			ID:             result.ComparisonID,
			PackageName:    opts.PackageName,
			ControlVersion: opts.ControlVersion,
			TargetVersion:  opts.TargetVersion,
			Command:        command,
			ControlDir:     result.ControlDir,
			TargetDir:      result.TargetDir,
			ControlExit:    result.ControlExitCode,
			TargetExit:     result.TargetExitCode,
			MessageCounts:  controlCounts,
		}
		if result.TargetErr != nil {
			record.TargetError = result.TargetErr.Error()
		}
		if err := opts.Index.Record(ctx, record); err != nil {
			logger.Warn("run index write failed", slog.String("error", err.Error()))
		}
	}

	return result, nil
}

// phase is one monitored run: interceptor up, environment acquired,
// process streamed into a collector, artifacts saved, everything
// released in reverse order.
type phase struct {
	name          string
	command       []string
	args          []string
	artifactDir   string
	sessionName   string
	replaySession string
	proxyPort     int
	tee           bool
	proxyCfg      config.ProxyConfig
	logger        *slog.Logger
}

func runPhase(ctx context.Context, p phase) (map[string]int, int, error) {
	ctx, span := telemetry.Tracer().Start(ctx, p.name+"_run")
	defer span.End()

	coll := collector.New(p.artifactDir, p.args, p.logger)

	interceptor := proxy.New(proxy.Options{
		Host:              p.proxyCfg.Host,
		Port:              p.proxyPort,
		SessionName:       p.sessionName,
		ReplaySessionName: p.replaySession,
		HARDumpPath:       coll.HARDumpPath(),
		CertDir:           p.proxyCfg.CertDir,
		TrustStoreDir:     p.proxyCfg.TrustStoreDir,
		CertWaitTimeout:   p.proxyCfg.CertWaitTimeoutDuration(),
		Match:             proxy.MatchPolicy{IncludeBody: p.proxyCfg.MatchRequestBody},
		Logger:            p.logger,
	})
	if err := interceptor.Start(ctx); err != nil {
		return nil, 0, err
	}
	// Stop must always run: an orphaned listener would collide with the
	// next phase's bind.
	defer interceptor.Stop()

	netenv, err := proxy.AcquireNetworkEnvironment(interceptor.Addr(), interceptor.CACertPath())
	if err != nil {
		return nil, 0, err
	}
	defer netenv.Release()

	argv := append(append([]string{}, p.command...), p.args...)
	runResult, runErr := runner.Run(ctx, argv, coll.ProcessLine, runner.Options{
		Tee:    p.tee,
		Logger: p.logger,
	})

	// Artifacts are saved even when the run failed or was killed; they
	// are valid up to the last processed line.
	coll.SetExitCode(runResult.ExitCode)
	if saveErr := coll.SaveArtifacts(); saveErr != nil {
		p.logger.Warn("artifact save incomplete",
			slog.String("phase", p.name),
			slog.String("error", saveErr.Error()))
	}

	if runErr != nil {
		return coll.TypeCounts(), runResult.ExitCode, runErr
	}
	// A replay mismatch does not necessarily fail the child process, so
	// surface it from the interceptor explicitly.
	if err := interceptor.Err(); err != nil {
		return coll.TypeCounts(), runResult.ExitCode, err
	}
	return coll.TypeCounts(), runResult.ExitCode, nil
}
