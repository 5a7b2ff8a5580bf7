// Package install puts the target connector version into an isolated
// virtual environment so the target run executes the published package,
// not the local working copy.
package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrInstall wraps any failure to provision the target version.
var ErrInstall = errors.New("target version install failed")

// Installer provisions versioned package installs under a root
// directory, one virtualenv per package@version.
type Installer struct {
	root   string
	logger *slog.Logger
}

func New(root string, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{root: root, logger: logger}
}

// Install creates a virtualenv for the package version and installs it
// together with the system-certificate shim, returning the path of the
// installed entrypoint binary.
func (i *Installer) Install(ctx context.Context, packageName, version string) (string, error) {
	venvRoot := filepath.Join(i.root, fmt.Sprintf("%s-%s", packageName, version))
	if err := os.MkdirAll(venvRoot, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInstall, err)
	}
	venvPath := filepath.Join(venvRoot, ".venv")

	if out, err := i.run(ctx, venvRoot, "uv", "--quiet", "venv", venvPath); err != nil {
		return "", fmt.Errorf("%w: create venv: %v: %s", ErrInstall, err, out)
	}

	spec := fmt.Sprintf("%s==%s", packageName, version)
	if out, err := i.run(ctx, venvRoot, "uv", "--quiet", "pip", "install",
		"--python", filepath.Join(venvPath, "bin", "python"),
		spec, "pip_system_certs"); err != nil {
		return "", fmt.Errorf("%w: install %s: %v: %s", ErrInstall, spec, err, out)
	}

	binPath := filepath.Join(venvPath, "bin", EntrypointName(packageName))
	if _, err := os.Stat(binPath); err != nil {
		return "", fmt.Errorf("%w: entrypoint %s not found after install", ErrInstall, binPath)
	}

	i.logger.Info("installed target version",
		slog.String("package", packageName),
		slog.String("version", version),
		slog.String("bin", binPath))
	return binPath, nil
}

func (i *Installer) run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// EntrypointName maps a published package name to its console script.
// Airbyte connector packages install a binary named without the
// distribution prefix.
func EntrypointName(packageName string) string {
	return strings.TrimPrefix(packageName, "airbyte-")
}
