// Package collector turns the live output stream of one connector run
// into a persisted, comparable artifact bundle.
package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/connectortools/bluegreen/internal/filestore"
	"github.com/connectortools/bluegreen/internal/protocol"
	"github.com/connectortools/bluegreen/internal/schema"
)

// Bundle file names. The layout is part of the comparison contract:
// both runs must produce byte-comparable trees.
const (
	entrypointArgsFile    = "entrypoint_args.txt"
	messagesFile          = "messages"
	catalogFile           = "catalog.json"
	configFile            = "config.json"
	stateFile             = "state.json"
	streamSchemasDir      = "stream_schemas"
	messageTypeCountsFile = "message_type_counts.json"
	runResultFile         = "run_result.json"
)

// Collector consumes protocol messages from one running connector and
// persists a normalized artifact bundle when the run is over. It is
// driven from a single output-reading goroutine and is not safe for
// concurrent use.
type Collector struct {
	artifactDir    string
	entrypointArgs []string
	logger         *slog.Logger

	schemas    *schema.Builder
	typeCounts map[string]int
	retained   []json.RawMessage

	exitCode *int
}

func New(artifactDir string, entrypointArgs []string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		artifactDir:    artifactDir,
		entrypointArgs: entrypointArgs,
		logger:         logger,
		schemas:        schema.NewBuilder(),
		typeCounts:     make(map[string]int),
	}
}

// HARDumpPath is where the run's interceptor should render its HTTP
// archive; the archive belongs to the bundle.
func (c *Collector) HARDumpPath() string {
	return filepath.Join(c.artifactDir, "http_traffic.har")
}

// ProcessLine folds one line of connector stdout into the collector.
// Lines that are not protocol messages are dropped silently: connector
// output legitimately mixes protocol lines with plain log noise, and a
// malformed line must never abort collection.
func (c *Collector) ProcessLine(line []byte) {
	msg, ok := protocol.ParseLine(line)
	if !ok {
		return
	}

	c.typeCounts[string(msg.Type)]++

	if msg.Type == protocol.TypeRecord {
		// Records are folded into the stream's shape and discarded;
		// only the accumulated schema is comparable, not row data.
		c.schemas.AddExample(msg.Record.Stream, msg.Record.Data)
		return
	}
	c.retained = append(c.retained, msg.Raw)
}

// TypeCounts returns a copy of the per-kind message counters.
func (c *Collector) TypeCounts() map[string]int {
	out := make(map[string]int, len(c.typeCounts))
	for k, v := range c.typeCounts {
		out[k] = v
	}
	return out
}

// SetExitCode records the run's exit status as comparison data.
func (c *Collector) SetExitCode(code int) {
	c.exitCode = &code
}

// OptionValuePath scans the entrypoint arguments for `option value`
// pairs and returns the value when it names an existing path. This is
// how the collector locates the run's companion input files without the
// orchestrator threading them through.
func (c *Collector) OptionValuePath(option string) (string, bool) {
	for i, arg := range c.entrypointArgs {
		if arg != option || i+1 >= len(c.entrypointArgs) {
			continue
		}
		candidate := c.entrypointArgs[i+1]
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func (c *Collector) configPath() (string, bool)  { return c.OptionValuePath("--config") }
func (c *Collector) catalogPath() (string, bool) { return c.OptionValuePath("--catalog") }
func (c *Collector) statePath() (string, bool)   { return c.OptionValuePath("--state") }

// SaveArtifacts writes the full bundle under the collector's artifact
// directory. Saving is deterministic and idempotent: calling it twice
// on an unmodified collector produces byte-identical files. A failed
// write of one artifact does not prevent the others from being
// attempted; the joined error reports everything that failed.
func (c *Collector) SaveArtifacts() error {
	if err := os.MkdirAll(c.artifactDir, 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	errs := []error{
		c.saveEntrypointArgs(),
		c.saveMessages(),
		c.saveCatalog(),
		c.saveConfig(),
		c.saveState(),
		c.saveStreamSchemas(),
		c.saveMessageTypeCounts(),
		c.saveRunResult(),
	}
	return errors.Join(errs...)
}

func (c *Collector) saveEntrypointArgs() error {
	args := strings.Join(c.entrypointArgs, " ")
	return os.WriteFile(filepath.Join(c.artifactDir, entrypointArgsFile), []byte(args), 0o644)
}

func (c *Collector) saveMessages() error {
	values := make([]any, len(c.retained))
	for i, raw := range c.retained {
		values[i] = raw
	}
	return filestore.New(filepath.Join(c.artifactDir, messagesFile)).Write(values)
}

// saveCatalog copies the configured catalog verbatim; a missing catalog
// option is a missing artifact, not an error.
func (c *Collector) saveCatalog() error {
	path, ok := c.catalogPath()
	if !ok {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("catalog input unreadable, skipping artifact", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	return os.WriteFile(filepath.Join(c.artifactDir, catalogFile), raw, 0o644)
}

// saveConfig persists the config's shape with every leaf value replaced
// by its content hash, so secrets never land in the bundle but any
// changed value is still detectable.
func (c *Collector) saveConfig() error {
	path, ok := c.configPath()
	if !ok {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("config input unreadable, skipping artifact", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	var cfg any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		c.logger.Warn("config input not valid JSON, skipping artifact", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	hashed, err := json.Marshal(HashLeafValues(cfg))
	if err != nil {
		return fmt.Errorf("marshal hashed config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.artifactDir, configFile), hashed, 0o644)
}

func (c *Collector) saveState() error {
	path, ok := c.statePath()
	if !ok {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("state input unreadable, skipping artifact", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	return os.WriteFile(filepath.Join(c.artifactDir, stateFile), raw, 0o644)
}

// saveStreamSchemas writes one schema file per observed stream. The
// directory is omitted entirely when the run emitted no records.
func (c *Collector) saveStreamSchemas() error {
	schemas := c.schemas.ExportAll()
	if len(schemas) == 0 {
		return nil
	}

	dir := filepath.Join(c.artifactDir, streamSchemasDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stream schemas directory: %w", err)
	}

	var errs []error
	for stream, shape := range schemas {
		out, err := json.Marshal(shape)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal schema for stream %q: %w", stream, err))
			continue
		}
		name := SanitizeStreamName(stream) + ".json"
		if err := os.WriteFile(filepath.Join(dir, name), out, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write schema for stream %q: %w", stream, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Collector) saveMessageTypeCounts() error {
	out, err := json.Marshal(c.typeCounts)
	if err != nil {
		return fmt.Errorf("marshal message type counts: %w", err)
	}
	return os.WriteFile(filepath.Join(c.artifactDir, messageTypeCountsFile), out, 0o644)
}

func (c *Collector) saveRunResult() error {
	if c.exitCode == nil {
		return nil
	}
	out, err := json.Marshal(map[string]int{"exit_code": *c.exitCode})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.artifactDir, runResultFile), out, 0o644)
}

// SanitizeStreamName maps a stream name to a safe file name. Stream
// names come straight from connector output and may contain path
// separators or other hostile characters.
func SanitizeStreamName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
