package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func feed(c *Collector, lines ...string) {
	for _, l := range lines {
		c.ProcessLine([]byte(l))
	}
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return m
}

func TestCollectorEndToEndBundle(t *testing.T) {
	dir := t.TempDir()
	inputs := t.TempDir()
	configPath := writeFile(t, filepath.Join(inputs, "c.json"), `{"token":"secret123","limit":10}`)
	catalogPath := writeFile(t, filepath.Join(inputs, "k.json"), `{"streams":[{"name":"users"}]}`)

	args := []string{"read", "--config", configPath, "--catalog", catalogPath}
	c := New(dir, args, nil)

	feed(c,
		`{"type":"RECORD","record":{"stream":"users","data":{"id":1,"name":"a"}}}`,
		`{"type":"RECORD","record":{"stream":"users","data":{"id":2,"name":2}}}`,
		`{"type":"STATE","state":{"data":{"cursor":"x"}}}`,
	)

	if err := c.SaveArtifacts(); err != nil {
		t.Fatalf("SaveArtifacts() error = %v", err)
	}

	// Message type counts.
	counts := readJSON(t, filepath.Join(dir, "message_type_counts.json"))
	if counts["RECORD"].(float64) != 2 || counts["STATE"].(float64) != 1 {
		t.Errorf("message_type_counts = %v, want RECORD:2 STATE:1", counts)
	}

	// Stream schema widened on the name property.
	users := readJSON(t, filepath.Join(dir, "stream_schemas", "users.json"))
	props := users["properties"].(map[string]any)
	if got := props["id"].(map[string]any)["type"]; got != "integer" {
		t.Errorf("id type = %v, want integer", got)
	}
	gotName := props["name"].(map[string]any)["type"]
	if !reflect.DeepEqual(gotName, []any{"integer", "string"}) {
		t.Errorf("name type = %v, want union [integer string]", gotName)
	}

	// Exactly one retained message, the STATE line, verbatim.
	msgs, err := os.ReadFile(filepath.Join(dir, "messages"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(msgs)), "\n")
	if len(lines) != 1 {
		t.Fatalf("messages holds %d lines, want 1", len(lines))
	}
	if !strings.Contains(lines[0], `"STATE"`) {
		t.Errorf("retained message = %s, want the STATE line", lines[0])
	}

	// Entrypoint args verbatim, space joined.
	argsRaw, _ := os.ReadFile(filepath.Join(dir, "entrypoint_args.txt"))
	if string(argsRaw) != strings.Join(args, " ") {
		t.Errorf("entrypoint_args.txt = %q", argsRaw)
	}

	// Catalog copied verbatim.
	catalogOut, _ := os.ReadFile(filepath.Join(dir, "catalog.json"))
	if !strings.Contains(string(catalogOut), "users") {
		t.Errorf("catalog.json = %q", catalogOut)
	}
}

func TestCollectorConfigLeavesAreHashed(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, filepath.Join(t.TempDir(), "config.json"), `{"token":"secret123","limit":10}`)

	c := New(dir, []string{"check", "--config", configPath}, nil)
	if err := c.SaveArtifacts(); err != nil {
		t.Fatalf("SaveArtifacts() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "secret123") {
		t.Fatal("persisted config contains the secret in clear text")
	}

	cfg := readJSON(t, filepath.Join(dir, "config.json"))
	sum := sha256.Sum256([]byte(`"secret123"`))
	if cfg["token"] != hex.EncodeToString(sum[:]) {
		t.Errorf("token hash = %v, want sha256 of the JSON-encoded leaf", cfg["token"])
	}
	if len(cfg["limit"].(string)) != 64 {
		t.Errorf("limit = %v, want a hex digest", cfg["limit"])
	}
}

func TestCollectorMalformedLinesDropped(t *testing.T) {
	c := New(t.TempDir(), nil, nil)

	feed(c,
		"not json",
		`{"type":"RECORD","record":{"stream":"a","data":{}}}`,
		"{}",
		`{"type":"STATE","state":{}}`,
	)

	want := map[string]int{"RECORD": 1, "STATE": 1}
	if !reflect.DeepEqual(c.typeCounts, want) {
		t.Errorf("typeCounts = %v, want %v", c.typeCounts, want)
	}
}

func TestCollectorSaveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, filepath.Join(t.TempDir(), "config.json"), `{"a":{"b":[1,2,true]},"c":"v"}`)

	c := New(dir, []string{"read", "--config", configPath}, nil)
	feed(c,
		`{"type":"RECORD","record":{"stream":"users","data":{"id":1}}}`,
		`{"type":"LOG","log":{"message":"m"}}`,
	)
	c.SetExitCode(0)

	if err := c.SaveArtifacts(); err != nil {
		t.Fatalf("first SaveArtifacts() error = %v", err)
	}
	first := snapshotTree(t, dir)

	if err := c.SaveArtifacts(); err != nil {
		t.Fatalf("second SaveArtifacts() error = %v", err)
	}
	second := snapshotTree(t, dir)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("bundle not byte-identical across saves:\n%v\n%v", first, second)
	}
}

func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[rel] = string(raw)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCollectorNoRecordsNoSchemasDir(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil, nil)
	feed(c, `{"type":"LOG","log":{"message":"m"}}`)

	if err := c.SaveArtifacts(); err != nil {
		t.Fatalf("SaveArtifacts() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "stream_schemas")); !os.IsNotExist(err) {
		t.Error("stream_schemas directory created despite zero records")
	}
}

func TestCollectorOptionValuePath(t *testing.T) {
	existing := writeFile(t, filepath.Join(t.TempDir(), "state.json"), `{}`)

	c := New(t.TempDir(), []string{"read", "--state", existing, "--config", "/nonexistent/c.json"}, nil)

	if path, ok := c.OptionValuePath("--state"); !ok || path != existing {
		t.Errorf("OptionValuePath(--state) = %q, %v", path, ok)
	}
	if _, ok := c.OptionValuePath("--config"); ok {
		t.Error("OptionValuePath(--config) matched a nonexistent path")
	}
	if _, ok := c.OptionValuePath("--catalog"); ok {
		t.Error("OptionValuePath(--catalog) matched an absent option")
	}
}

func TestCollectorRunResult(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil, nil)
	c.SetExitCode(3)

	if err := c.SaveArtifacts(); err != nil {
		t.Fatal(err)
	}
	result := readJSON(t, filepath.Join(dir, "run_result.json"))
	if result["exit_code"].(float64) != 3 {
		t.Errorf("run_result = %v, want exit_code 3", result)
	}
}

func TestSanitizeStreamName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"users", "users"},
		{"public.users", "public.users"},
		{"a/b c", "a_b_c"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := SanitizeStreamName(tt.in); got != tt.want {
			t.Errorf("SanitizeStreamName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
